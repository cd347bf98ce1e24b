package common

import "github.com/ghettovoice/sipcore/internal/stringutils"

// Values maps a string key to a list of string values.
// The keys in the map are case-insensitive.
// It is typically used to store URI's or header's parameters.
type Values map[string][]string

// Get returns values associated with the given key.
// If there are no values associated with the key, Get returns the empty slice.
func (vals Values) Get(key string) []string { return vals[stringutils.LCase(key)] }

func (vals Values) First(key string) string {
	v := vals[stringutils.LCase(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Set sets the key to value. It replaces any existing values.
func (vals Values) Set(key, value string) Values {
	vals[stringutils.LCase(key)] = []string{value}
	return vals
}

func (vals Values) Append(key, value string) Values {
	key = stringutils.LCase(key)
	vals[key] = append(vals[key], value)
	return vals
}

// Del deletes the values associated with the key.
func (vals Values) Del(key string) Values {
	delete(vals, stringutils.LCase(key))
	return vals
}

// Has checks whether a given key is in the list.
func (vals Values) Has(key string) bool {
	_, ok := vals[stringutils.LCase(key)]
	return ok
}

// Clone returns a copy of the map.
func (vals Values) Clone() Values {
	var vals2 Values
	for k, vs := range vals {
		if vals2 == nil {
			vals2 = make(Values, len(vals))
		}
		vals2[k] = append([]string(nil), vs...)
	}
	return vals2
}

// Equal reports whether two value maps hold the same keys and values.
func (vals Values) Equal(other Values) bool {
	if len(vals) != len(other) {
		return false
	}
	for k, vs := range vals {
		ovs, ok := other[k]
		if !ok || len(vs) != len(ovs) {
			return false
		}
		for i := range vs {
			if vs[i] != ovs[i] {
				return false
			}
		}
	}
	return true
}
