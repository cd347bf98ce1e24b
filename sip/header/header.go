// Package header implements SIP message headers as described in RFC 3261 Section 20.
package header

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/common"
)

type (
	// ProtoInfo is re-exported for convenience.
	ProtoInfo = common.ProtoInfo
	// TransportProto is re-exported for convenience.
	TransportProto = common.TransportProto
	// Addr is re-exported for convenience.
	Addr = common.Addr
	// Values is re-exported for convenience.
	Values = common.Values
	// RequestMethod is re-exported for convenience.
	RequestMethod = common.RequestMethod
)

// Host is a shortcut for [common.Host].
func Host(host string) Addr { return common.Host(host) }

// HostPort is a shortcut for [common.HostPort].
func HostPort(host string, port uint16) Addr { return common.HostPort(host, port) }

// Name is a canonicalized SIP header field name.
type Name string

// Canonic maps a raw header field name, possibly in compact form, to its
// canonical form.
func (n Name) Canonic() Name {
	lc := stringutils.LCase(string(n))
	if full, ok := compactForms[lc]; ok {
		return full
	}
	if full, ok := canonicForms[lc]; ok {
		return full
	}
	// Unknown headers keep the spelling they arrived with.
	return n
}

func (n Name) Equal(other Name) bool {
	return strings.EqualFold(string(n.Canonic()), string(other.Canonic()))
}

func (n Name) String() string { return string(n) }

var canonicForms = map[string]Name{
	"via":            "Via",
	"from":           "From",
	"to":             "To",
	"call-id":        "Call-ID",
	"cseq":           "CSeq",
	"contact":        "Contact",
	"route":          "Route",
	"record-route":   "Record-Route",
	"max-forwards":   "Max-Forwards",
	"content-length": "Content-Length",
	"content-type":   "Content-Type",
	"require":        "Require",
	"unsupported":    "Unsupported",
	"supported":      "Supported",
	"expires":        "Expires",
	"user-agent":     "User-Agent",
}

// RFC 3261 Section 7.3.3 compact forms.
var compactForms = map[string]Name{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"l": "Content-Length",
	"c": "Content-Type",
	"k": "Supported",
}

// Header is a single SIP header field value.
type Header interface {
	// CanonicName returns the canonical header field name.
	CanonicName() Name
	// RenderTo writes the header in its wire form, including the field name.
	RenderTo(w io.Writer) error
	// Render returns the header in its wire form, including the field name.
	Render() string
	String() string
	// Clone returns a deep copy of the header.
	Clone() Header
	Equal(val any) bool
	IsValid() bool
}

type headerEntry[T any] interface {
	Clone() T
	RenderTo(w io.Writer) error
}

func renderHeaderEntries[S ~[]T, T headerEntry[T]](w io.Writer, entries S) error {
	for i, e := range entries {
		if i > 0 {
			if _, err := io.WriteString(w, ", "); err != nil {
				return err
			}
		}
		if err := e.RenderTo(w); err != nil {
			return err
		}
	}
	return nil
}

func cloneHeaderEntries[S ~[]T, T headerEntry[T]](entries S) S {
	if entries == nil {
		return nil
	}
	out := make(S, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// renderHeaderParams writes ";name=value" pairs in deterministic key order.
// Values containing whitespace are quoted.
func renderHeaderParams(w io.Writer, params Values) error {
	for _, k := range sortedParamKeys(params) {
		for _, v := range params.Get(k) {
			s := ";" + k
			switch {
			case v == "":
			case strings.ContainsAny(v, " \t"):
				s += "=\"" + v + "\""
			default:
				s += "=" + v
			}
			if _, err := io.WriteString(w, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedParamKeys(params Values) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// compareHeaderParams compares two parameter sets.
// Keys from must are significant even when present on one side only;
// any other key is compared only when present on both sides.
func compareHeaderParams(p1, p2 Values, must map[string]bool) bool {
	for k := range must {
		if p1.Has(k) != p2.Has(k) {
			return false
		}
	}
	for k, vs := range p1 {
		ovs, ok := p2[k]
		if !ok {
			continue
		}
		if len(vs) != len(ovs) {
			return false
		}
		for i := range vs {
			if !strings.EqualFold(vs[i], ovs[i]) {
				return false
			}
		}
	}
	return true
}

func validateHeaderParams(params Values) bool {
	for k := range params {
		if k == "" {
			return false
		}
	}
	return true
}

func renderName(w io.Writer, n Name) error {
	_, err := fmt.Fprint(w, n, ": ")
	return err
}
