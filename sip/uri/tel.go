package uri

import (
	"io"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/common"
)

// TelUri is a TEL URI as described in RFC 3966: tel:number;params.
type TelUri struct {
	// Number is the subscriber or global number, including a leading '+'
	// for global numbers.
	Number string
	// Params are the URI parameters.
	Params common.Values
}

func parseTel(s string) (*TelUri, error) {
	u := new(TelUri)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		u.Number, u.Params = s[:i], parseKVs(s[i+1:], ';')
	} else {
		u.Number = s
	}
	if u.Number == "" {
		return nil, errtrace.Wrap(ErrInvalidUri)
	}
	return u, nil
}

func (u *TelUri) Scheme() string { return "tel" }

// IsGlobal reports whether the number is in global form.
func (u *TelUri) IsGlobal() bool { return strings.HasPrefix(u.Number, "+") }

func (u *TelUri) RenderTo(w io.Writer) error {
	if _, err := io.WriteString(w, "tel:"+u.Number); err != nil {
		return err
	}
	return renderKVs(w, u.Params, ';', ';')
}

func (u *TelUri) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = u.RenderTo(sb)
	return sb.String()
}

func (u *TelUri) Clone() Uri {
	u2 := *u
	u2.Params = u.Params.Clone()
	return &u2
}

func (u *TelUri) Equal(other any) bool {
	var o *TelUri
	switch v := other.(type) {
	case *TelUri:
		o = v
	case TelUri:
		o = &v
	default:
		return false
	}
	if o == nil {
		return false
	}
	// Visual separators are ignored when comparing numbers.
	return telDigits(u.Number) == telDigits(o.Number) && u.Params.Equal(o.Params)
}

func telDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', '(', ')':
			return -1
		}
		return r
	}, s)
}

func (u *TelUri) IsValid() bool { return u.Number != "" }
