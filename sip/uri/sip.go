package uri

import (
	"io"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/common"
)

// SipUri is a SIP or SIPS URI: sip:user:password@host:port;uri-params?headers.
type SipUri struct {
	// Sips is true for the sips: scheme.
	Sips bool
	// User is the user part before '@', empty when absent.
	User string
	// Password is the password part, empty when absent.
	// RFC 3261 discourages its use but the grammar allows it.
	Password string
	// Addr is the host and optional port.
	Addr common.Addr
	// Params are the URI parameters.
	Params common.Values
	// Headers are the URI headers after '?'.
	Headers common.Values
}

func parseSip(s string, sips bool) (*SipUri, error) {
	u := &SipUri{Sips: sips}

	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		userinfo := s[:i]
		s = s[i+1:]
		if j := strings.IndexByte(userinfo, ':'); j >= 0 {
			u.User, u.Password = userinfo[:j], userinfo[j+1:]
		} else {
			u.User = userinfo
		}
		if u.User == "" {
			return nil, errtrace.Wrap(ErrInvalidUri)
		}
	}

	var rawHeaders, rawParams string
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s, rawHeaders = s[:i], s[i+1:]
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s, rawParams = s[:i], s[i+1:]
	}

	addr, err := common.ParseAddr(s)
	if err != nil {
		return nil, errtrace.Wrap(ErrInvalidUri)
	}
	u.Addr = addr

	if rawParams != "" {
		u.Params = parseKVs(rawParams, ';')
	}
	if rawHeaders != "" {
		u.Headers = parseKVs(rawHeaders, '&')
	}
	return u, nil
}

func parseKVs(s string, sep byte) common.Values {
	vals := make(common.Values)
	for part := range strings.SplitSeq(s, string(sep)) {
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			vals.Append(part[:i], part[i+1:])
		} else {
			vals.Append(part, "")
		}
	}
	return vals
}

func (u *SipUri) Scheme() string {
	if u.Sips {
		return "sips"
	}
	return "sip"
}

// IsLooseRouter reports whether the URI carries the "lr" parameter.
func (u *SipUri) IsLooseRouter() bool { return u.Params.Has("lr") }

func (u *SipUri) RenderTo(w io.Writer) error {
	if _, err := io.WriteString(w, u.Scheme()); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ":"); err != nil {
		return err
	}
	if u.User != "" {
		if _, err := io.WriteString(w, u.User); err != nil {
			return err
		}
		if u.Password != "" {
			if _, err := io.WriteString(w, ":"+u.Password); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "@"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, u.Addr.String()); err != nil {
		return err
	}
	if err := renderKVs(w, u.Params, ';', ';'); err != nil {
		return err
	}
	return renderKVs(w, u.Headers, '?', '&')
}

func renderKVs(w io.Writer, vals common.Values, lead, sep byte) error {
	first := true
	for _, k := range sortedKeys(vals) {
		for _, v := range vals.Get(k) {
			s := k
			if v != "" {
				s += "=" + v
			}
			c := sep
			if first {
				c = lead
				first = false
			}
			if _, err := io.WriteString(w, string(c)+s); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(vals common.Values) []string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	// Deterministic rendering; map order is not stable.
	slices.Sort(keys)
	return keys
}

func (u *SipUri) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = u.RenderTo(sb)
	return sb.String()
}

func (u *SipUri) Clone() Uri {
	u2 := *u
	u2.Addr = u.Addr.Clone()
	u2.Params = u.Params.Clone()
	u2.Headers = u.Headers.Clone()
	return &u2
}

// Equal implements the comparison rules of RFC 3261 Section 19.1.4:
// scheme-sensitive, user and password case-sensitive, host case-insensitive.
// The user, ttl, method, maddr and transport parameters must either match
// or be absent from both URIs; other parameters are compared only when
// present in both. URI headers must be present in both, with values
// compared case-insensitively.
func (u *SipUri) Equal(other any) bool {
	var o *SipUri
	switch v := other.(type) {
	case *SipUri:
		o = v
	case SipUri:
		o = &v
	default:
		return false
	}
	if o == nil {
		return false
	}
	if u.Sips != o.Sips || u.User != o.User || u.Password != o.Password {
		return false
	}
	if !u.Addr.Equal(o.Addr) {
		return false
	}
	for _, p := range []string{"user", "ttl", "method", "maddr", "transport"} {
		if u.Params.Has(p) != o.Params.Has(p) {
			return false
		}
	}
	for k, vs := range u.Params {
		ovs, ok := o.Params[k]
		if !ok {
			continue
		}
		if len(vs) == 0 || len(ovs) == 0 {
			if len(vs) != len(ovs) {
				return false
			}
			continue
		}
		if !strings.EqualFold(vs[0], ovs[0]) {
			return false
		}
	}
	if len(u.Headers) != len(o.Headers) {
		return false
	}
	for k, vs := range u.Headers {
		ovs, ok := o.Headers[k]
		if !ok || len(vs) != len(ovs) {
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

func (u *SipUri) IsValid() bool { return !u.Addr.IsZero() && u.Addr.Host() != "" }
