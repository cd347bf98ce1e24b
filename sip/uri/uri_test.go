package uri_test

import (
	"testing"

	"github.com/ghettovoice/sipcore/sip/uri"
)

func TestParse_SipUri(t *testing.T) {
	t.Parallel()

	u, err := uri.Parse("sip:alice:secret@atlanta.com:5060;transport=tcp;lr?subject=project")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	su, ok := u.(*uri.SipUri)
	if !ok {
		t.Fatalf("Parse() = %T, want *uri.SipUri", u)
	}
	if su.Sips {
		t.Error("scheme must be sip")
	}
	if su.User != "alice" || su.Password != "secret" {
		t.Errorf("userinfo = %q:%q, want alice:secret", su.User, su.Password)
	}
	if su.Addr.Host() != "atlanta.com" {
		t.Errorf("host = %q, want atlanta.com", su.Addr.Host())
	}
	if port, ok := su.Addr.Port(); !ok || port != 5060 {
		t.Errorf("port = %d, %v, want 5060, true", port, ok)
	}
	if su.Params.First("transport") != "tcp" {
		t.Errorf("transport param = %q, want tcp", su.Params.First("transport"))
	}
	if !su.IsLooseRouter() {
		t.Error("lr parameter must mark a loose router")
	}
	if su.Headers.First("subject") != "project" {
		t.Errorf("subject header = %q, want project", su.Headers.First("subject"))
	}
}

func TestParse_Wildcard(t *testing.T) {
	t.Parallel()

	u, err := uri.Parse("*")
	if err != nil {
		t.Fatalf("Parse(*) error = %v", err)
	}
	if _, ok := u.(uri.Wildcard); !ok {
		t.Fatalf("Parse(*) = %T, want uri.Wildcard", u)
	}
}

func TestParse_TelUri(t *testing.T) {
	t.Parallel()

	u, err := uri.Parse("tel:+1-201-555-0123;phone-context=example.com")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tu, ok := u.(*uri.TelUri)
	if !ok {
		t.Fatalf("Parse() = %T, want *uri.TelUri", u)
	}
	if !tu.IsGlobal() {
		t.Error("number starting with + is global")
	}
	// Visual separators are not significant.
	other, _ := uri.Parse("tel:+12015550123;phone-context=example.com")
	if !tu.Equal(other) {
		t.Error("tel URIs differing only in separators must be equal")
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "http://example.com", "sip:", "sip:@host", "tel:"} {
		if _, err := uri.Parse(in); err == nil {
			t.Errorf("Parse(%q) error = nil, want error", in)
		}
	}
}

func TestSipUri_Equal(t *testing.T) {
	t.Parallel()

	parse := func(s string) uri.Uri {
		t.Helper()
		u, err := uri.Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", s, err)
		}
		return u
	}

	tests := []struct {
		name   string
		u1, u2 string
		equal  bool
	}{
		{name: "host case-insensitive", u1: "sip:alice@AtLanTa.CoM;transport=TCP", u2: "sip:alice@atlanta.com;transport=tcp", equal: true},
		{name: "user case-sensitive", u1: "sip:alice@atlanta.com", u2: "sip:AliCe@atlanta.com", equal: false},
		{name: "scheme-sensitive", u1: "sip:alice@atlanta.com", u2: "sips:alice@atlanta.com", equal: false},
		{name: "one-sided transport param", u1: "sip:carol@chicago.com", u2: "sip:carol@chicago.com;transport=udp", equal: false},
		{name: "one-sided other param", u1: "sip:carol@chicago.com;newparam=5", u2: "sip:carol@chicago.com", equal: true},
		{name: "different ports", u1: "sip:host:5060", u2: "sip:host:5070", equal: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := parse(tt.u1).Equal(parse(tt.u2)); got != tt.equal {
				t.Errorf("Equal(%q, %q) = %v, want %v", tt.u1, tt.u2, got, tt.equal)
			}
		})
	}
}

func TestSipUri_RenderRoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"sip:alice@atlanta.com",
		"sips:bob@biloxi.com:5061",
		"sip:[::1]:5060;lr",
		"sip:carol@chicago.com;transport=tcp?priority=urgent",
	} {
		u, err := uri.Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", in, err)
		}
		again, err := uri.Parse(u.String())
		if err != nil {
			t.Fatalf("Parse(render(%q)) error = %v", in, err)
		}
		if !u.Equal(again) {
			t.Errorf("round trip of %q: %q not equal to original", in, u.String())
		}
	}
}

func TestSipUri_Clone(t *testing.T) {
	t.Parallel()

	u, _ := uri.Parse("sip:alice@atlanta.com;transport=udp")
	su := u.(*uri.SipUri)
	cl := su.Clone().(*uri.SipUri)
	cl.Params.Set("transport", "tcp")
	if su.Params.First("transport") != "udp" {
		t.Error("Clone() must not share parameter storage")
	}
}
