package header_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/sipcore/sip/header"
)

func TestViaHop_Render(t *testing.T) {
	t.Parallel()

	hop := header.ViaHop{
		Proto:     header.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      header.HostPort("pc33.atlanta.com", 5060),
		Params:    header.Values{}.Set("branch", "z9hG4bK776asdhds"),
	}
	want := "SIP/2.0/UDP pc33.atlanta.com:5060;branch=z9hG4bK776asdhds"
	if got := hop.String(); got != want {
		t.Errorf("hop.String() = %q, want %q", got, want)
	}
}

func TestVia_RenderMultipleHops(t *testing.T) {
	t.Parallel()

	via := header.Via{
		{
			Proto:     header.ProtoInfo{Name: "SIP", Version: "2.0"},
			Transport: "TCP",
			Addr:      header.Host("first.example"),
		},
		{
			Proto:     header.ProtoInfo{Name: "SIP", Version: "2.0"},
			Transport: "UDP",
			Addr:      header.HostPort("second.example", 5080),
		},
	}
	got := via.Render()
	if !strings.HasPrefix(got, "Via: ") {
		t.Fatalf("Render() = %q, want Via: prefix", got)
	}
	if !strings.Contains(got, "first.example") || !strings.Contains(got, "second.example:5080") {
		t.Errorf("Render() = %q, want both hops", got)
	}
	if strings.Index(got, "first.example") > strings.Index(got, "second.example") {
		t.Errorf("Render() = %q, top hop must come first", got)
	}
}

func TestViaHop_Branch(t *testing.T) {
	t.Parallel()

	hop := header.ViaHop{Params: header.Values{}.Set("branch", "z9hG4bKnashds8")}
	if got := hop.Branch(); got != "z9hG4bKnashds8" {
		t.Errorf("Branch() = %q", got)
	}
	if !hop.HasRFC3261Branch() {
		t.Error("branch with magic cookie must be detected")
	}

	legacy := header.ViaHop{Params: header.Values{}.Set("branch", "1234")}
	if legacy.HasRFC3261Branch() {
		t.Error("branch without magic cookie must not be detected")
	}
}

func TestViaHop_RPort(t *testing.T) {
	t.Parallel()

	hop := header.ViaHop{Params: header.Values{}.Set("rport", "12345")}
	port, ok := hop.RPort()
	if !ok || port != 12345 {
		t.Errorf("RPort() = %d, %v, want 12345, true", port, ok)
	}

	// A bare rport flag requests the parameter but carries no value yet.
	flag := header.ViaHop{Params: header.Values{}.Set("rport", "")}
	port, ok = flag.RPort()
	if !ok || port != 0 {
		t.Errorf("RPort() = %d, %v, want 0, true for flag form", port, ok)
	}
}

func TestVia_Equal(t *testing.T) {
	t.Parallel()

	mk := func(branch string) header.Via {
		return header.Via{{
			Proto:     header.ProtoInfo{Name: "SIP", Version: "2.0"},
			Transport: "UDP",
			Addr:      header.HostPort("host.example", 5060),
			Params:    header.Values{}.Set("branch", branch),
		}}
	}
	if !mk("z9hG4bK1").Equal(mk("z9hG4bK1")) {
		t.Error("identical Via headers must be equal")
	}
	if mk("z9hG4bK1").Equal(mk("z9hG4bK2")) {
		t.Error("differing branches must not be equal")
	}
}

func TestVia_Clone_Isolated(t *testing.T) {
	t.Parallel()

	via := header.Via{{
		Proto:     header.ProtoInfo{Name: "SIP", Version: "2.0"},
		Transport: "UDP",
		Addr:      header.HostPort("a.example", 5060),
		Params:    header.Values{}.Set("branch", "z9hG4bK1"),
	}}
	cl := via.Clone().(header.Via)
	cl[0].Params.Set("branch", "z9hG4bK2")
	if via[0].Branch() != "z9hG4bK1" {
		t.Error("Clone() must not share parameter storage")
	}
}
