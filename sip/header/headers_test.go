package header_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/sipcore/sip/header"
	"github.com/ghettovoice/sipcore/sip/uri"
)

func sampleHeaders(t *testing.T) *header.Headers {
	t.Helper()
	from, err := uri.Parse("sip:alice@atlanta.com")
	if err != nil {
		t.Fatal(err)
	}
	to, err := uri.Parse("sip:bob@biloxi.com")
	if err != nil {
		t.Fatal(err)
	}
	return header.NewHeaders(
		header.Any{HeaderName: "X-Custom-First", Value: "1"},
		header.ContentLength(0),
		header.CSeq{Seq: 314159, Method: header.RequestMethod("INVITE")},
		header.CallID("a84b4c76e66710@pc33.atlanta.com"),
		header.To{NameAddr: header.NameAddr{Uri: to}},
		header.From{NameAddr: header.NameAddr{Uri: from, Params: header.Values{}.Set("tag", "1928301774")}},
		header.Via{{
			Proto:     header.ProtoInfo{Name: "SIP", Version: "2.0"},
			Transport: "UDP",
			Addr:      header.HostPort("pc33.atlanta.com", 5060),
			Params:    header.Values{}.Set("branch", "z9hG4bK776asdhds"),
		}},
		header.MaxForwards(70),
		header.Any{HeaderName: "X-Custom-Second", Value: "2"},
	)
}

func TestHeaders_CanonicalOrder(t *testing.T) {
	t.Parallel()

	rendered := sampleHeaders(t).String()
	order := []string{"Via:", "From:", "To:", "Call-ID:", "CSeq:", "Max-Forwards:", "Content-Length:", "X-Custom-First:", "X-Custom-Second:"}
	last := -1
	for _, name := range order {
		i := strings.Index(rendered, name)
		if i < 0 {
			t.Fatalf("rendered headers missing %q:\n%s", name, rendered)
		}
		if i < last {
			t.Errorf("header %q out of canonical order:\n%s", name, rendered)
		}
		last = i
	}
}

func TestHeaders_UnknownBagPreservesOrder(t *testing.T) {
	t.Parallel()

	hs := header.NewHeaders(
		header.Any{HeaderName: "X-B", Value: "b"},
		header.Any{HeaderName: "X-A", Value: "a1"},
		header.Any{HeaderName: "X-A", Value: "a2"},
	)
	rendered := hs.String()
	if !(strings.Index(rendered, "X-B") < strings.Index(rendered, "X-A: a1") &&
		strings.Index(rendered, "X-A: a1") < strings.Index(rendered, "X-A: a2")) {
		t.Errorf("unknown headers must keep insertion order:\n%s", rendered)
	}

	got := hs.Get("x-a")
	if len(got) != 2 {
		t.Fatalf("Get(x-a) returned %d headers, want 2", len(got))
	}
}

func TestHeaders_TypedAccessors(t *testing.T) {
	t.Parallel()

	hs := sampleHeaders(t)

	if via, ok := hs.FirstVia(); !ok || via.Branch() != "z9hG4bK776asdhds" {
		t.Error("FirstVia() must return the top hop")
	}
	if from, ok := hs.From(); !ok || from.Tag() != "1928301774" {
		t.Error("From() must return the stored header with its tag")
	}
	if callID, ok := hs.CallID(); !ok || callID != "a84b4c76e66710@pc33.atlanta.com" {
		t.Error("CallID() mismatch")
	}
	if cseq, ok := hs.CSeq(); !ok || cseq.Seq != 314159 {
		t.Error("CSeq() mismatch")
	}
	if mf, ok := hs.MaxForwards(); !ok || mf != 70 {
		t.Error("MaxForwards() mismatch")
	}
}

func TestHeaders_SetReplaces(t *testing.T) {
	t.Parallel()

	hs := header.NewHeaders(header.MaxForwards(70))
	hs.Set(header.MaxForwards(69))
	if mf, _ := hs.MaxForwards(); mf != 69 {
		t.Errorf("MaxForwards() = %d after Set, want 69", mf)
	}
	if hs.Len() != 1 {
		t.Errorf("Len() = %d, want 1", hs.Len())
	}
}

func TestHeaders_PrependPopVia(t *testing.T) {
	t.Parallel()

	hs := header.NewHeaders(header.Via{{Transport: "UDP", Addr: header.Host("old.example")}})
	hs.PrependVia(header.ViaHop{Transport: "TCP", Addr: header.Host("new.example")})

	via, _ := hs.FirstVia()
	if via.Addr.Host() != "new.example" {
		t.Fatalf("top via host = %q, want new.example", via.Addr.Host())
	}
	hs.PopVia()
	via, _ = hs.FirstVia()
	if via.Addr.Host() != "old.example" {
		t.Fatalf("after pop, top via host = %q, want old.example", via.Addr.Host())
	}
}

func TestHeaders_CloneEqual(t *testing.T) {
	t.Parallel()

	hs := sampleHeaders(t)
	cl := hs.Clone()
	if !hs.Equal(cl) {
		t.Fatal("clone must equal original")
	}
	cl.Set(header.MaxForwards(1))
	if hs.Equal(cl) {
		t.Fatal("mutating the clone must not affect equality with the original")
	}
	if mf, _ := hs.MaxForwards(); mf != 70 {
		t.Fatal("mutating the clone must not leak into the original")
	}
}

func TestHeaders_Del(t *testing.T) {
	t.Parallel()

	hs := sampleHeaders(t)
	hs.Del("Via")
	if _, ok := hs.FirstVia(); ok {
		t.Error("Del(Via) must remove the header")
	}
	hs.Del("x-custom-first")
	if got := hs.Get("X-Custom-First"); len(got) != 0 {
		t.Error("Del must remove unknown headers case-insensitively")
	}
}
