package dns_test

import (
	"testing"

	"github.com/ghettovoice/sipcore/dns"
)

func TestCache_IPLiteralBypassesCache(t *testing.T) {
	t.Parallel()

	c := &dns.Cache{}
	addr, found, negative := c.ResolveFromCache("192.0.2.7", false)
	if !found || negative {
		t.Fatalf("ResolveFromCache(literal) = %v, %v, %v", addr, found, negative)
	}
	if addr.String() != "192.0.2.7" {
		t.Errorf("addr = %s", addr)
	}

	addr, found, _ = c.ResolveFromCache("[an invalid name]", false)
	if found {
		t.Errorf("unknown name must miss the cache, got %v", addr)
	}
}

func TestCache_MissBeforeLookup(t *testing.T) {
	t.Parallel()

	c := &dns.Cache{}
	if _, found, _ := c.ResolveFromCache("nonexistent.invalid", true); found {
		t.Error("cold cache must report a miss")
	}
	c.Flush()
}
