package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"
)

// Cache is a positive/negative address cache in front of a [Resolver].
// It implements the resolution capability the SIP transport consumes:
// a non-blocking cache probe for the happy send path, and a blocking
// lookup that populates the cache for the retransmit to pick up.
type Cache struct {
	// Resolver performs the actual lookups. Nil means [DefaultResolver].
	Resolver *Resolver
	// TTL is the lifetime of positive entries. Zero means 60 seconds.
	TTL time.Duration
	// NegativeTTL is the lifetime of negative entries, which suppress
	// immediate retries for names that just failed. Zero means 30 seconds.
	NegativeTTL time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	host     string
	preferV6 bool
}

type cacheEntry struct {
	addr     netip.Addr
	negative bool
	expires  time.Time
}

func (c *Cache) resolver() *Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return DefaultResolver()
}

func (c *Cache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return time.Minute
}

func (c *Cache) negativeTTL() time.Duration {
	if c.NegativeTTL > 0 {
		return c.NegativeTTL
	}
	return 30 * time.Second
}

// ResolveFromCache probes the cache without blocking.
// found=false means no usable entry: the caller should go async.
// negative=true reports a fresh negative entry: do not retry soon.
func (c *Cache) ResolveFromCache(host string, preferV6 bool) (addr netip.Addr, found, negative bool) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, true, false
	}

	c.mu.RLock()
	e, ok := c.entries[cacheKey{host, preferV6}]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return netip.Addr{}, false, false
	}
	if e.negative {
		return netip.Addr{}, true, true
	}
	return e.addr, true, false
}

// ResolveAsync performs a blocking lookup and stores the outcome, positive
// or negative, in the cache. It honors ctx cancellation.
func (c *Cache) ResolveAsync(ctx context.Context, host string, preferV6 bool) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, nil
	}

	network := "ip4"
	if preferV6 {
		network = "ip6"
	}
	ips, err := c.resolver().LookupIP(ctx, network, host)
	if err != nil || len(ips) == 0 {
		// Fall back to the other family before giving up.
		var ferr error
		ips, ferr = c.resolver().LookupIP(ctx, "ip", host)
		if ferr != nil || len(ips) == 0 {
			var dnsErr *net.DNSError
			if errors.As(ferr, &dnsErr) && dnsErr.IsNotFound {
				c.store(host, preferV6, cacheEntry{negative: true, expires: time.Now().Add(c.negativeTTL())})
			}
			if ferr == nil {
				ferr = errtrace.New("no addresses")
			}
			return netip.Addr{}, errtrace.Wrap(ferr)
		}
	}

	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.Addr{}, errtrace.Wrap(errtrace.New("unusable address"))
	}
	addr = addr.Unmap()
	c.store(host, preferV6, cacheEntry{addr: addr, expires: time.Now().Add(c.ttl())})
	return addr, nil
}

func (c *Cache) store(host string, preferV6 bool, e cacheEntry) {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[cacheKey]cacheEntry)
	}
	c.entries[cacheKey{host, preferV6}] = e
	c.mu.Unlock()
}

// Flush drops every cache entry.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
