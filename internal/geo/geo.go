// Package geo resolves IP addresses to countries. Lookups are best effort:
// a failed resolution is reported as a miss, never an error that stops a
// probe run.
package geo

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/maypok86/otter"
)

// Info is the country of an IP address.
type Info struct {
	Code string
	Name string
}

// Label returns the most descriptive non-empty field.
func (i Info) Label() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Code
}

// Resolver maps an IP address to a country.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (Info, bool)
}

// Multi queries resolvers in order and returns the first hit.
type Multi []Resolver

func (m Multi) Lookup(ctx context.Context, ip string) (Info, bool) {
	for _, r := range m {
		if info, ok := r.Lookup(ctx, ip); ok {
			return info, true
		}
	}
	return Info{}, false
}

// IsPublicIP reports whether ip is a routable unicast address. Private,
// loopback, link-local and unspecified addresses are skipped by lookups.
func IsPublicIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	return !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() && !addr.IsMulticast() && !addr.IsUnspecified()
}

// Cached wraps a resolver with a bounded in-memory cache so that repeated
// lookups of the same IP within one test run hit the network only once.
type Cached struct {
	inner Resolver
	cache otter.Cache[string, Info]
}

// NewCached creates a caching wrapper bounded to maxEntries IPs with the
// given TTL.
func NewCached(inner Resolver, maxEntries int, ttl time.Duration) *Cached {
	cache, err := otter.MustBuilder[string, Info](maxEntries).
		Cost(func(_ string, _ Info) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("geo: failed to create lookup cache: " + err.Error())
	}
	return &Cached{inner: inner, cache: cache}
}

func (c *Cached) Lookup(ctx context.Context, ip string) (Info, bool) {
	if info, ok := c.cache.Get(ip); ok {
		return info, true
	}
	info, ok := c.inner.Lookup(ctx, ip)
	if ok {
		c.cache.Set(ip, info)
	}
	return info, ok
}

// Close releases the cache resources.
func (c *Cached) Close() {
	c.cache.Close()
}
