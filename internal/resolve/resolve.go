// Package resolve implements a short-term-caching DNS resolver, keyed by
// address.Address.CacheKey(), grounded on the original's
// dns_utils/dns_resolver.rs generation-counter cache.
package resolve

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trojanlite/trojanlite/internal/address"
)

// ttl is how long a resolved IP stays valid in the cache before a fresh
// lookup is issued for it; the original re-validates every other "DNS
// update period" tick (roughly two ticks), which this approximates as a
// flat TTL.
const ttl = 2 * time.Minute

type entry struct {
	ip      net.IP
	expires time.Time
}

// Resolver caches net.Resolver lookups by address.Address.CacheKey().
type Resolver struct {
	net *net.Resolver
	log *zap.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// New returns a Resolver using the system resolver.
func New(log *zap.Logger) *Resolver {
	return &Resolver{net: net.DefaultResolver, log: log, cache: make(map[string]entry)}
}

// Resolve returns an IP for addr. If addr already carries an IP (was not a
// hostname), it is returned unchanged with no lookup or caching. Otherwise
// the hostname is looked up, the first returned address is cached under
// addr.CacheKey(), and returned.
func (r *Resolver) Resolve(ctx context.Context, addr address.Address) (net.IP, error) {
	if addr.Kind != address.KindHostname {
		return addr.IP, nil
	}

	key := addr.CacheKey()
	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.ip, nil
	}
	r.mu.Unlock()

	ips, err := r.net.LookupIP(ctx, "ip", addr.Hostname)
	if err != nil {
		r.log.Debug("dns lookup failed", zap.String("host", addr.Hostname), zap.Error(err))
		return nil, err
	}
	ip := ips[0]

	r.mu.Lock()
	r.cache[key] = entry{ip: ip, expires: time.Now().Add(ttl)}
	r.mu.Unlock()

	return ip, nil
}
