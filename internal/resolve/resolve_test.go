package resolve

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trojanlite/trojanlite/internal/address"
)

func TestResolvePassesThroughNonHostname(t *testing.T) {
	r := New(zap.NewNop())
	addr := address.NewIPv4([4]byte{1, 2, 3, 4}, 80)

	ip, err := r.Resolve(context.Background(), addr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ip.Equal(addr.IP) {
		t.Fatalf("Resolve() = %v, want %v unchanged", ip, addr.IP)
	}
}

func TestResolveReturnsCachedEntryWithoutLookup(t *testing.T) {
	r := New(zap.NewNop())
	r.net = nil // a nil *net.Resolver is the default resolver; a fresh lookup would not return the cached IP

	addr, err := address.NewHostname("example.com", 443)
	if err != nil {
		t.Fatalf("NewHostname: %v", err)
	}
	want := net.ParseIP("93.184.216.34")
	r.cache[addr.CacheKey()] = entry{ip: want, expires: time.Now().Add(time.Minute)}

	got, err := r.Resolve(context.Background(), addr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("Resolve() = %v, want cached %v", got, want)
	}
}

func TestResolveExpiredEntryTriggersFreshLookup(t *testing.T) {
	r := New(zap.NewNop())
	// A fresh lookup goes through this Dial hook, which records the attempt
	// and fails it, so no network is needed.
	var dialed atomic.Bool
	r.net = &net.Resolver{PreferGo: true, Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed.Store(true)
		return nil, errors.New("test: dns dial disabled")
	}}

	addr, err := address.NewHostname("example.com", 443)
	if err != nil {
		t.Fatalf("NewHostname: %v", err)
	}
	r.cache[addr.CacheKey()] = entry{ip: net.ParseIP("1.1.1.1"), expires: time.Now().Add(-time.Second)}

	r.Resolve(context.Background(), addr)
	if !dialed.Load() {
		t.Fatalf("Resolve with an expired cache entry did not attempt a fresh lookup")
	}
}
