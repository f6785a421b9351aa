// Package resolve turns target host strings into probe addresses.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = 5 * time.Second

// Resolver resolves hostnames ahead of session construction. Failures
// here are setup errors, reported distinctly from probe timeouts.
type Resolver struct {
	timeout  time.Duration
	resolver *net.Resolver
}

// New creates a resolver backed by the system resolver.
func New(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		timeout:  timeout,
		resolver: net.DefaultResolver,
	}
}

// Resolve maps a host string to an IPv4 probe address. IP literals
// pass through without a lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("resolve %q: only IPv4 targets are supported", host)
		}
		return addr, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.resolver.LookupNetIP(lookupCtx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %q: no addresses", host)
	}

	return addrs[0].Unmap(), nil
}
