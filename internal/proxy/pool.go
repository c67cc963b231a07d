// Package proxy hands out per-request HTTP proxies. The zero-value choice is
// NullPool (direct connections); ClashPool spawns a local Clash instance per
// upstream node so concurrent downloads spread across exit IPs.
package proxy

import (
	"fmt"
	"net/url"
	"sync"
)

// Pool is consulted once per outgoing request. Implementations must be safe
// for concurrent use.
type Pool interface {
	// Next returns the proxy for the next request, nil meaning direct.
	Next() *url.URL
	Size() int
	Cleanup()
}

// RoundRobin rotates over a fixed proxy list.
type RoundRobin struct {
	mu      sync.Mutex
	proxies []*url.URL
	index   int
}

func NewRoundRobin(rawURLs []string) (*RoundRobin, error) {
	proxies := make([]*url.URL, 0, len(rawURLs))
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("bad proxy url %q: %w", raw, err)
		}
		proxies = append(proxies, u)
	}
	return &RoundRobin{proxies: proxies}, nil
}

func (p *RoundRobin) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil
	}
	u := p.proxies[p.index]
	p.index = (p.index + 1) % len(p.proxies)
	return u
}

func (p *RoundRobin) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

func (p *RoundRobin) Cleanup() {}

// NullPool yields direct connections.
type NullPool struct{}

func (NullPool) Next() *url.URL { return nil }
func (NullPool) Size() int      { return 0 }
func (NullPool) Cleanup()       {}
