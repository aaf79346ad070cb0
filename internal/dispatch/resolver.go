// Package dispatch forwards authenticated requests to downstream services.
// Each outbound call passes, outer to inner, through a per-service bulkhead,
// a circuit breaker, a rate limiter and a bounded retry before it reaches
// the wire.
package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// Resolver maps a logical service name to its live endpoints.
type Resolver interface {
	Resolve(service string) ([]string, error)
}

// StaticResolver serves endpoints from the configuration's services table
// with round-robin selection. Endpoint lists can be swapped at runtime on
// config reload.
type StaticResolver struct {
	mu       sync.RWMutex
	services map[string][]string
	cursors  map[string]*atomic.Uint64
}

// NewStaticResolver creates a resolver over a name → endpoints table.
func NewStaticResolver(services map[string][]string) *StaticResolver {
	r := &StaticResolver{}
	r.Update(services)
	return r
}

// Update replaces the whole table. Round-robin cursors reset.
func (r *StaticResolver) Update(services map[string][]string) {
	normalized := make(map[string][]string, len(services))
	cursors := make(map[string]*atomic.Uint64, len(services))
	for name, eps := range services {
		kept := make([]string, 0, len(eps))
		for _, ep := range eps {
			if ep = strings.TrimRight(strings.TrimSpace(ep), "/"); ep != "" {
				kept = append(kept, ep)
			}
		}
		normalized[name] = kept
		cursors[name] = &atomic.Uint64{}
	}

	r.mu.Lock()
	r.services = normalized
	r.cursors = cursors
	r.mu.Unlock()
}

// Resolve returns every endpoint registered for service.
func (r *StaticResolver) Resolve(service string) ([]string, error) {
	r.mu.RLock()
	eps := r.services[service]
	r.mu.RUnlock()

	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: no endpoints for %q", domain.ErrServiceUnavailable, service)
	}
	return eps, nil
}

// Endpoint picks one endpoint round-robin. Satisfies the identity client's
// resolver dependency.
func (r *StaticResolver) Endpoint(service string) (string, error) {
	eps, err := r.Resolve(service)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	cursor := r.cursors[service]
	r.mu.RUnlock()

	n := cursor.Add(1) - 1
	return eps[n%uint64(len(eps))], nil
}
