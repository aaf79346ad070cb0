package idp

import (
	"time"

	"github.com/aelexs/edge-auth-gateway/internal/cache"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// StateData is what the login handler stashes between the authorize
// redirect and the callback: the PKCE verifier and where to send the
// browser after a successful exchange.
type StateData struct {
	Verifier          string
	PostLoginRedirect string
}

// StateStore holds pending login states, bounded and TTL'd. Process-local
// by design: the callback returns to the instance that issued the redirect
// in the common case, and a lost state only costs the user one extra
// round through /auth/login.
type StateStore struct {
	entries *cache.TTL[StateData]
}

// NewStateStore creates a state store with the given TTL.
func NewStateStore(ttl time.Duration, clock domain.Clock) *StateStore {
	if ttl <= 0 {
		ttl = domain.StateTTL
	}
	return &StateStore{
		// A handful of concurrent logins per instance; 10k leaves headroom
		// against a redirect-loop flood.
		entries: cache.NewTTL[StateData](ttl, 10_000, clock),
	}
}

// Put stores data under the state parameter.
func (s *StateStore) Put(state string, data StateData) {
	s.entries.Set(state, data)
}

// Consume returns and removes the data for state. Single-use: a replayed
// state parameter misses the second time.
func (s *StateStore) Consume(state string) (StateData, bool) {
	data, ok := s.entries.Get(state)
	if ok {
		s.entries.Delete(state)
	}
	return data, ok
}
