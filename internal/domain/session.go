package domain

import "time"

// Session is the server-side record binding a session id to a user's OIDC
// tokens and profile. Serialized as JSON into the shared store; the session
// id itself is the key and is not duplicated in the value.
//
// Invariants:
//   - AccessExpiresAt >= CreatedAt.
//   - A session whose refresh token has also expired is removed on next access.
//   - Mutated only by token refresh and by the throttled last-accessed bump.
type Session struct {
	UserID           string    `json:"user_id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
}

// AccessExpired reports whether the access token has expired at now.
func (s *Session) AccessExpired(now time.Time) bool {
	return !now.Before(s.AccessExpiresAt)
}

// RefreshExpired reports whether the refresh token has expired at now.
// Zero RefreshExpiresAt means the IdP did not bound the refresh token;
// such sessions rely on the store TTL alone.
func (s *Session) RefreshExpired(now time.Time) bool {
	return !s.RefreshExpiresAt.IsZero() && !now.Before(s.RefreshExpiresAt)
}

// Principal is the authenticated identity attached to a request after the
// auth filter resolves the session and authorization caches.
type Principal struct {
	UserID      string
	Username    string
	Email       string
	Roles       []string
	Permissions []string
}

// HasAnyRole reports whether the principal holds at least one of the given
// roles (OR semantics). Role names are compared after normalization by the
// caller; this is a plain set-intersection check.
func (p *Principal) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// HasPermission reports whether the principal holds the given permission code.
func (p *Principal) HasPermission(code string) bool {
	for _, have := range p.Permissions {
		if have == code {
			return true
		}
	}
	return false
}
