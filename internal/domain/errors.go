package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Input errors
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidState  = errors.New("invalid or expired state parameter")
	ErrMissingCookie = errors.New("session cookie missing")

	// Authentication errors
	ErrUnauthenticated = errors.New("authentication required")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")
	ErrCreateFailed    = errors.New("session creation failed")

	// Authorization errors
	ErrForbidden    = errors.New("permission denied")
	ErrCSRFMismatch = errors.New("CSRF token mismatch")

	// External collaborator errors
	ErrIdPExchangeFailed = errors.New("authorization code exchange failed")
	ErrIdPRefreshFailed  = errors.New("token refresh failed")
	ErrIdPUnavailable    = errors.New("identity provider unavailable")
	ErrStoreUnavailable  = errors.New("shared store unavailable")

	// Downstream errors
	ErrRouteNotFound      = errors.New("no route matches the request path")
	ErrServiceUnavailable = errors.New("no healthy endpoint for service")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrBulkheadFull       = errors.New("bulkhead capacity exhausted")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrDownstreamTimeout  = errors.New("downstream request timed out")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrIdPUnavailable) ||
		errors.Is(err, ErrDownstreamTimeout)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrEmptyID,
	ErrInvalidID,
	ErrInvalidInput,
	ErrInvalidState,
	ErrMissingCookie,
	ErrUnauthenticated,
	ErrSessionNotFound,
	ErrSessionExpired,
	ErrForbidden,
	ErrCSRFMismatch,
	ErrRouteNotFound,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsUnauthenticated returns true if the error should surface as a 401.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrMissingCookie) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired)
}
