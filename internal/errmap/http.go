// Package errmap translates domain errors into the uniform HTTP error
// envelope the gateway returns to clients. No stack traces, no tokens,
// no internal detail ever crosses this boundary.
package errmap

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
)

// Envelope is the JSON body returned for every user-visible failure:
// {status:"error", errorCode, message, timestamp, traceId}.
type Envelope struct {
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"traceId,omitempty"`
}

// HTTPError pairs an envelope with the status code it rides on.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Input errors: 400
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidState, http.StatusBadRequest, "INVALID_STATE"},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Authentication errors: 401
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrMissingCookie, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrSessionNotFound, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrSessionExpired, http.StatusUnauthorized, "SESSION_EXPIRED"},
	{domain.ErrIdPRefreshFailed, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrIdPExchangeFailed, http.StatusUnauthorized, "UNAUTHENTICATED"},

	// Authorization errors: 403
	{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{domain.ErrCSRFMismatch, http.StatusForbidden, "CSRF_MISMATCH"},

	// Routing: 404
	{domain.ErrRouteNotFound, http.StatusNotFound, "NOT_FOUND"},

	// Rate limiting: 429
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},

	// Transient infrastructure: 503
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
	{domain.ErrIdPUnavailable, http.StatusServiceUnavailable, "IDP_UNAVAILABLE"},

	// Downstream failures
	{domain.ErrServiceUnavailable, http.StatusBadGateway, "SERVICE_UNAVAILABLE"},
	{domain.ErrCircuitOpen, http.StatusBadGateway, "CIRCUIT_OPEN"},
	{domain.ErrBulkheadFull, http.StatusServiceUnavailable, "OVERLOADED"},
	{domain.ErrDownstreamTimeout, http.StatusGatewayTimeout, "DOWNSTREAM_TIMEOUT"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

// WriteError writes the uniform error envelope for err, setting the
// WWW-Authenticate hint on 401 and a Retry-After hint on 503.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	he := ToHTTPError(err)

	w.Header().Set("Content-Type", "application/json")
	switch he.StatusCode {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(he.StatusCode)

	env := Envelope{
		Status:    "error",
		ErrorCode: he.Code,
		Message:   he.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   observability.TraceIDFromContext(r.Context()),
	}
	// Encoding an Envelope cannot fail; the response is already committed anyway.
	_ = json.NewEncoder(w).Encode(env)
}
