package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aelexs/edge-auth-gateway/internal/authz"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/errmap"
	"github.com/aelexs/edge-auth-gateway/internal/idp"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
	"github.com/aelexs/edge-auth-gateway/internal/session"
)

var tracer = observability.Tracer("gateway")

type ctxKey int

const authResultKey ctxKey = iota

// AuthResult is what a successfully authenticated request carries forward:
// the session, its current access token, and the resolved principal.
type AuthResult struct {
	SessionID   domain.SessionID
	AccessToken string
	Principal   *domain.Principal
}

// ResultFromContext returns the auth result attached by RequireSession.
func ResultFromContext(ctx context.Context) (*AuthResult, bool) {
	res, ok := ctx.Value(authResultKey).(*AuthResult)
	return res, ok
}

// AuthFilter drives the per-request session state machine: cookie extract,
// token lookup, transparent refresh, principal resolution, CSRF.
type AuthFilter struct {
	sessions   *session.Store
	idp        *idp.Client
	authorizer *authz.Authorizer
	evaluator  *authz.Evaluator
	clock      domain.Clock
	logger     *slog.Logger
}

// NewAuthFilter wires the filter's collaborators.
func NewAuthFilter(sessions *session.Store, idpClient *idp.Client, authorizer *authz.Authorizer,
	evaluator *authz.Evaluator, clock domain.Clock, logger *slog.Logger) *AuthFilter {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &AuthFilter{
		sessions:   sessions,
		idp:        idpClient,
		authorizer: authorizer,
		evaluator:  evaluator,
		clock:      clock,
		logger:     logger,
	}
}

// Authenticate resolves the request's session into an AuthResult.
//
// Failure semantics: no or unknown cookie is unauthenticated; a store
// outage keeps the session and maps to 503; a rejected refresh destroys
// the session; an unreachable IdP keeps the session and maps to 503.
func (f *AuthFilter) Authenticate(r *http.Request) (*AuthResult, error) {
	ctx, span := tracer.Start(r.Context(), "auth.filter")
	defer span.End()

	cookie, err := r.Cookie(domain.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, fmt.Errorf("%w: request carries no session", domain.ErrMissingCookie)
	}
	id, err := domain.NewSessionID(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed session cookie", domain.ErrUnauthenticated)
	}

	access, err := f.sessions.Access(ctx, id)
	if err != nil {
		return nil, err
	}

	token, userID := access.Token, access.UserID
	if !f.clock.Now().Before(access.ExpiresAt) {
		updated, err := f.refresh(ctx, id)
		if err != nil {
			return nil, err
		}
		token, userID = updated.AccessToken, updated.UserID
	}

	return &AuthResult{
		SessionID:   id,
		AccessToken: token,
		Principal:   f.authorizer.Principal(ctx, userID),
	}, nil
}

// refresh rotates an expired access token. A rejected refresh tears the
// session down; an unreachable IdP leaves it alone so the client can retry.
func (f *AuthFilter) refresh(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer span.End()

	sess, err := f.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.RefreshExpired(f.clock.Now()) {
		f.teardown(ctx, id, sess.UserID)
		return nil, fmt.Errorf("%w: refresh token expired", domain.ErrSessionExpired)
	}

	tok, err := f.idp.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrIdPUnavailable) {
			return nil, err
		}
		f.teardown(ctx, id, sess.UserID)
		return nil, err
	}

	updated, err := f.sessions.UpdateTokens(ctx, id, tok)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("access token refreshed", slog.String("session_id", id.String()))
	return updated, nil
}

func (f *AuthFilter) teardown(ctx context.Context, id domain.SessionID, userID string) {
	if err := f.sessions.Delete(ctx, id, userID); err != nil {
		f.logger.Warn("session teardown failed",
			slog.String("session_id", id.String()), slog.String("error", err.Error()))
	}
}

// CheckCSRF enforces the double-submit rule on mutating methods: the
// request header must echo the CSRF cookie. Callers exempt the session
// establishing callback.
func (f *AuthFilter) CheckCSRF(r *http.Request) error {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return nil
	}

	cookie, err := r.Cookie(domain.CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return fmt.Errorf("%w: missing CSRF cookie", domain.ErrCSRFMismatch)
	}
	header := r.Header.Get(domain.CSRFHeaderName)
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return fmt.Errorf("%w: header does not match cookie", domain.ErrCSRFMismatch)
	}
	return nil
}

// RequireSession authenticates the request (including CSRF on mutating
// methods) and attaches the AuthResult to the context.
func (f *AuthFilter) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := f.CheckCSRF(r); err != nil {
			errmap.WriteError(w, r, err)
			return
		}
		res, err := f.Authenticate(r)
		if err != nil {
			errmap.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authResultKey, res)))
	})
}

// RequirePolicy enforces a policy loaded per request, so hot-reloaded
// policies take effect without re-wiring the router.
func (f *AuthFilter) RequirePolicy(load func() authz.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := ResultFromContext(r.Context())
			if !ok {
				errmap.WriteError(w, r, domain.ErrUnauthenticated)
				return
			}
			if !f.evaluator.Evaluate(res.Principal, load()) {
				errmap.WriteError(w, r, fmt.Errorf("%w: insufficient role", domain.ErrForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
