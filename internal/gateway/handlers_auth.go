package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/errmap"
	"github.com/aelexs/edge-auth-gateway/internal/idp"
	"github.com/aelexs/edge-auth-gateway/internal/session"
)

// AuthConfig holds what the login flow needs beyond the IdP client itself:
// the cookie attributes. The authorize endpoint and client identity live on
// the relying party.
type AuthConfig struct {
	SessionTTL    time.Duration
	SecureCookies bool
}

// AuthHandler serves the session lifecycle endpoints under /auth.
type AuthHandler struct {
	cfg      AuthConfig
	sessions *session.Store
	idp      *idp.Client
	states   *idp.StateStore
	filter   *AuthFilter
	clock    domain.Clock
	logger   *slog.Logger
}

// NewAuthHandler wires the login/logout surface.
func NewAuthHandler(cfg AuthConfig, sessions *session.Store, idpClient *idp.Client,
	states *idp.StateStore, filter *AuthFilter, clock domain.Clock, logger *slog.Logger) *AuthHandler {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = domain.SessionTTL
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &AuthHandler{
		cfg:      cfg,
		sessions: sessions,
		idp:      idpClient,
		states:   states,
		filter:   filter,
		clock:    clock,
		logger:   logger,
	}
}

// Login starts the authorization-code flow: mint a state and PKCE verifier,
// remember them, and send the browser to the IdP.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := idp.GenerateState()
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}
	verifier, err := idp.GenerateVerifier()
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}

	h.states.Put(state, idp.StateData{
		Verifier:          verifier,
		PostLoginRedirect: sanitizeRedirect(r.URL.Query().Get("redirect")),
	})

	http.Redirect(w, r, h.idp.AuthCodeURL(state, verifier), http.StatusFound)
}

// Callback finishes the flow: validate and consume the state, exchange the
// code, mint a brand-new session id, and hand the browser its cookies.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if idpErr := q.Get("error"); idpErr != "" {
		h.logger.Warn("IdP denied the authorization request", slog.String("error", idpErr))
		errmap.WriteError(w, r, fmt.Errorf("%w: IdP denied the request", domain.ErrUnauthenticated))
		return
	}

	data, ok := h.states.Consume(q.Get("state"))
	if !ok {
		errmap.WriteError(w, r, fmt.Errorf("%w: unknown or replayed state", domain.ErrInvalidState))
		return
	}
	code := q.Get("code")
	if code == "" {
		errmap.WriteError(w, r, fmt.Errorf("%w: missing authorization code", domain.ErrInvalidInput))
		return
	}

	tok, err := h.idp.ExchangeCode(ctx, code, data.Verifier)
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}

	// A fresh id per exchange; any id the browser held before never becomes
	// an authenticated session.
	id, sess, err := h.sessions.Create(ctx, tok)
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}

	csrf, err := newCSRFToken()
	if err != nil {
		h.sessionTeardownOnSetupFailure(ctx, id, sess.UserID)
		errmap.WriteError(w, r, err)
		return
	}
	h.setCookie(w, domain.SessionCookieName, id.String(), true)
	h.setCookie(w, domain.CSRFCookieName, csrf, false)

	h.logger.Info("session established", slog.String("user_id", sess.UserID))
	http.Redirect(w, r, data.PostLoginRedirect, http.StatusFound)
}

// Logout revokes the refresh token (best effort), destroys the session and
// expires both cookies. Idempotent: a missing or unknown session still
// clears the cookies and answers 200.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.filter.CheckCSRF(r); err != nil {
		errmap.WriteError(w, r, err)
		return
	}

	if cookie, err := r.Cookie(domain.SessionCookieName); err == nil && cookie.Value != "" {
		if id, err := domain.NewSessionID(cookie.Value); err == nil {
			if err := h.destroy(ctx, id); err != nil {
				errmap.WriteError(w, r, err)
				return
			}
		}
	}

	h.clearCookie(w, domain.SessionCookieName, true)
	h.clearCookie(w, domain.CSRFCookieName, false)
	writeMessage(w, "logged out")
}

func (h *AuthHandler) destroy(ctx context.Context, id domain.SessionID) error {
	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	if err := h.idp.Revoke(ctx, sess.RefreshToken); err != nil {
		h.logger.Warn("refresh token revocation failed", slog.String("error", err.Error()))
	}
	return h.sessions.Delete(ctx, id, sess.UserID)
}

// Me returns the authenticated caller's profile and roles, refreshing the
// access token on the way if it has expired.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.filter.Authenticate(r)
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}
	sess, err := h.sessions.Get(ctx, res.SessionID)
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}

	writeData(w, map[string]any{
		"authenticated": true,
		"sub":           sess.UserID,
		"name":          sess.Username,
		"email":         sess.Email,
		"roles":         res.Principal.Roles,
	})
}

// Status is the cheap polling endpoint the SPA uses: it never 401s, it just
// says whether the cookie maps to a live session and for how long.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cookie, err := r.Cookie(domain.SessionCookieName)
	if err != nil || cookie.Value == "" {
		writeData(w, map[string]any{"authenticated": false})
		return
	}
	id, err := domain.NewSessionID(cookie.Value)
	if err != nil {
		writeData(w, map[string]any{"authenticated": false})
		return
	}

	access, err := h.sessions.Access(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeData(w, map[string]any{"authenticated": false})
			return
		}
		errmap.WriteError(w, r, err)
		return
	}

	expiresIn := int64(access.ExpiresAt.Sub(h.clock.Now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	_, csrfErr := r.Cookie(domain.CSRFCookieName)
	writeData(w, map[string]any{
		"authenticated": true,
		"sessionId":     id.String(),
		"expiresIn":     expiresIn,
		"csrf":          csrfErr == nil,
	})
}

func (h *AuthHandler) sessionTeardownOnSetupFailure(ctx context.Context, id domain.SessionID, userID string) {
	if err := h.sessions.Delete(ctx, id, userID); err != nil {
		h.logger.Warn("session teardown failed", slog.String("error", err.Error()))
	}
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: httpOnly,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// newCSRFToken mints the double-submit token: 128 random bits, base64url.
func newCSRFToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate CSRF token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// sanitizeRedirect keeps post-login redirects on-site: only a same-origin
// absolute path survives, anything else falls back to the root.
func sanitizeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") || strings.ContainsAny(target, "\\\r\n") {
		return "/"
	}
	return target
}
