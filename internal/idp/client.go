// Package idp wraps the external identity provider's OAuth2/OIDC surface
// behind the zitadel/oidc relying-party client: authorization redirect,
// authorization-code exchange, refresh-token grant, and best-effort
// revocation. The IdP sits at a fixed URL, so the relying party is built
// from static endpoints instead of issuer discovery.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	oidcclient "github.com/zitadel/oidc/v3/pkg/client"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
)

var tracer = observability.Tracer("idp")

// Config holds the IdP endpoints and client credentials.
type Config struct {
	AuthorizeURI string
	TokenURI     string
	RevokeURI    string // optional; empty disables revocation calls
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// TokenResponse is the token endpoint's reply for both grants.
// RefreshToken may be empty on refresh when the IdP does not rotate it,
// and RefreshExpiresIn is zero when the IdP omits it (the session keeps
// its previous refresh window).
type TokenResponse struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64
	RefreshExpiresIn int64
	TokenType        string
}

// Client drives the OAuth2 flows against the IdP.
type Client struct {
	cfg Config
	rp  rp.RelyingParty
	hc  *http.Client
}

// NewClient builds the relying party over an HTTP client with fixed
// connect/read timeouts. Credentials go in the form body (AuthStyleInParams),
// so every grant is a single deterministic POST with no auth-style probing.
// No retries anywhere: an exchange failure surfaces to the login flow, and
// a refresh failure must tear the session down rather than be retried.
func NewClient(cfg Config) (*Client, error) {
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: domain.IdPConnectTimeout,
			}).DialContext,
			MaxIdleConnsPerHost: 16,
		},
		Timeout: domain.IdPReadTimeout,
	}

	relying, err := rp.NewRelyingPartyOAuth(&oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURI,
			TokenURL:  cfg.TokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, rp.WithHTTPClient(hc), rp.WithAuthStyle(oauth2.AuthStyleInParams))
	if err != nil {
		return nil, fmt.Errorf("build relying party: %w", err)
	}

	return &Client{cfg: cfg, rp: relying, hc: hc}, nil
}

// AuthCodeURL builds the IdP authorization redirect for the login flow,
// carrying the state and the S256 challenge derived from the PKCE verifier.
func (c *Client) AuthCodeURL(state, verifier string) string {
	return rp.AuthURL(state, c.rp,
		rp.WithCodeChallenge(oidc.NewSHACodeChallenge(verifier)))
}

// ExchangeCode redeems an authorization code (plus its PKCE verifier) for
// tokens. Fails with domain.ErrIdPExchangeFailed on a rejected exchange and
// domain.ErrIdPUnavailable when the IdP cannot be reached.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	ctx, span := tracer.Start(ctx, "idp.exchange_code")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.grant_type", "authorization_code"))

	tokens, err := rp.CodeExchange[*oidc.IDTokenClaims](ctx, code, c.rp,
		rp.WithCodeVerifier(verifier))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if unreachable(err) {
			return nil, fmt.Errorf("%w: %w", domain.ErrIdPUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrIdPExchangeFailed, err)
	}
	return tokenResponse(tokens.Token), nil
}

// Refresh redeems a refresh token for a fresh token pair. Fails with
// domain.ErrIdPRefreshFailed on a rejected grant; the caller destroys the
// session. IdP unreachability is reported separately so the caller can
// answer 401 vs 503 correctly.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	ctx, span := tracer.Start(ctx, "idp.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.grant_type", "refresh_token"))

	tokens, err := rp.RefreshTokens[*oidc.IDTokenClaims](ctx, c.rp, refreshToken, "", "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if unreachable(err) {
			return nil, fmt.Errorf("%w: %w", domain.ErrIdPUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrIdPRefreshFailed, err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", domain.ErrIdPRefreshFailed)
	}
	return tokenResponse(tokens.Token), nil
}

// Revoke invalidates a refresh token at the IdP. Best-effort on logout:
// the caller logs and swallows any error.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	if c.cfg.RevokeURI == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "idp.revoke")
	defer span.End()

	request := oidcclient.RevokeRequest{
		Token:         refreshToken,
		TokenTypeHint: "refresh_token",
		ClientID:      c.cfg.ClientID,
		ClientSecret:  c.cfg.ClientSecret,
	}
	if err := oidcclient.CallRevokeEndpoint(ctx, &request, nil,
		revokeCaller{endpoint: c.cfg.RevokeURI, hc: c.hc}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// revokeCaller points the zitadel revocation call at the statically
// configured endpoint; the OAuth-only relying party carries none.
type revokeCaller struct {
	endpoint string
	hc       *http.Client
}

func (r revokeCaller) GetRevokeEndpoint() string { return r.endpoint }
func (r revokeCaller) HttpClient() *http.Client  { return r.hc }

// tokenResponse flattens an oauth2 token into the shape the session store
// consumes. Expiry comes back as an absolute instant; Round keeps the
// derived lifetime at the value the IdP granted.
func tokenResponse(t *oauth2.Token) *TokenResponse {
	tr := &TokenResponse{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresIn:    int64(time.Until(t.Expiry).Round(time.Second).Seconds()),
	}
	if v, ok := t.Extra("refresh_expires_in").(float64); ok {
		tr.RefreshExpiresIn = int64(v)
	}
	return tr
}

// unreachable reports whether the grant never got an IdP verdict: the
// request died in transport, not at the token endpoint.
func unreachable(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
