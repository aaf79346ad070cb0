package gateway_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/edge-auth-gateway/internal/authz"
	"github.com/aelexs/edge-auth-gateway/internal/config"
	"github.com/aelexs/edge-auth-gateway/internal/dispatch"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/domain/domaintest"
	"github.com/aelexs/edge-auth-gateway/internal/gateway"
	"github.com/aelexs/edge-auth-gateway/internal/idp"
	"github.com/aelexs/edge-auth-gateway/internal/metrics"
	"github.com/aelexs/edge-auth-gateway/internal/pool"
	"github.com/aelexs/edge-auth-gateway/internal/session"
)

// fakeIdP is a scriptable OIDC token endpoint. The refresh mode switches
// between a clean rotation, an invalid_grant rejection, and a dead socket.
type fakeIdP struct {
	srv *httptest.Server

	mu          sync.Mutex
	refreshMode string // "ok", "reject", "down"
	exchanges   int
	refreshes   int
	revokes     int
	generation  int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{refreshMode: "ok"}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.token)
	mux.HandleFunc("/revoke", f.revoke)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdP) setRefreshMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshMode = mode
}

func (f *fakeIdP) counts() (exchanges, refreshes, revokes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges, f.refreshes, f.revokes
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	f.mu.Lock()
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		f.exchanges++
	case "refresh_token":
		f.refreshes++
		switch f.refreshMode {
		case "reject":
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		case "down":
			f.mu.Unlock()
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
	}
	f.generation++
	gen := f.generation
	f.mu.Unlock()

	access := mintAccessToken(gen)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":       access,
		"refresh_token":      "refresh-" + access[len(access)-8:],
		"expires_in":         300,
		"refresh_expires_in": 1800,
		"token_type":         "Bearer",
	})
}

func (f *fakeIdP) revoke(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.revokes++
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func mintAccessToken(generation int) string {
	claims := jwt.MapClaims{
		"sub":                "user-1",
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"exp":                time.Now().Add(5 * time.Minute).Unix(),
		"gen":                generation,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return tok
}

// echoReply is what the downstream echo server reflects back.
type echoReply struct {
	Method        string `json:"method"`
	Path          string `json:"path"`
	Authorization string `json:"authorization"`
	AuthHeaders   int    `json:"authHeaders"`
	Cookie        string `json:"cookie"`
	TraceID       string `json:"traceId"`
	Body          string `json:"body"`
}

type harness struct {
	router     http.Handler
	mr         *miniredis.Miniredis
	clock      *domaintest.FakeClock
	idp        *fakeIdP
	sessions   *session.Store
	collector  *metrics.Collector
	filter     *gateway.AuthFilter
	downstream *httptest.Server
}

type harnessOptions struct {
	grants        map[string][]string
	allowedRoles  []string
	authRateLimit int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.allowedRoles == nil {
		opts.allowedRoles = []string{"ADMIN"}
	}
	if opts.authRateLimit == 0 {
		opts.authRateLimit = 1000
	}

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := domaintest.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	idpFake := newFakeIdP(t)
	idpClient, err := idp.NewClient(idp.Config{
		AuthorizeURI: idpFake.srv.URL + "/authorize",
		TokenURI:     idpFake.srv.URL + "/token",
		RevokeURI:    idpFake.srv.URL + "/revoke",
		ClientID:     "gateway",
		ClientSecret: "secret",
		RedirectURI:  "https://app.example.com/auth/callback",
		Scopes:       []string{"openid", "profile", "email"},
	})
	require.NoError(t, err)

	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var out []string
		if userID, ok := strings.CutPrefix(r.URL.Path, "/internal/roles/keycloak/"); ok {
			out = opts.grants["roles:"+userID]
		} else if userID, ok := strings.CutPrefix(r.URL.Path, "/internal/permissions/user/"); ok {
			out = opts.grants["perms:"+userID]
		}
		if out == nil {
			out = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(identitySrv.Close)

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Downstream", "echo")
		_ = json.NewEncoder(w).Encode(echoReply{
			Method:        r.Method,
			Path:          r.URL.RequestURI(),
			Authorization: r.Header.Get("Authorization"),
			AuthHeaders:   len(r.Header.Values("Authorization")),
			Cookie:        r.Header.Get("Cookie"),
			TraceID:       r.Header.Get(domain.TraceHeaderName),
			Body:          string(body),
		})
	}))
	t.Cleanup(downstream.Close)

	resolver := dispatch.NewStaticResolver(map[string][]string{
		"user-service":     {downstream.URL},
		"identity-service": {identitySrv.URL},
	})

	sessions := session.NewStore(rdb, clock, logger, session.Config{})
	authorizer := authz.NewAuthorizer(rdb, authz.NewIdentityClient(resolver, "identity-service"),
		clock, logger, authz.SetCacheConfig{})
	evaluator := authz.NewEvaluator(logger)
	filter := gateway.NewAuthFilter(sessions, idpClient, authorizer, evaluator, clock, logger)

	states := idp.NewStateStore(domain.StateTTL, clock)
	authHandler := gateway.NewAuthHandler(gateway.AuthConfig{
		SecureCookies: true,
	}, sessions, idpClient, states, filter, clock, logger)

	table := gateway.NewRouteTable([]config.RouteConfig{
		{Name: "user-api", Prefix: "/api/users", Service: "user-service"},
		{Name: "admin-api", Prefix: "/api/admin", Service: "user-service", Roles: []string{"ADMIN"}},
		{Name: "public-api", Prefix: "/api/public", Service: "user-service", Public: true},
	})
	dispatcher := dispatch.NewDispatcher(resolver, logger, dispatch.Config{})
	proxy := gateway.NewProxy(table, filter, dispatcher, logger)

	collector := metrics.NewCollector(rdb, pool.New(4), clock, logger, nil, metrics.CollectorConfig{})
	aggregator := metrics.NewAggregator(rdb, pool.New(4), clock, logger)
	holder := authz.NewRolePolicyHolder(opts.allowedRoles)

	router := gateway.NewRouter(gateway.RouterConfig{
		AuthRateLimit: opts.authRateLimit,
	}, gateway.RouterDeps{
		Filter:          filter,
		Auth:            authHandler,
		Dashboard:       gateway.NewDashboardHandler(aggregator),
		Proxy:           proxy,
		Collector:       collector,
		DashboardPolicy: holder.Load,
	})

	return &harness{
		router:     router,
		mr:         mr,
		clock:      clock,
		idp:        idpFake,
		sessions:   sessions,
		collector:  collector,
		filter:     filter,
		downstream: downstream,
	}
}

// login walks the full code flow against the fake IdP and returns the two
// cookies the browser would hold afterwards.
func (h *harness) login(t *testing.T) (sessionCookie, csrfCookie *http.Cookie) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code=good&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case domain.SessionCookieName:
			sessionCookie = c
		case domain.CSRFCookieName:
			csrfCookie = c
		}
	}
	require.NotNil(t, sessionCookie, "callback must set the session cookie")
	require.NotNil(t, csrfCookie, "callback must set the CSRF cookie")
	return sessionCookie, csrfCookie
}

// do runs one request through the router with the given cookies.
func (h *harness) do(method, target string, body io.Reader, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	rec := newRecorder()
	h.router.ServeHTTP(rec, newRequest(method, target, body, cookies...))
	return rec
}

func newRequest(method, target string, body io.Reader, cookies ...*http.Cookie) *http.Request {
	req := httptest.NewRequest(method, target, body)
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	return req
}

func newRecorder() *httptest.ResponseRecorder { return httptest.NewRecorder() }

func decodeEcho(t *testing.T, rec *httptest.ResponseRecorder) echoReply {
	t.Helper()
	var reply echoReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply), rec.Body.String())
	return reply
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		ErrorCode string `json:"errorCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.ErrorCode
}
