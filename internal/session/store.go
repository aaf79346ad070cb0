// Package session owns the server-side session records: creation after a
// successful code exchange, two-tier lookup on the request hot path, token
// rotation after refresh, and teardown on logout. Tokens never leave the
// server side; the browser only ever holds the opaque session id.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/edge-auth-gateway/internal/cache"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/idp"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

var tracer = observability.Tracer("session")

// Config tunes the store. Zero values fall back to the compiled defaults.
type Config struct {
	TTL          time.Duration // shared-store record TTL
	L1TTL        time.Duration
	L1MaxEntries int
	BumpInterval time.Duration // min interval between last-accessed writes
	OnlineTTL    time.Duration // presence marker TTL
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = domain.SessionTTL
	}
	if c.L1TTL <= 0 {
		c.L1TTL = domain.SessionL1TTL
	}
	if c.L1MaxEntries <= 0 {
		c.L1MaxEntries = domain.SessionL1MaxEntries
	}
	if c.BumpInterval <= 0 {
		c.BumpInterval = domain.LastAccessBumpInterval
	}
	if c.OnlineTTL <= 0 {
		c.OnlineTTL = domain.OnlineTTL
	}
}

// accessEntry is the only thing L1 holds per session: enough to let the
// auth filter skip the shared store entirely. The full record (refresh
// token included) stays in the shared store so any instance can refresh.
type accessEntry struct {
	AccessToken string
	ExpiresAt   time.Time
	UserID      string
}

// Store manages session records across the L1 cache and the shared store.
type Store struct {
	rdb    redis.Cmdable
	l1     *cache.TTL[accessEntry]
	bumped *cache.TTL[struct{}]
	clock  domain.Clock
	logger *slog.Logger
	cfg    Config
}

// NewStore creates a session store backed by rdb.
func NewStore(rdb redis.Cmdable, clock domain.Clock, logger *slog.Logger, cfg Config) *Store {
	cfg.applyDefaults()
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Store{
		rdb: rdb,
		l1:  cache.NewTTL[accessEntry](cfg.L1TTL, cfg.L1MaxEntries, clock),
		// Presence of a key here means the session's last-accessed bump is
		// still fresh; the entry TTL is the throttle interval itself.
		bumped: cache.NewTTL[struct{}](cfg.BumpInterval, cfg.L1MaxEntries, clock),
		clock:  clock,
		logger: logger,
		cfg:    cfg,
	}
}

// Create mints a brand-new session for a freshly exchanged token pair.
// The session id is always newly generated, never taken from the request,
// so a pre-login cookie can never be promoted into an authenticated one.
func (s *Store) Create(ctx context.Context, tok *idp.TokenResponse) (domain.SessionID, *domain.Session, error) {
	ctx, span := tracer.Start(ctx, "session.create")
	defer span.End()

	now := s.clock.Now().UTC()

	identity, err := identityFromToken(tok.AccessToken)
	if err != nil {
		return domain.SessionID{}, nil, fmt.Errorf("%w: %w", domain.ErrCreateFailed, err)
	}

	sess := &domain.Session{
		UserID:          identity.subject,
		Username:        identity.username,
		Email:           identity.email,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		AccessExpiresAt: accessExpiry(tok, identity.expiresAt, now),
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
	if tok.RefreshExpiresIn > 0 {
		sess.RefreshExpiresAt = now.Add(time.Duration(tok.RefreshExpiresIn) * time.Second)
	}

	id := domain.GenerateSessionID()
	if err := s.write(ctx, id, sess, s.cfg.TTL); err != nil {
		return domain.SessionID{}, nil, err
	}
	if err := s.rdb.Set(ctx, redis.OnlineKey(sess.UserID), "1", s.cfg.OnlineTTL).Err(); err != nil {
		s.logger.Warn("online marker write failed", slog.String("error", err.Error()))
	}

	s.primeL1(id, sess)
	s.bumped.Set(id.String(), struct{}{})

	span.SetAttributes(attribute.String("session.user_id", sess.UserID))
	return id, sess, nil
}

// Get loads the full session record from the shared store. Used where the
// refresh token or profile is needed; the request hot path goes through
// Access instead.
func (s *Store) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "session.get")
	defer span.End()

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, id, sess.UserID)
	return sess, nil
}

// Access is the hot-path view of a session: just enough for the auth
// filter to forward, refresh, or reject.
type Access struct {
	Token     string
	ExpiresAt time.Time
	UserID    string
}

// Access resolves the session's access token. L1 first; on a miss the
// shared-store record is loaded and the token cached. This is the
// per-request path and must not touch the shared store on an L1 hit beyond
// the throttled presence refresh.
func (s *Store) Access(ctx context.Context, id domain.SessionID) (Access, error) {
	if e, ok := s.l1.Get(id.String()); ok {
		if s.clock.Now().Before(e.ExpiresAt) {
			s.touch(ctx, id, e.UserID)
			return Access{Token: e.AccessToken, ExpiresAt: e.ExpiresAt, UserID: e.UserID}, nil
		}
		// Expired token cached; drop it so the refresh path repopulates.
		s.l1.Delete(id.String())
	}

	sess, err := s.load(ctx, id)
	if err != nil {
		return Access{}, err
	}
	s.primeL1(id, sess)
	s.touch(ctx, id, sess.UserID)
	return Access{Token: sess.AccessToken, ExpiresAt: sess.AccessExpiresAt, UserID: sess.UserID}, nil
}

// UpdateTokens swaps the token pair after a successful refresh. The L1
// entry is evicted before the shared-store write so no window exists where
// this instance serves the stale token after another already rotated it.
// The record keeps its original TTL.
func (s *Store) UpdateTokens(ctx context.Context, id domain.SessionID, tok *idp.TokenResponse) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "session.update_tokens")
	defer span.End()

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	sess.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		sess.RefreshToken = tok.RefreshToken
	}
	sess.AccessExpiresAt = accessExpiry(tok, time.Time{}, now)
	if tok.RefreshExpiresIn > 0 {
		sess.RefreshExpiresAt = now.Add(time.Duration(tok.RefreshExpiresIn) * time.Second)
	}
	sess.LastAccessedAt = now

	s.l1.Delete(id.String())
	if err := s.write(ctx, id, sess, redis.KeepTTL); err != nil {
		return nil, err
	}
	s.primeL1(id, sess)
	return sess, nil
}

// Delete tears the session down: L1 entry, shared-store record, and the
// user's presence marker. Missing records are not an error; logout is
// idempotent.
func (s *Store) Delete(ctx context.Context, id domain.SessionID, userID string) error {
	ctx, span := tracer.Start(ctx, "session.delete")
	defer span.End()

	s.l1.Delete(id.String())
	s.bumped.Delete(id.String())

	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()

	keys := []string{redis.SessionKey(id.String())}
	if userID != "" {
		keys = append(keys, redis.OnlineKey(userID))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: delete session: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// L1Len reports the current L1 occupancy, exposed for the ops gauges.
func (s *Store) L1Len() int { return s.l1.Len() }

// load reads the record, retrying a transient store error once with a
// short jittered delay. A missing key is final and never retried.
func (s *Store) load(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	raw, err := s.read(ctx, id)
	if err != nil && errors.Is(err, domain.ErrStoreUnavailable) {
		time.Sleep(time.Duration(20+rand.IntN(30)) * time.Millisecond)
		raw, err = s.read(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode session record: %w", domain.ErrStoreUnavailable, err)
	}

	// A record whose refresh window has elapsed can never produce a valid
	// token again. Purge it on read so the user stops counting as online
	// and the caller sees a plain missing session.
	if sess.RefreshExpired(s.clock.Now()) {
		if err := s.Delete(ctx, id, sess.UserID); err != nil {
			s.logger.Warn("expired session purge failed", slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("%w: refresh window elapsed", domain.ErrSessionNotFound)
	}
	return &sess, nil
}

func (s *Store) read(ctx context.Context, id domain.SessionID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, redis.SessionKey(id.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %w", domain.ErrStoreUnavailable, err)
	}
	return raw, nil
}

// write serializes sess under the session key. ttl may be redis.KeepTTL.
func (s *Store) write(ctx context.Context, id domain.SessionID, sess *domain.Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: encode session record: %w", domain.ErrCreateFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, redis.SessionKey(id.String()), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: write session: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) primeL1(id domain.SessionID, sess *domain.Session) {
	ttl := s.cfg.L1TTL
	if until := sess.AccessExpiresAt.Sub(s.clock.Now()); until > 0 && until < ttl {
		ttl = until
	}
	if ttl <= 0 {
		return
	}
	s.l1.SetWithTTL(id.String(), accessEntry{
		AccessToken: sess.AccessToken,
		ExpiresAt:   sess.AccessExpiresAt,
		UserID:      sess.UserID,
	}, ttl)
}

// touch refreshes the presence marker and the record's last-accessed time,
// at most once per bump interval per session. The write happens off the
// request path; a failed bump only delays presence accounting.
func (s *Store) touch(ctx context.Context, id domain.SessionID, userID string) {
	if _, fresh := s.bumped.Get(id.String()); fresh {
		return
	}
	s.bumped.Set(id.String(), struct{}{})

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), domain.RedisTimeout)
	go func() {
		defer cancel()
		if userID != "" {
			if err := s.rdb.Set(bctx, redis.OnlineKey(userID), "1", s.cfg.OnlineTTL).Err(); err != nil {
				s.logger.Debug("online marker refresh failed", slog.String("error", err.Error()))
				return
			}
		}
		s.bumpLastAccessed(bctx, id)
	}()
}

// bumpLastAccessed rewrites the record with a fresh LastAccessedAt,
// preserving the remaining TTL. Concurrent bumps from other instances can
// interleave; last writer wins and the field is advisory.
func (s *Store) bumpLastAccessed(ctx context.Context, id domain.SessionID) {
	raw, err := s.rdb.Get(ctx, redis.SessionKey(id.String())).Bytes()
	if err != nil {
		return
	}
	var sess domain.Session
	if json.Unmarshal(raw, &sess) != nil {
		return
	}
	sess.LastAccessedAt = s.clock.Now().UTC()
	out, err := json.Marshal(&sess)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redis.SessionKey(id.String()), out, redis.KeepTTL).Err(); err != nil {
		s.logger.Debug("last-accessed bump failed", slog.String("error", err.Error()))
	}
}

type tokenIdentity struct {
	subject   string
	username  string
	email     string
	expiresAt time.Time
}

// identityFromToken pulls the profile claims out of the access token. The
// token arrived over the confidential client's TLS channel straight from
// the IdP, so its signature is not re-verified here.
func identityFromToken(accessToken string) (tokenIdentity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return tokenIdentity{}, fmt.Errorf("parse access token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return tokenIdentity{}, errors.New("access token missing sub claim")
	}

	ident := tokenIdentity{subject: sub}
	if v, ok := claims["preferred_username"].(string); ok {
		ident.username = v
	}
	if ident.username == "" {
		if v, ok := claims["username"].(string); ok {
			ident.username = v
		}
	}
	if v, ok := claims["email"].(string); ok {
		ident.email = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ident.expiresAt = exp.Time
	}
	return ident, nil
}

// accessExpiry picks the access token deadline: expires_in from the token
// endpoint wins, the exp claim is the fallback, and a last-resort minute
// keeps a malformed reply from producing an immortal token.
func accessExpiry(tok *idp.TokenResponse, claimExp time.Time, now time.Time) time.Time {
	if tok.ExpiresIn > 0 {
		return now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if !claimExp.IsZero() {
		return claimExp
	}
	return now.Add(time.Minute)
}
