package session_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/domain/domaintest"
	"github.com/aelexs/edge-auth-gateway/internal/idp"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
	"github.com/aelexs/edge-auth-gateway/internal/session"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func newStore(t *testing.T) (*session.Store, *miniredis.Miniredis, *domaintest.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := domaintest.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(rdb, clock, logger, session.Config{})
	return store, mr, clock
}

func tokenPair(t *testing.T, sub string) *idp.TokenResponse {
	t.Helper()
	access := signedToken(t, jwt.MapClaims{
		"sub":                sub,
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"exp":                time.Now().Add(5 * time.Minute).Unix(),
	})
	return &idp.TokenResponse{
		AccessToken:      access,
		RefreshToken:     "refresh-1",
		ExpiresIn:        300,
		RefreshExpiresIn: 1800,
	}
}

func TestStore_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("persists the record with profile claims and a TTL", func(t *testing.T) {
		store, mr, clock := newStore(t)

		id, sess, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)
		assert.False(t, id.IsZero())
		assert.Equal(t, "user-1", sess.UserID)
		assert.Equal(t, "alice", sess.Username)
		assert.Equal(t, "alice@example.com", sess.Email)
		assert.Equal(t, clock.Now().UTC().Add(5*time.Minute), sess.AccessExpiresAt)

		raw, err := mr.Get(redis.SessionKey(id.String()))
		require.NoError(t, err)
		var stored domain.Session
		require.NoError(t, json.Unmarshal([]byte(raw), &stored))
		assert.Equal(t, "refresh-1", stored.RefreshToken)
		assert.Equal(t, domain.SessionTTL, mr.TTL(redis.SessionKey(id.String())))
	})

	t.Run("marks the user online", func(t *testing.T) {
		store, mr, _ := newStore(t)

		_, sess, err := store.Create(ctx, tokenPair(t, "user-2"))
		require.NoError(t, err)
		assert.True(t, mr.Exists(redis.OnlineKey(sess.UserID)))
		assert.Equal(t, domain.OnlineTTL, mr.TTL(redis.OnlineKey(sess.UserID)))
	})

	t.Run("two logins mint two distinct session ids", func(t *testing.T) {
		store, _, _ := newStore(t)

		id1, _, err := store.Create(ctx, tokenPair(t, "user-3"))
		require.NoError(t, err)
		id2, _, err := store.Create(ctx, tokenPair(t, "user-3"))
		require.NoError(t, err)
		assert.NotEqual(t, id1.String(), id2.String())
	})

	t.Run("rejects an access token without a subject", func(t *testing.T) {
		store, _, _ := newStore(t)

		tok := tokenPair(t, "ignored")
		tok.AccessToken = signedToken(t, jwt.MapClaims{"email": "x@example.com"})
		_, _, err := store.Create(ctx, tok)
		require.ErrorIs(t, err, domain.ErrCreateFailed)
	})
}

func TestStore_AccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("serves from L1 after the first load", func(t *testing.T) {
		store, mr, _ := newStore(t)
		id, sess, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		// Removing the backing record proves the next read never leaves L1.
		mr.Del(redis.SessionKey(id.String()))

		acc, err := store.Access(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, sess.AccessToken, acc.Token)
		assert.Equal(t, sess.AccessExpiresAt, acc.ExpiresAt)
		assert.Equal(t, "user-1", acc.UserID)
	})

	t.Run("falls back to the shared store when L1 expires", func(t *testing.T) {
		store, _, clock := newStore(t)
		id, sess, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		clock.Advance(domain.SessionL1TTL + time.Second)

		acc, err := store.Access(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, sess.AccessToken, acc.Token)
	})

	t.Run("unknown session is reported as not found", func(t *testing.T) {
		store, _, _ := newStore(t)

		_, err := store.Access(ctx, domain.GenerateSessionID())
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("store outage maps to unavailability, not a miss", func(t *testing.T) {
		store, mr, clock := newStore(t)
		id, _, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		clock.Advance(domain.SessionL1TTL + time.Second)
		mr.SetError("LOADING")

		_, err = store.Access(ctx, id)
		require.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.NotErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestStore_UpdateTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates the pair and keeps the record TTL", func(t *testing.T) {
		store, mr, clock := newStore(t)
		id, _, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		mr.FastForward(time.Hour)
		clock.Advance(time.Hour)

		fresh := tokenPair(t, "user-1")
		fresh.RefreshToken = "refresh-2"
		updated, err := store.UpdateTokens(ctx, id, fresh)
		require.NoError(t, err)
		assert.Equal(t, "refresh-2", updated.RefreshToken)

		assert.Equal(t, domain.SessionTTL-time.Hour, mr.TTL(redis.SessionKey(id.String())))

		acc, err := store.Access(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fresh.AccessToken, acc.Token)
	})

	t.Run("keeps the old refresh token when the IdP does not rotate", func(t *testing.T) {
		store, _, _ := newStore(t)
		id, _, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		fresh := tokenPair(t, "user-1")
		fresh.RefreshToken = ""
		updated, err := store.UpdateTokens(ctx, id, fresh)
		require.NoError(t, err)
		assert.Equal(t, "refresh-1", updated.RefreshToken)
	})

	t.Run("refresh of a vanished session reports not found", func(t *testing.T) {
		store, _, _ := newStore(t)

		_, err := store.UpdateTokens(ctx, domain.GenerateSessionID(), tokenPair(t, "user-1"))
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestStore_RefreshWindowElapsed(t *testing.T) {
	ctx := context.Background()

	t.Run("get purges the dead record and reports it missing", func(t *testing.T) {
		store, mr, clock := newStore(t)
		id, sess, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		clock.Advance(31 * time.Minute)

		_, err = store.Get(ctx, id)
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
		assert.False(t, mr.Exists(redis.SessionKey(id.String())), "the dead record is removed")
		assert.False(t, mr.Exists(redis.OnlineKey(sess.UserID)), "the user stops counting as online")
	})

	t.Run("the hot path misses the same way", func(t *testing.T) {
		store, _, clock := newStore(t)
		id, _, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		clock.Advance(31 * time.Minute)

		_, err = store.Access(ctx, id)
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("a record without a refresh window is kept", func(t *testing.T) {
		store, _, clock := newStore(t)
		tok := tokenPair(t, "user-1")
		tok.RefreshExpiresIn = 0
		id, _, err := store.Create(ctx, tok)
		require.NoError(t, err)

		clock.Advance(31 * time.Minute)

		_, err = store.Get(ctx, id)
		require.NoError(t, err)
	})
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the record, L1 entry and online marker", func(t *testing.T) {
		store, mr, _ := newStore(t)
		id, sess, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, id, sess.UserID))

		assert.False(t, mr.Exists(redis.SessionKey(id.String())))
		assert.False(t, mr.Exists(redis.OnlineKey(sess.UserID)))

		_, err = store.Access(ctx, id)
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("deleting twice is fine", func(t *testing.T) {
		store, _, _ := newStore(t)
		id, sess, err := store.Create(ctx, tokenPair(t, "user-1"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, id, sess.UserID))
		require.NoError(t, store.Delete(ctx, id, sess.UserID))
	})
}

func TestStore_LastAccessedBump(t *testing.T) {
	ctx := context.Background()
	store, mr, clock := newStore(t)

	id, created, err := store.Create(ctx, tokenPair(t, "user-1"))
	require.NoError(t, err)

	// Within the throttle window nothing is rewritten.
	_, err = store.Access(ctx, id)
	require.NoError(t, err)

	clock.Advance(domain.LastAccessBumpInterval + time.Second)
	_, err = store.Access(ctx, id)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		raw, err := mr.Get(redis.SessionKey(id.String()))
		if err != nil {
			return false
		}
		var stored domain.Session
		if json.Unmarshal([]byte(raw), &stored) != nil {
			return false
		}
		return stored.LastAccessedAt.After(created.LastAccessedAt)
	}, 2*time.Second, 10*time.Millisecond, "last-accessed should be bumped once the interval elapses")
}
