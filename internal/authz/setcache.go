// Package authz resolves and caches per-user role and permission sets and
// evaluates route policies against them. Sets originate in the identity
// service and are cached in two tiers: a bounded per-instance L1 and a
// shared-store L2, with pub/sub driven invalidation.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aelexs/edge-auth-gateway/internal/cache"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

// SourceFunc fetches the authoritative set for a user from the identity
// service. Returning an empty slice is a valid answer (user has none).
type SourceFunc func(ctx context.Context, userID string) ([]string, error)

// SetCacheConfig tunes one two-tier set cache.
type SetCacheConfig struct {
	L1TTL        time.Duration
	L1MaxEntries int
	L2TTL        time.Duration
}

func (c *SetCacheConfig) applyDefaults() {
	if c.L1TTL <= 0 {
		c.L1TTL = domain.AuthzL1TTL
	}
	if c.L1MaxEntries <= 0 {
		c.L1MaxEntries = domain.AuthzL1MaxEntries
	}
	if c.L2TTL <= 0 {
		c.L2TTL = domain.AuthzL2TTL
	}
}

// SetCache is a two-tier cache of string sets keyed by user id.
// Lookup order: L1, L2 (shared-store set), source. An empty set from the
// source is cached at L1 only, so a transient identity-service outage or a
// user without grants never poisons the shared tier for a full L2 TTL.
type SetCache struct {
	name   string
	l1     *cache.TTL[[]string]
	rdb    redis.Cmdable
	keyFn  func(userID string) string
	source SourceFunc
	cfg    SetCacheConfig
	logger *slog.Logger
}

// NewSetCache builds a set cache. keyFn mints the L2 key for a user id.
func NewSetCache(name string, rdb redis.Cmdable, keyFn func(string) string, source SourceFunc,
	clock domain.Clock, logger *slog.Logger, cfg SetCacheConfig) *SetCache {
	cfg.applyDefaults()
	return &SetCache{
		name:   name,
		l1:     cache.NewTTL[[]string](cfg.L1TTL, cfg.L1MaxEntries, clock),
		rdb:    rdb,
		keyFn:  keyFn,
		source: source,
		cfg:    cfg,
		logger: logger,
	}
}

// Get returns the set for userID, fetching through the tiers as needed.
// A source failure after both cache tiers missed returns the error; the
// caller decides whether that denies or degrades.
func (c *SetCache) Get(ctx context.Context, userID string) ([]string, error) {
	if v, ok := c.l1.Get(userID); ok {
		return v, nil
	}

	if v, ok := c.fromL2(ctx, userID); ok {
		c.l1.Set(userID, v)
		return v, nil
	}

	v, err := c.source(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s source: %w", c.name, err)
	}
	if v == nil {
		v = []string{}
	}

	c.l1.Set(userID, v)
	if len(v) > 0 {
		c.storeL2(ctx, userID, v)
	}
	return v, nil
}

// Invalidate drops the user's entry from both tiers. Callers treat it as
// best-effort; a lost L2 delete is healed by the L2 TTL.
func (c *SetCache) Invalidate(ctx context.Context, userID string) {
	c.l1.Delete(userID)

	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()
	if err := c.rdb.Del(ctx, c.keyFn(userID)).Err(); err != nil {
		c.logger.Warn("authz invalidation delete failed",
			slog.String("cache", c.name), slog.String("error", err.Error()))
	}
}

// L1Len reports current L1 occupancy, exposed for the ops gauges.
func (c *SetCache) L1Len() int { return c.l1.Len() }

func (c *SetCache) fromL2(ctx context.Context, userID string) ([]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()

	v, err := c.rdb.SMembers(ctx, c.keyFn(userID)).Result()
	if err != nil {
		c.logger.Warn("authz L2 read failed",
			slog.String("cache", c.name), slog.String("error", err.Error()))
		return nil, false
	}
	if len(v) == 0 {
		// SMembers cannot distinguish an absent key from an empty set;
		// either way the source is consulted.
		return nil, false
	}
	return v, true
}

func (c *SetCache) storeL2(ctx context.Context, userID string, v []string) {
	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()

	key := c.keyFn(userID)
	members := make([]interface{}, len(v))
	for i, m := range v {
		members[i] = m
	}
	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, c.cfg.L2TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("authz L2 write failed",
			slog.String("cache", c.name), slog.String("error", err.Error()))
	}
}
