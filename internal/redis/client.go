package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable is a type alias for redis.Cmdable. Components accept this interface
// instead of importing go-redis directly, keeping the library confined to
// internal/redis/.
type Cmdable = redis.Cmdable

// Nil is the sentinel the store returns for a missing key.
const Nil = redis.Nil

// KeepTTL preserves a key's remaining TTL on overwrite.
const KeepTTL = redis.KeepTTL

// Config holds the parameters needed to connect to the shared store.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Client wraps a go-redis client. The RDB field satisfies the Cmdable
// interface and is the handle components use for store operations.
// Pub/sub subscriptions need the concrete client and go through Subscribe.
type Client struct {
	RDB *redis.Client
}

// NewClient creates a new shared-store client configured from cfg.
func NewClient(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	return &Client{RDB: rdb}
}

// PubSub aliases the go-redis subscription handle.
type PubSub = redis.PubSub

// Message aliases a pub/sub message.
type Message = redis.Message

// Subscribe opens a subscription on the given channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *PubSub {
	return c.RDB.Subscribe(ctx, channels...)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.RDB.Close()
}
