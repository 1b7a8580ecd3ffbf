// Package cache is the hot data plane: a Redis-backed, TTL-bounded replica
// of users, threads, message lists and file manifests, plus the exec
// artifact space and the write-behind queue. Reads fall back to the durable
// store on miss; a circuit breaker turns a sick Redis into misses instead
// of user-visible failures.
package cache

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures the cache client
type Options struct {
	Addr     string
	Password string
	DB       int

	UserTTL     time.Duration
	ThreadTTL   time.Duration
	MessagesTTL time.Duration
	FilesTTL    time.Duration
	ArtifactTTL time.Duration

	// BytesCap is the largest file body kept at file:{id}:bytes
	BytesCap int64

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.UserTTL == 0 {
		opts.UserTTL = time.Hour
	}
	if opts.ThreadTTL == 0 {
		opts.ThreadTTL = time.Hour
	}
	if opts.MessagesTTL == 0 {
		opts.MessagesTTL = time.Hour
	}
	if opts.FilesTTL == 0 {
		opts.FilesTTL = time.Hour
	}
	if opts.ArtifactTTL == 0 {
		opts.ArtifactTTL = 30 * time.Minute
	}
	if opts.BytesCap == 0 {
		opts.BytesCap = 10 << 20
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 3
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	return opts
}

// Client wraps the Redis connection with typed accessors and the breaker
type Client struct {
	rdb     *redis.Client
	opts    Options
	breaker *Breaker

	// Queue payloads accepted while the breaker is open; drained back into
	// Redis once it closes. Guarded by bufMu.
	bufMu  sync.Mutex
	buffer [][]byte
}

// New creates a cache client. The connection is verified lazily; a dead
// Redis at startup degrades to the durable store rather than failing boot.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Client{
		rdb:     rdb,
		opts:    opts,
		breaker: NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}
}

// NewWithClient wraps an existing Redis client (tests)
func NewWithClient(rdb *redis.Client, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		rdb:     rdb,
		opts:    opts,
		breaker: NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}
}

// Ping verifies the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return errors.Wrap(c.rdb.Ping(ctx).Err(), "failed to ping redis")
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// BreakerState reports the circuit breaker state for the status endpoint
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// BufferedWrites reports how many queue payloads sit in the in-process
// fallback buffer
func (c *Client) BufferedWrites() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return len(c.buffer)
}

// get loads and unmarshals one key. Misses, open breaker and transport
// errors all come back as ok=false; cache trouble is never user-visible.
func (c *Client) get(ctx context.Context, key string, dest any) bool {
	if !c.breaker.Allow() {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.breaker.Success()
		return false
	}
	if err != nil {
		c.breaker.Failure()
		logger.G(ctx).WithError(err).WithField("key", key).Debug("cache read failed")
		return false
	}
	c.breaker.Success()
	if err := json.Unmarshal(raw, dest); err != nil {
		logger.G(ctx).WithError(err).WithField("key", key).Warn("cache entry corrupt, treating as miss")
		return false
	}
	return true
}

// set marshals and stores one key best-effort
func (c *Client) set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.breaker.Allow() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("key", key).Warn("cache marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.breaker.Failure()
		logger.G(ctx).WithError(err).WithField("key", key).Debug("cache write failed")
		return
	}
	c.breaker.Success()
}

// del removes keys best-effort
func (c *Client) del(ctx context.Context, keys ...string) {
	if !c.breaker.Allow() {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.breaker.Failure()
		logger.G(ctx).WithError(err).Debug("cache delete failed")
		return
	}
	c.breaker.Success()
}
