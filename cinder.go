// Package cinder is a two-tier TTL cache: a mutex-protected in-process map
// in front of a shared redis tier, with a generic memoization wrapper for
// turning expensive calls into cached calls. The remote tier is purely an
// optimization; when it is unreachable every operation degrades to the
// local tier or a miss, never to a caller-visible failure.
package cinder

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/cinder/config"
	"goflare.io/cinder/models"
	"goflare.io/cinder/pkg/serialization"
)

// Store is the contract shared by all cache tiers. The memoization wrapper
// accepts any of them: a LocalCache, a RemoteCache, or a MultiCache.
type Store interface {
	Get(ctx context.Context, key string, value any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl ...time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Stats() models.Stats
}

var (
	_ Store = (*LocalCache)(nil)
	_ Store = (*RemoteCache)(nil)
	_ Store = (*MultiCache)(nil)
)

// Option configures the cache at construction time.
type Option func(*config.Config) error

// WithLogger sets the logger used across both tiers.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config.Config) error {
		cfg.Logger = logger
		return nil
	}
}

// WithLocalTTL sets the default expiry of local entries, also used for
// backfills from the remote tier.
func WithLocalTTL(ttl time.Duration) Option {
	return func(cfg *config.Config) error {
		if ttl <= 0 {
			return ErrInvalidTTL
		}
		cfg.LocalTTL = ttl
		return nil
	}
}

// WithRemoteTTL sets the default server-side expiry of remote entries.
func WithRemoteTTL(ttl time.Duration) Option {
	return func(cfg *config.Config) error {
		if ttl <= 0 {
			return ErrInvalidTTL
		}
		cfg.RemoteTTL = ttl
		return nil
	}
}

// WithMaxLocalEntries puts a soft cap on the local tier; once full, the
// oldest-created entry is evicted to make room.
func WithMaxLocalEntries(n int) Option {
	return func(cfg *config.Config) error {
		cfg.MaxLocalEntries = n
		return nil
	}
}

// WithCleanupInterval sets the period of the local expired-entry sweep.
func WithCleanupInterval(interval time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.CleanupInterval = interval
		return nil
	}
}

// WithRemoteTimeout bounds every remote round-trip.
func WithRemoteTimeout(timeout time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.RemoteTimeout = timeout
		return nil
	}
}

// WithSerialization selects the codec for cached values, "json" or "gob".
func WithSerialization(serializer string) Option {
	return func(cfg *config.Config) error {
		switch serializer {
		case serialization.JSONType:
			cfg.Serialization.Type = serialization.JSONType
			cfg.Serialization.Encoder = serialization.JSONEncoder
			cfg.Serialization.Decoder = serialization.JSONDecoder
		case serialization.GobType:
			cfg.Serialization.Type = serialization.GobType
			cfg.Serialization.Encoder = serialization.GobEncoder
			cfg.Serialization.Decoder = serialization.GobDecoder
		default:
			return fmt.Errorf("unsupported serialization type: %s", serializer)
		}
		return nil
	}
}

// WithNegativeFilter enables the bloom filter that short-circuits remote
// probes for keys never written.
func WithNegativeFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(cfg *config.Config) error {
		cfg.NegativeFilter.Enable = true
		cfg.NegativeFilter.ExpectedItems = expectedItems
		cfg.NegativeFilter.FalsePositiveRate = falsePositiveRate
		return nil
	}
}

// WithoutLocalCache disables the in-process tier, leaving remote only.
func WithoutLocalCache() Option {
	return func(cfg *config.Config) error {
		cfg.EnableLocalCache = false
		return nil
	}
}

// Cinder is the top-level cache handle.
type Cinder struct {
	multi  *MultiCache
	logger *zap.Logger
}

// New connects to redis and builds the multi-level cache. There is no
// package-level instance; callers own the handle and pass it to whatever
// needs caching.
func New(ctx context.Context, redisOptions *redis.Options, opts ...Option) (*Cinder, error) {
	return build(ctx, config.NewConfig(), redisOptions, opts)
}

// NewFromEnv builds the cache from the CINDER_* environment variables, with
// opts applied on top.
func NewFromEnv(ctx context.Context, opts ...Option) (*Cinder, error) {
	cfg, redisOptions, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, redisOptions, opts)
}

func build(ctx context.Context, cfg *config.Config, redisOptions *redis.Options, opts []Option) (*Cinder, error) {
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.Logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize default logger: %w", err)
		}
		cfg.Logger = logger
	}

	client := redis.NewClient(redisOptions)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	multi, err := NewMultiCache(ctx, cfg, client)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize multi-level cache: %w", err)
	}

	return &Cinder{
		multi:  multi,
		logger: cfg.Logger,
	}, nil
}

// Set stores a value in both tiers.
func (c *Cinder) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	return c.multi.Set(ctx, key, value, ttl...)
}

// Get reads a value, local tier first.
func (c *Cinder) Get(ctx context.Context, key string, value any) (bool, error) {
	return c.multi.Get(ctx, key, value)
}

// Delete removes a key from both tiers.
func (c *Cinder) Delete(ctx context.Context, key string) (bool, error) {
	return c.multi.Delete(ctx, key)
}

// Clear flushes both tiers.
func (c *Cinder) Clear(ctx context.Context) error {
	return c.multi.Clear(ctx)
}

// Exists probes for a key without decoding it.
func (c *Cinder) Exists(ctx context.Context, key string) (bool, error) {
	return c.multi.Exists(ctx, key)
}

// GetMulti reads several keys at once into untyped values. Not available
// under the gob codec; use GetMultiInto there.
func (c *Cinder) GetMulti(ctx context.Context, keys []string) (map[string]any, error) {
	return c.multi.GetMulti(ctx, keys)
}

// GetMultiInto reads several keys at once, decoding each hit into the
// destination dest returns for its key.
func (c *Cinder) GetMultiInto(ctx context.Context, keys []string, dest func(key string) any) ([]string, error) {
	return c.multi.GetMultiInto(ctx, keys, dest)
}

// SetMulti stores several keys at once.
func (c *Cinder) SetMulti(ctx context.Context, items map[string]any, ttl ...time.Duration) error {
	return c.multi.SetMulti(ctx, items, ttl...)
}

// SetNX stores a key only if it does not exist yet.
func (c *Cinder) SetNX(ctx context.Context, key string, value any, ttl ...time.Duration) (bool, error) {
	return c.multi.SetNX(ctx, key, value, ttl...)
}

// GetTTL reports the remaining server-side TTL of a key.
func (c *Cinder) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	return c.multi.GetTTL(ctx, key)
}

// Stats returns a read-only snapshot.
func (c *Cinder) Stats() models.Stats {
	return c.multi.Stats()
}

// Store exposes the underlying multi-level cache for the memoization
// wrapper.
func (c *Cinder) Store() Store {
	return c.multi
}

// Close releases all resources.
func (c *Cinder) Close() error {
	return c.multi.Close()
}
