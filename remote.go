package cinder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/cinder/config"
	"goflare.io/cinder/models"
	"goflare.io/cinder/retrier"
	"goflare.io/cinder/utils"
)

// RemoteCache is the shared redis tier. It is authoritative across process
// instances but failure-prone: every operation is bounded by the configured
// timeout and routed through a circuit breaker and a retrier, and any
// transport failure comes back wrapped in ErrBackendUnavailable so callers
// can degrade to a miss instead of failing.
type RemoteCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier

	timeout    time.Duration
	defaultTTL time.Duration

	serialization config.SerializationConfig
	metrics       *models.Metrics
	logger        *zap.Logger
}

// NewRemoteCache wraps an established redis client. The client's connection
// pool is acquired once and reused for the lifetime of the cache.
func NewRemoteCache(cfg *config.Config, client *redis.Client) *RemoteCache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RemoteCache{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(cfg.Resilience.CircuitBreaker),
		retrier: retrier.NewRetrier(
			cfg.Resilience.MaxAttempts,
			cfg.Resilience.BaseDelay,
			cfg.Resilience.MaxDelay,
			2, 0.1,
		),
		timeout:       cfg.RemoteTimeout,
		defaultTTL:    cfg.RemoteTTL,
		serialization: cfg.Serialization,
		metrics:       models.NewMetrics(),
		logger:        logger,
	}
}

// execute runs op under the breaker, the retrier and the per-call timeout.
func (rc *RemoteCache) execute(ctx context.Context, op func(context.Context) error) error {
	_, err := rc.breaker.Execute(func() (any, error) {
		return nil, rc.retrier.Run(ctx, func() error {
			opCtx, cancel := context.WithTimeout(ctx, rc.timeout)
			defer cancel()
			return op(opCtx)
		})
	})
	return err
}

// GetBytes fetches the raw encoded payload for key. A transport failure is
// returned as a soft ErrBackendUnavailable; callers treat it as a miss.
func (rc *RemoteCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	found := false

	if err := rc.execute(ctx, func(ctx context.Context) error {
		b, err := rc.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		data = b
		found = true
		return nil
	}); err != nil {
		rc.metrics.Misses.Inc()
		rc.logger.Warn("remote get failed", zap.String("key", key), zap.Error(err))
		return nil, false, fmt.Errorf("%w: get %q: %v", ErrBackendUnavailable, key, err)
	}

	if !found {
		rc.metrics.Misses.Inc()
		return nil, false, nil
	}

	rc.metrics.Hits.Inc()
	return data, true, nil
}

// Get fetches and decodes the value for key into value.
func (rc *RemoteCache) Get(ctx context.Context, key string, value any) (bool, error) {
	data, found, err := rc.GetBytes(ctx, key)
	if err != nil || !found {
		return false, err
	}

	if err = rc.serialization.Decoder(bytes.NewReader(data)).Decode(value); err != nil {
		return false, fmt.Errorf("%w: decode %q: %v", ErrSerialization, key, err)
	}
	return true, nil
}

// Set encodes value and stores it with a server-side expiry. An encode
// failure is fatal to the call; a network failure is logged and returned as
// a soft error the caller may ignore.
func (rc *RemoteCache) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	expiry := utils.ResolveTTL(rc.defaultTTL, ttl...)
	if expiry <= 0 {
		return ErrInvalidTTL
	}

	var buf bytes.Buffer
	if err := rc.serialization.Encoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("%w: encode %q: %v", ErrSerialization, key, err)
	}

	return rc.SetBytes(ctx, key, buf.Bytes(), expiry)
}

// SetBytes stores an already-encoded payload. A zero ttl stores without
// expiry; that path is reserved for internal bookkeeping like the bloom
// filter snapshot.
func (rc *RemoteCache) SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := rc.execute(ctx, func(ctx context.Context) error {
		return rc.client.Set(ctx, key, data, ttl).Err()
	}); err != nil {
		rc.logger.Warn("remote set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: set %q: %v", ErrBackendUnavailable, key, err)
	}
	return nil
}

// Delete removes key best-effort. Absence is not an error.
func (rc *RemoteCache) Delete(ctx context.Context, key string) (bool, error) {
	var removed int64

	if err := rc.execute(ctx, func(ctx context.Context) error {
		var err error
		removed, err = rc.client.Del(ctx, key).Result()
		return err
	}); err != nil {
		rc.logger.Warn("remote delete failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("%w: delete %q: %v", ErrBackendUnavailable, key, err)
	}

	return removed > 0, nil
}

// Exists probes for key without fetching or decoding the value.
func (rc *RemoteCache) Exists(ctx context.Context, key string) (bool, error) {
	var count int64

	if err := rc.execute(ctx, func(ctx context.Context) error {
		var err error
		count, err = rc.client.Exists(ctx, key).Result()
		return err
	}); err != nil {
		rc.logger.Warn("remote exists failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("%w: exists %q: %v", ErrBackendUnavailable, key, err)
	}

	return count > 0, nil
}

// Clear flushes the remote database.
func (rc *RemoteCache) Clear(ctx context.Context) error {
	if err := rc.execute(ctx, func(ctx context.Context) error {
		return rc.client.FlushDB(ctx).Err()
	}); err != nil {
		rc.logger.Warn("remote flush failed", zap.Error(err))
		return fmt.Errorf("%w: flush: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Stats reports the client-side counters. The remote tier cannot enumerate
// its entries cheaply, so EntryCount and AvgTTL stay zero.
func (rc *RemoteCache) Stats() models.Stats {
	return models.Stats{
		TotalHits: rc.metrics.Hits.Load(),
		Misses:    rc.metrics.Misses.Load(),
	}
}

// Close releases the underlying connection pool.
func (rc *RemoteCache) Close() error {
	return rc.client.Close()
}
