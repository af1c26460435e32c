package cinder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/cinder/config"
	"goflare.io/cinder/models"
	"goflare.io/cinder/pkg/serialization"
	"goflare.io/cinder/utils"
)

// MultiCache composes the local tier (L1) and the remote tier (L2) into one
// read/write-through cache. It owns no entries itself.
//
// Consistency is eventual and asymmetric: there is no cross-instance
// invalidation, so after a delete or overwrite in one process another
// process may keep serving its local copy until that copy's own TTL
// expires. That staleness window is accepted, not worked around.
type MultiCache struct {
	local  *LocalCache // nil when the local tier is disabled
	remote *RemoteCache

	cfg     *config.Config
	logger  *zap.Logger
	metrics *models.Metrics

	sf     singleflight.Group
	tracer trace.Tracer
	filter *negativeFilter // nil unless enabled
}

// NewMultiCache builds both tiers from cfg around an established redis
// client.
func NewMultiCache(ctx context.Context, cfg *config.Config, client *redis.Client) (*MultiCache, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	mc := &MultiCache{
		remote:  NewRemoteCache(cfg, client),
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: models.NewMetrics(),
		tracer:  otel.Tracer("cinder"),
	}

	if cfg.EnableLocalCache {
		mc.local = NewLocalCache(cfg)
	}

	if cfg.NegativeFilter.Enable {
		mc.filter = newNegativeFilter(ctx, cfg.NegativeFilter, mc.remote, cfg.Logger)
		go mc.filter.rebuildLoop(ctx)
	}

	return mc, nil
}

func (c *MultiCache) decode(data []byte, value any) error {
	if err := c.cfg.Serialization.Decoder(bytes.NewReader(data)).Decode(value); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrSerialization, err)
	}
	return nil
}

// Get reads key, trying local first and falling back to remote. On a remote
// hit the local tier is backfilled with the raw bytes under the local
// default TTL. Any remote failure is treated exactly like a remote miss.
func (c *MultiCache) Get(ctx context.Context, key string, value any) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "MultiCache.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if c.local != nil {
		found, err := c.local.Get(ctx, key, value)
		if err != nil {
			return false, err
		}
		if found {
			c.metrics.Hits.Inc()
			return true, nil
		}
	}

	if c.filter != nil && !c.filter.mayContain(key) {
		c.metrics.Misses.Inc()
		return false, nil
	}

	// Concurrent misses on the same key share one remote round-trip. This
	// coalesces the probe only; racing fills of the underlying value are
	// still the caller's problem.
	v, err, _ := c.sf.Do(key, func() (any, error) {
		data, found, err := c.remote.GetBytes(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrKeyNotFound
		}
		return data, nil
	})
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.logger.Warn("remote probe failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		c.metrics.Misses.Inc()
		return false, nil
	}

	data := v.([]byte)
	c.metrics.Hits.Inc()

	if c.local != nil {
		if err = c.local.setBytes(ctx, key, data); err != nil {
			c.logger.Warn("local backfill failed", zap.String("key", key), zap.Error(err))
		}
	}

	return true, c.decode(data, value)
}

// Set writes key to both tiers, each under its own configured TTL unless an
// explicit override is given. Local goes first and always sticks; a remote
// failure is logged but never rolls the local write back or surfaces to the
// caller.
func (c *MultiCache) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "MultiCache.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if len(ttl) > 0 && ttl[0] <= 0 {
		return ErrInvalidTTL
	}

	var buf bytes.Buffer
	if err := c.cfg.Serialization.Encoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("%w: encode %q: %v", ErrSerialization, key, err)
	}
	data := buf.Bytes()

	if c.local != nil {
		if err := c.local.setBytes(ctx, key, data, ttl...); err != nil {
			return err
		}
	}

	if err := c.remote.SetBytes(ctx, key, data, utils.ResolveTTL(c.cfg.RemoteTTL, ttl...)); err != nil {
		c.logger.Warn("remote set failed, local write retained", zap.String("key", key), zap.Error(err))
	}

	if c.filter != nil {
		c.filter.add(ctx, key)
	}

	return nil
}

// Delete removes key from both tiers. Local removal is guaranteed, remote
// removal is best-effort.
func (c *MultiCache) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "MultiCache.Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	removed := false
	if c.local != nil {
		removed, _ = c.local.Delete(ctx, key)
	}

	remoteRemoved, err := c.remote.Delete(ctx, key)
	if err != nil {
		c.logger.Warn("remote delete failed", zap.String("key", key), zap.Error(err))
	}

	return removed || remoteRemoved, nil
}

// Clear flushes both tiers.
func (c *MultiCache) Clear(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "MultiCache.Clear")
	defer span.End()

	if c.local != nil {
		if err := c.local.Clear(ctx); err != nil {
			return err
		}
	}

	if err := c.remote.Clear(ctx); err != nil {
		c.logger.Warn("remote clear failed", zap.Error(err))
	}

	if c.filter != nil {
		c.filter.reset(ctx)
	}

	return nil
}

// Exists probes both tiers without decoding the value.
func (c *MultiCache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "MultiCache.Exists", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if c.local != nil && c.local.Exists(ctx, key) {
		return true, nil
	}

	found, err := c.remote.Exists(ctx, key)
	if err != nil {
		c.logger.Warn("remote exists failed, treating as miss", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return found, nil
}

// getMultiRaw collects the encoded payloads for keys: local hits first, the
// remainder with one MGET, backfilling the local tier. Remote failure
// degrades to whatever the local tier had.
func (c *MultiCache) getMultiRaw(ctx context.Context, keys []string) map[string][]byte {
	raw := make(map[string][]byte, len(keys))
	missing := make([]string, 0, len(keys))

	for _, key := range keys {
		if c.local != nil {
			if data, found := c.local.getBytes(ctx, key); found {
				raw[key] = data
				continue
			}
		}
		if c.filter != nil && !c.filter.mayContain(key) {
			continue
		}
		missing = append(missing, key)
	}

	if len(missing) == 0 {
		return raw
	}

	var values []any
	if err := c.remote.execute(ctx, func(ctx context.Context) error {
		var err error
		values, err = c.remote.client.MGet(ctx, missing...).Result()
		return err
	}); err != nil {
		c.logger.Warn("remote mget failed, returning local hits only", zap.Error(err))
		return raw
	}

	for i, key := range missing {
		if values[i] == nil {
			continue
		}
		data := []byte(values[i].(string))
		raw[key] = data

		if c.local != nil {
			if err := c.local.setBytes(ctx, key, data); err != nil {
				c.logger.Warn("local backfill failed", zap.String("key", key), zap.Error(err))
			}
		}
	}

	return raw
}

// GetMulti reads several keys at once into untyped values. Only the json
// codec can decode without a concrete destination type; gob callers use
// GetMultiInto instead.
func (c *MultiCache) GetMulti(ctx context.Context, keys []string) (map[string]any, error) {
	ctx, span := c.tracer.Start(ctx, "MultiCache.GetMulti", trace.WithAttributes(attribute.Int("keyCount", len(keys))))
	defer span.End()

	if c.cfg.Serialization.Type == serialization.GobType {
		return nil, fmt.Errorf("%w: gob cannot decode into untyped values, use GetMultiInto", ErrSerialization)
	}

	result := make(map[string]any, len(keys))
	for key, data := range c.getMultiRaw(ctx, keys) {
		var v any
		if err := c.decode(data, &v); err != nil {
			return nil, err
		}
		result[key] = v
	}

	return result, nil
}

// GetMultiInto is the typed form of GetMulti: every hit is decoded into the
// destination dest returns for its key, and the hit keys are reported back.
// dest is only called for keys that were found.
func (c *MultiCache) GetMultiInto(ctx context.Context, keys []string, dest func(key string) any) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "MultiCache.GetMultiInto", trace.WithAttributes(attribute.Int("keyCount", len(keys))))
	defer span.End()

	found := make([]string, 0, len(keys))
	for key, data := range c.getMultiRaw(ctx, keys) {
		if err := c.decode(data, dest(key)); err != nil {
			return nil, err
		}
		found = append(found, key)
	}

	return found, nil
}

// SetMulti writes several keys, local first, remote via one pipeline.
func (c *MultiCache) SetMulti(ctx context.Context, items map[string]any, ttl ...time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "MultiCache.SetMulti", trace.WithAttributes(attribute.Int("itemCount", len(items))))
	defer span.End()

	if len(ttl) > 0 && ttl[0] <= 0 {
		return ErrInvalidTTL
	}

	encoded := make(map[string][]byte, len(items))
	for key, value := range items {
		var buf bytes.Buffer
		if err := c.cfg.Serialization.Encoder(&buf).Encode(value); err != nil {
			return fmt.Errorf("%w: encode %q: %v", ErrSerialization, key, err)
		}
		encoded[key] = buf.Bytes()
	}

	if c.local != nil {
		for key, data := range encoded {
			if err := c.local.setBytes(ctx, key, data, ttl...); err != nil {
				return err
			}
		}
	}

	// Exec consumes the queued commands, so the pipeline has to be rebuilt
	// on every attempt or a retry would run it empty and report success.
	remoteTTL := utils.ResolveTTL(c.cfg.RemoteTTL, ttl...)
	if err := c.remote.execute(ctx, func(ctx context.Context) error {
		pipe := c.remote.client.Pipeline()
		for key, data := range encoded {
			pipe.Set(ctx, key, data, remoteTTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	}); err != nil {
		c.logger.Warn("remote pipeline set failed, local writes retained", zap.Error(err))
	}

	if c.filter != nil {
		for key := range encoded {
			c.filter.add(ctx, key)
		}
	}

	return nil
}

// SetNX stores key only if it does not exist yet. The answer has to come
// from the shared tier, so unlike the other writes a remote failure is
// surfaced here rather than absorbed.
func (c *MultiCache) SetNX(ctx context.Context, key string, value any, ttl ...time.Duration) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "MultiCache.SetNX", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if len(ttl) > 0 && ttl[0] <= 0 {
		return false, ErrInvalidTTL
	}

	var buf bytes.Buffer
	if err := c.cfg.Serialization.Encoder(&buf).Encode(value); err != nil {
		return false, fmt.Errorf("%w: encode %q: %v", ErrSerialization, key, err)
	}
	data := buf.Bytes()

	var set bool
	if err := c.remote.execute(ctx, func(ctx context.Context) error {
		var err error
		set, err = c.remote.client.SetNX(ctx, key, data, utils.ResolveTTL(c.cfg.RemoteTTL, ttl...)).Result()
		return err
	}); err != nil {
		return false, fmt.Errorf("%w: setnx %q: %v", ErrBackendUnavailable, key, err)
	}

	if set {
		if c.local != nil {
			if err := c.local.setBytes(ctx, key, data, ttl...); err != nil {
				c.logger.Warn("local set failed", zap.String("key", key), zap.Error(err))
			}
		}
		if c.filter != nil {
			c.filter.add(ctx, key)
		}
	}

	return set, nil
}

// GetTTL reports the remaining server-side TTL of key on the remote tier.
func (c *MultiCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := c.tracer.Start(ctx, "MultiCache.GetTTL", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	var ttl time.Duration
	if err := c.remote.execute(ctx, func(ctx context.Context) error {
		var err error
		ttl, err = c.remote.client.TTL(ctx, key).Result()
		return err
	}); err != nil {
		return 0, fmt.Errorf("%w: ttl %q: %v", ErrBackendUnavailable, key, err)
	}

	// redis reports negative sentinels for "missing" and "no expiry".
	if ttl < 0 {
		if exists, err := c.remote.Exists(ctx, key); err == nil && !exists {
			return 0, ErrKeyNotFound
		}
		return 0, nil
	}
	return ttl, nil
}

// Stats merges the coordinator's hit/miss counters with the local tier's
// entry snapshot.
func (c *MultiCache) Stats() models.Stats {
	stats := models.Stats{
		TotalHits: c.metrics.Hits.Load(),
		Misses:    c.metrics.Misses.Load(),
	}

	if c.local != nil {
		local := c.local.Stats()
		stats.EntryCount = local.EntryCount
		stats.AvgTTL = local.AvgTTL
		stats.Evictions = local.Evictions
		stats.Expired = local.Expired
	}

	return stats
}

// Close stops the local janitor and the filter rebuild loop, then releases
// the remote connection.
func (c *MultiCache) Close() error {
	if c.local != nil {
		c.local.Close()
	}
	if c.filter != nil {
		c.filter.close()
	}
	return c.remote.Close()
}
