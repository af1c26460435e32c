package cinder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/cinder/config"
	"goflare.io/cinder/models"
	"goflare.io/cinder/utils"
)

// LocalCache is the in-process tier: a mutex-protected map with lazy TTL
// expiration. Dead entries are either dropped at read time or by the
// periodic sweep; neither is ever returned to a caller. The lock is held
// only around map access, never around encoding or I/O.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]*models.Entry

	defaultTTL time.Duration
	maxEntries int

	serialization config.SerializationConfig
	metrics       *models.Metrics
	logger        *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalCache creates a local tier from cfg. When CleanupInterval is
// positive a janitor goroutine sweeps expired entries until Close is called;
// the sweep is an optimization only, lazy expiration already guarantees
// correctness.
func NewLocalCache(cfg *config.Config) *LocalCache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lc := &LocalCache{
		entries:       make(map[string]*models.Entry),
		defaultTTL:    cfg.LocalTTL,
		maxEntries:    cfg.MaxLocalEntries,
		serialization: cfg.Serialization,
		metrics:       models.NewMetrics(),
		logger:        logger,
		done:          make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go lc.janitor(cfg.CleanupInterval)
	}

	return lc
}

func (lc *LocalCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lc.done:
			return
		case <-ticker.C:
			if removed := lc.SweepExpired(context.Background()); removed > 0 {
				lc.logger.Debug("swept expired entries", zap.Int("removed", removed))
			}
		}
	}
}

// Get decodes the entry for key into value. A dead entry is removed and
// reported as a miss.
func (lc *LocalCache) Get(ctx context.Context, key string, value any) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	lc.mu.RLock()
	entry, ok := lc.entries[key]
	lc.mu.RUnlock()

	if !ok {
		lc.metrics.Misses.Inc()
		return false, nil
	}

	if !entry.Live(time.Now()) {
		lc.removeDead(key, entry)
		lc.metrics.Misses.Inc()
		return false, nil
	}

	if err := lc.serialization.Decoder(bytes.NewReader(entry.Data)).Decode(value); err != nil {
		return false, fmt.Errorf("%w: decode %q: %v", ErrSerialization, key, err)
	}

	entry.Touch()
	lc.metrics.Hits.Inc()
	return true, nil
}

// getBytes reads the stored payload without decoding it. The multi-level
// cache uses it for batch reads, where decoding is the coordinator's job.
func (lc *LocalCache) getBytes(ctx context.Context, key string) ([]byte, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}

	lc.mu.RLock()
	entry, ok := lc.entries[key]
	lc.mu.RUnlock()

	if !ok {
		lc.metrics.Misses.Inc()
		return nil, false
	}

	if !entry.Live(time.Now()) {
		lc.removeDead(key, entry)
		lc.metrics.Misses.Inc()
		return nil, false
	}

	entry.Touch()
	lc.metrics.Hits.Inc()
	return entry.Data, true
}

// removeDead evicts an expired entry, re-checking under the write lock that
// the key was not replaced since the read.
func (lc *LocalCache) removeDead(key string, expired *models.Entry) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if current, ok := lc.entries[key]; ok && current == expired {
		delete(lc.entries, key)
		lc.metrics.Expired.Inc()
	}
}

// Set encodes value and stores it under key. An explicit non-positive TTL is
// a misuse error; an omitted TTL falls back to the configured default.
func (lc *LocalCache) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	var buf bytes.Buffer
	if err := lc.serialization.Encoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("%w: encode %q: %v", ErrSerialization, key, err)
	}
	return lc.setBytes(ctx, key, buf.Bytes(), ttl...)
}

// setBytes stores an already-encoded payload. Used directly by the
// multi-level cache to backfill without a decode/encode round-trip.
func (lc *LocalCache) setBytes(ctx context.Context, key string, data []byte, ttl ...time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	expiry := utils.ResolveTTL(lc.defaultTTL, ttl...)
	if expiry <= 0 {
		return ErrInvalidTTL
	}

	entry := models.NewEntry(data, expiry)

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, exists := lc.entries[key]; !exists && lc.maxEntries > 0 && len(lc.entries) >= lc.maxEntries {
		lc.evictOldestLocked()
	}
	lc.entries[key] = entry

	return nil
}

// evictOldestLocked drops the entry with the oldest CreatedAt. Caller holds
// the write lock.
func (lc *LocalCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range lc.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(lc.entries, oldestKey)
		lc.metrics.Evictions.Inc()
		lc.logger.Debug("evicted oldest entry", zap.String("key", oldestKey))
	}
}

// Delete removes key if present. Idempotent.
func (lc *LocalCache) Delete(ctx context.Context, key string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, ok := lc.entries[key]; ok {
		delete(lc.entries, key)
		return true, nil
	}
	return false, nil
}

// Clear removes all entries.
func (lc *LocalCache) Clear(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.entries = make(map[string]*models.Entry)
	return nil
}

// Exists reports whether key holds a live entry, without decoding it or
// counting a hit.
func (lc *LocalCache) Exists(ctx context.Context, key string) bool {
	lc.mu.RLock()
	entry, ok := lc.entries[key]
	lc.mu.RUnlock()
	return ok && entry.Live(time.Now())
}

// SweepExpired removes every dead entry and returns how many were removed.
func (lc *LocalCache) SweepExpired(ctx context.Context) int {
	select {
	case <-ctx.Done():
		return 0
	default:
	}

	now := time.Now()

	lc.mu.Lock()
	defer lc.mu.Unlock()

	removed := 0
	for key, entry := range lc.entries {
		if !entry.Live(now) {
			delete(lc.entries, key)
			removed++
		}
	}
	lc.metrics.Expired.Add(int64(removed))

	return removed
}

// Stats returns a read-only snapshot. It never mutates cache state.
func (lc *LocalCache) Stats() models.Stats {
	lc.mu.RLock()
	count := len(lc.entries)
	var ttlSum time.Duration
	for _, entry := range lc.entries {
		ttlSum += entry.TTL
	}
	lc.mu.RUnlock()

	var avgTTL time.Duration
	if count > 0 {
		avgTTL = ttlSum / time.Duration(count)
	}

	return models.Stats{
		EntryCount: count,
		TotalHits:  lc.metrics.Hits.Load(),
		Misses:     lc.metrics.Misses.Load(),
		Evictions:  lc.metrics.Evictions.Load(),
		Expired:    lc.metrics.Expired.Load(),
		AvgTTL:     avgTTL,
	}
}

// Close stops the janitor. The cache itself remains usable.
func (lc *LocalCache) Close() {
	lc.closeOnce.Do(func() {
		close(lc.done)
	})
}
