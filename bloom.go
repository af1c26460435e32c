package cinder

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"goflare.io/cinder/config"
)

// negativeFilter lets the multi-level cache skip the remote round-trip for
// keys that were definitely never written. It only tracks writes made
// through this process plus the snapshot it loaded from redis, so a key
// written elsewhere can be wrongly skipped until the next rebuild; that is
// why the filter is opt-in.
type negativeFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter

	cfg    config.FilterConfig
	remote *RemoteCache
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newNegativeFilter(ctx context.Context, cfg config.FilterConfig, remote *RemoteCache, logger *zap.Logger) *negativeFilter {
	nf := &negativeFilter{
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		cfg:    cfg,
		remote: remote,
		logger: logger,
		done:   make(chan struct{}),
	}
	nf.load(ctx)
	return nf
}

// close stops the rebuild loop. Safe to call more than once.
func (nf *negativeFilter) close() {
	nf.closeOnce.Do(func() { close(nf.done) })
}

// load restores the last snapshot from redis, best-effort. Starting empty is
// fine: an empty filter only costs extra remote probes.
func (nf *negativeFilter) load(ctx context.Context) {
	data, found, err := nf.remote.GetBytes(ctx, nf.cfg.RedisKey)
	if err != nil || !found {
		return
	}

	restored := bloom.NewWithEstimates(nf.cfg.ExpectedItems, nf.cfg.FalsePositiveRate)
	if _, err = restored.ReadFrom(bytes.NewReader(data)); err != nil {
		nf.logger.Warn("failed to restore bloom filter, starting empty", zap.Error(err))
		return
	}

	nf.mu.Lock()
	nf.filter = restored
	nf.mu.Unlock()
}

// save snapshots the filter to redis without expiry, best-effort.
func (nf *negativeFilter) save(ctx context.Context) {
	var buf bytes.Buffer
	nf.mu.RLock()
	_, err := nf.filter.WriteTo(&buf)
	nf.mu.RUnlock()
	if err != nil {
		nf.logger.Warn("failed to serialize bloom filter", zap.Error(err))
		return
	}

	if err = nf.remote.SetBytes(ctx, nf.cfg.RedisKey, buf.Bytes(), 0); err != nil {
		nf.logger.Warn("failed to save bloom filter", zap.Error(err))
	}
}

func (nf *negativeFilter) add(ctx context.Context, key string) {
	nf.mu.Lock()
	nf.filter.Add([]byte(key))
	nf.mu.Unlock()

	// Detached so a request-scoped ctx cannot cancel the snapshot mid-write.
	go nf.save(context.WithoutCancel(ctx))
}

func (nf *negativeFilter) mayContain(key string) bool {
	nf.mu.RLock()
	defer nf.mu.RUnlock()
	return nf.filter.Test([]byte(key))
}

func (nf *negativeFilter) reset(ctx context.Context) {
	nf.mu.Lock()
	nf.filter = bloom.NewWithEstimates(nf.cfg.ExpectedItems, nf.cfg.FalsePositiveRate)
	nf.mu.Unlock()

	nf.save(ctx)
}

// rebuildLoop periodically repopulates the filter from the keys actually
// present in redis, picking up writes from other processes.
func (nf *negativeFilter) rebuildLoop(ctx context.Context) {
	if nf.cfg.RebuildInterval <= 0 {
		return
	}

	ticker := time.NewTicker(nf.cfg.RebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-nf.done:
			return
		case <-ticker.C:
			nf.rebuild(ctx)
		}
	}
}

func (nf *negativeFilter) rebuild(ctx context.Context) {
	rebuilt := bloom.NewWithEstimates(nf.cfg.ExpectedItems, nf.cfg.FalsePositiveRate)

	var cursor uint64
	for {
		var keys []string
		if err := nf.remote.execute(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = nf.remote.client.Scan(ctx, cursor, "*", 1000).Result()
			return err
		}); err != nil {
			nf.logger.Warn("bloom rebuild scan failed", zap.Error(err))
			return
		}

		for _, key := range keys {
			rebuilt.Add([]byte(key))
		}

		if cursor == 0 {
			break
		}
	}

	nf.mu.Lock()
	nf.filter = rebuilt
	nf.mu.Unlock()

	nf.save(ctx)
}
