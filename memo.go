package cinder

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"go.uber.org/zap"

	"goflare.io/cinder/models"
	"goflare.io/cinder/utils"
)

// MemoOption configures a memoized function.
type MemoOption[A any] func(*memoSettings[A])

type memoSettings[A any] struct {
	name   string
	ttl    time.Duration
	keyFn  func(A) string
	logger *zap.Logger
}

// WithMemoTTL sets how long a computed result stays cached.
func WithMemoTTL[A any](ttl time.Duration) MemoOption[A] {
	return func(s *memoSettings[A]) {
		s.ttl = ttl
	}
}

// WithMemoName overrides the function identity used in derived keys. Set
// this when the wrapped function is an anonymous closure whose runtime name
// is not stable across builds.
func WithMemoName[A any](name string) MemoOption[A] {
	return func(s *memoSettings[A]) {
		s.name = name
	}
}

// WithKeyFunc replaces key derivation entirely.
func WithKeyFunc[A any](fn func(A) string) MemoOption[A] {
	return func(s *memoSettings[A]) {
		s.keyFn = fn
	}
}

// WithMemoLogger sets the logger for cache-degradation warnings.
func WithMemoLogger[A any](logger *zap.Logger) MemoOption[A] {
	return func(s *memoSettings[A]) {
		s.logger = logger
	}
}

// Memoized wraps a function so repeated calls with the same argument inside
// the TTL window hit the injected store instead of the function. The cache
// is strictly an optimization: if the store is unreachable the wrapped
// function is called directly, and the function's own errors pass through
// unchanged and are never cached.
//
// Functions taking several logical arguments pass them as one struct; the
// argument must round-trip through JSON for the default key derivation and
// the result through the store's codec. Two calls are the same call iff
// their keys are equal; no normalization of equivalent representations is
// attempted. Racing callers on a cold key may both invoke the function,
// there is no per-key fill lock.
type Memoized[A, R any] struct {
	store Store
	fn    func(context.Context, A) (R, error)
	memoSettings[A]
}

// Memoize wraps fn over store. The default key is derived from the
// function's runtime name plus a digest of the JSON form of the argument.
func Memoize[A, R any](store Store, fn func(context.Context, A) (R, error), opts ...MemoOption[A]) *Memoized[A, R] {
	settings := memoSettings[A]{
		name:   runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name(),
		ttl:    5 * time.Minute,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Memoized[A, R]{
		store:        store,
		fn:           fn,
		memoSettings: settings,
	}
}

// Key returns the cache key for arg.
func (m *Memoized[A, R]) Key(arg A) (string, error) {
	if m.keyFn != nil {
		return m.keyFn(arg), nil
	}

	raw, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("%w: memo key for %s: %v", ErrSerialization, m.name, err)
	}
	return "memo:" + m.name + ":" + utils.HashKey([]byte(m.name), raw), nil
}

// Call invokes the wrapped function through the cache.
func (m *Memoized[A, R]) Call(ctx context.Context, arg A) (R, error) {
	var zero R

	key, err := m.Key(arg)
	if err != nil {
		return zero, err
	}

	var cached R
	found, err := m.store.Get(ctx, key, &cached)
	if err != nil {
		m.logger.Warn("memo lookup failed, calling through", zap.String("key", key), zap.Error(err))
	} else if found {
		return cached, nil
	}

	result, err := m.fn(ctx, arg)
	if err != nil {
		return zero, err
	}

	if err = m.store.Set(ctx, key, result, m.ttl); err != nil {
		m.logger.Warn("memo store failed", zap.String("key", key), zap.Error(err))
	}

	return result, nil
}

// Invalidate drops the cached result for arg.
func (m *Memoized[A, R]) Invalidate(ctx context.Context, arg A) error {
	key, err := m.Key(arg)
	if err != nil {
		return err
	}
	_, err = m.store.Delete(ctx, key)
	return err
}

// InvalidateAll clears the whole underlying store.
func (m *Memoized[A, R]) InvalidateAll(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// Stats delegates to the underlying store.
func (m *Memoized[A, R]) Stats() models.Stats {
	return m.store.Stats()
}
