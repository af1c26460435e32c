package cinder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"goflare.io/cinder"
	"goflare.io/cinder/models"
)

type lookupQuery struct {
	Region string
	Page   int
}

// brokenStore fails every operation, standing in for a fully unreachable
// cache.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string, any) (bool, error) {
	return false, cinder.ErrBackendUnavailable
}

func (brokenStore) Set(context.Context, string, any, ...time.Duration) error {
	return cinder.ErrBackendUnavailable
}

func (brokenStore) Delete(context.Context, string) (bool, error) {
	return false, cinder.ErrBackendUnavailable
}

func (brokenStore) Clear(context.Context) error {
	return cinder.ErrBackendUnavailable
}

func (brokenStore) Stats() models.Stats {
	return models.Stats{}
}

func TestMemoize_SingleInvocation(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	calls := atomic.NewInt64(0)
	fetch := func(ctx context.Context, q lookupQuery) ([]string, error) {
		calls.Inc()
		return []string{"i-" + q.Region}, nil
	}

	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[lookupQuery]("fetchInstances"),
		cinder.WithMemoTTL[lookupQuery](time.Minute),
	)

	first, err := memoized.Call(ctx, lookupQuery{Region: "us-east-1"})
	require.NoError(t, err)
	second, err := memoized.Call(ctx, lookupQuery{Region: "us-east-1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load(), "second call must be served from cache")
}

func TestMemoize_DistinctArguments(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	calls := atomic.NewInt64(0)
	fetch := func(ctx context.Context, q lookupQuery) (string, error) {
		calls.Inc()
		return q.Region, nil
	}

	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[lookupQuery]("fetchRegion"),
	)

	_, err := memoized.Call(ctx, lookupQuery{Region: "us-east-1"})
	require.NoError(t, err)
	_, err = memoized.Call(ctx, lookupQuery{Region: "eu-west-1"})
	require.NoError(t, err)
	_, err = memoized.Call(ctx, lookupQuery{Region: "us-east-1", Page: 2})
	require.NoError(t, err)

	assert.Equal(t, int64(3), calls.Load())
}

func TestMemoize_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	calls := atomic.NewInt64(0)
	fetch := func(ctx context.Context, region string) (int, error) {
		calls.Inc()
		return 42, nil
	}

	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[string]("countInstances"),
		cinder.WithMemoTTL[string](50*time.Millisecond),
	)

	_, err := memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	_, err = memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	time.Sleep(120 * time.Millisecond)

	_, err = memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "expired result must be recomputed")
}

func TestMemoize_KeyDeterminism(t *testing.T) {
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	fetch := func(ctx context.Context, q lookupQuery) (string, error) { return "", nil }
	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[lookupQuery]("fetch"),
	)

	k1, err := memoized.Key(lookupQuery{Region: "us-east-1", Page: 1})
	require.NoError(t, err)
	k2, err := memoized.Key(lookupQuery{Region: "us-east-1", Page: 1})
	require.NoError(t, err)
	k3, err := memoized.Key(lookupQuery{Region: "us-east-1", Page: 2})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestMemoize_CustomKeyFunc(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	fetch := func(ctx context.Context, region string) (string, error) { return region, nil }
	memoized := cinder.Memoize(lc, fetch,
		cinder.WithKeyFunc[string](func(region string) string {
			return "inventory:" + region
		}),
	)

	_, err := memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)

	assert.True(t, lc.Exists(ctx, "inventory:us-east-1"))
}

func TestMemoize_Invalidate(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	calls := atomic.NewInt64(0)
	fetch := func(ctx context.Context, region string) (string, error) {
		calls.Inc()
		return region, nil
	}

	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[string]("fetch"),
	)

	_, err := memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	require.NoError(t, memoized.Invalidate(ctx, "us-east-1"))

	_, err = memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestMemoize_InvalidateAll(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	calls := atomic.NewInt64(0)
	fetch := func(ctx context.Context, region string) (string, error) {
		calls.Inc()
		return region, nil
	}

	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[string]("fetch"),
	)

	_, err := memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	_, err = memoized.Call(ctx, "eu-west-1")
	require.NoError(t, err)

	require.NoError(t, memoized.InvalidateAll(ctx))

	_, err = memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestMemoize_FunctionErrorsPropagateUncached(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	boom := errors.New("api throttled")
	calls := atomic.NewInt64(0)
	fetch := func(ctx context.Context, region string) (string, error) {
		if calls.Inc() == 1 {
			return "", boom
		}
		return region, nil
	}

	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[string]("fetch"),
	)

	_, err := memoized.Call(ctx, "us-east-1")
	assert.ErrorIs(t, err, boom, "the wrapped function's error passes through unchanged")

	got, err := memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", got)
	assert.Equal(t, int64(2), calls.Load(), "failures are never cached")
}

func TestMemoize_BrokenCacheFallsThrough(t *testing.T) {
	ctx := context.Background()

	calls := atomic.NewInt64(0)
	fetch := func(ctx context.Context, region string) (string, error) {
		calls.Inc()
		return region, nil
	}

	memoized := cinder.Memoize[string, string](brokenStore{}, fetch,
		cinder.WithMemoName[string]("fetch"),
	)

	for i := 0; i < 2; i++ {
		got, err := memoized.Call(ctx, "us-east-1")
		require.NoError(t, err, "cache unavailability must not fail the call")
		assert.Equal(t, "us-east-1", got)
	}
	assert.Equal(t, int64(2), calls.Load(), "every call goes to the function when the cache is down")
}

func TestMemoize_StatsDelegation(t *testing.T) {
	ctx := context.Background()
	lc := cinder.NewLocalCache(localConfig())
	defer lc.Close()

	fetch := func(ctx context.Context, region string) (string, error) { return region, nil }
	memoized := cinder.Memoize(lc, fetch,
		cinder.WithMemoName[string]("fetch"),
	)

	_, err := memoized.Call(ctx, "us-east-1")
	require.NoError(t, err)

	assert.Equal(t, lc.Stats(), memoized.Stats())
	assert.Equal(t, 1, memoized.Stats().EntryCount)
}
