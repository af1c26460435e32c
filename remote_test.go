package cinder_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/cinder"
	"goflare.io/cinder/config"
)

func remoteConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.RemoteTTL = time.Minute
	cfg.RemoteTimeout = time.Second
	cfg.Resilience.MaxAttempts = 1
	cfg.Resilience.BaseDelay = time.Millisecond
	cfg.Resilience.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestRemote(t *testing.T) (*cinder.RemoteCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cinder.NewRemoteCache(remoteConfig(), client), mr
}

func TestRemoteCache_SetGet(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestRemote(t)
	defer rc.Close()

	type inventory struct {
		Region    string
		Instances []string
	}

	want := inventory{Region: "us-east-1", Instances: []string{"i-abc", "i-def"}}
	require.NoError(t, rc.Set(ctx, "inventory", want, 5*time.Minute))

	var got inventory
	found, err := rc.Get(ctx, "inventory", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	// Expiry is enforced server-side.
	ttl := mr.TTL("inventory")
	assert.Equal(t, 5*time.Minute, ttl)
}

func TestRemoteCache_Miss(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestRemote(t)
	defer rc.Close()

	var got string
	found, err := rc.Get(ctx, "missing", &got)
	require.NoError(t, err, "a plain miss is not an error")
	assert.False(t, found)
}

func TestRemoteCache_InvalidTTL(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestRemote(t)
	defer rc.Close()

	assert.ErrorIs(t, rc.Set(ctx, "key1", "value1", -time.Second), cinder.ErrInvalidTTL)
}

func TestRemoteCache_ServerExpiry(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestRemote(t)
	defer rc.Close()

	require.NoError(t, rc.Set(ctx, "key1", "value1", time.Minute))

	mr.FastForward(2 * time.Minute)

	var got string
	found, err := rc.Get(ctx, "key1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteCache_Delete(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestRemote(t)
	defer rc.Close()

	removed, err := rc.Delete(ctx, "missing")
	require.NoError(t, err, "deleting an absent key is not an error")
	assert.False(t, removed)

	require.NoError(t, rc.Set(ctx, "key1", "value1"))

	removed, err = rc.Delete(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestRemoteCache_Exists(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestRemote(t)
	defer rc.Close()

	found, err := rc.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rc.Set(ctx, "key1", "value1"))

	found, err = rc.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRemoteCache_Clear(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestRemote(t)
	defer rc.Close()

	require.NoError(t, rc.Set(ctx, "key1", "value1"))
	require.NoError(t, rc.Clear(ctx))

	var got string
	found, err := rc.Get(ctx, "key1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteCache_BackendUnavailable(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestRemote(t)
	defer rc.Close()

	require.NoError(t, rc.Set(ctx, "key1", "value1"))
	mr.Close()

	var got string
	found, err := rc.Get(ctx, "key1", &got)
	assert.False(t, found)
	assert.ErrorIs(t, err, cinder.ErrBackendUnavailable)

	assert.ErrorIs(t, rc.Set(ctx, "key2", "value2"), cinder.ErrBackendUnavailable)

	_, err = rc.Delete(ctx, "key1")
	assert.ErrorIs(t, err, cinder.ErrBackendUnavailable)

	_, err = rc.Exists(ctx, "key1")
	assert.ErrorIs(t, err, cinder.ErrBackendUnavailable)
}

func TestRemoteCache_Stats(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestRemote(t)
	defer rc.Close()

	require.NoError(t, rc.Set(ctx, "key1", "value1"))

	var got string
	_, err := rc.Get(ctx, "key1", &got)
	require.NoError(t, err)
	_, err = rc.Get(ctx, "missing", &got)
	require.NoError(t, err)

	stats := rc.Stats()
	assert.Equal(t, int64(1), stats.TotalHits)
	assert.Equal(t, int64(1), stats.Misses)
}
