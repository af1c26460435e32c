package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/cinder/config"
	"goflare.io/cinder/pkg/serialization"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := config.NewConfig()

	assert.True(t, cfg.EnableLocalCache)
	assert.Greater(t, cfg.LocalTTL, time.Duration(0))
	assert.Greater(t, cfg.RemoteTTL, time.Duration(0))
	assert.Greater(t, cfg.RemoteTimeout, time.Duration(0))
	assert.Equal(t, serialization.JSONType, cfg.Serialization.Type)
	assert.NotNil(t, cfg.Serialization.Encoder)
	assert.NotNil(t, cfg.Serialization.Decoder)
	assert.False(t, cfg.NegativeFilter.Enable)
	assert.GreaterOrEqual(t, cfg.Resilience.MaxAttempts, 1)
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, redisOptions, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", redisOptions.Addr)
	assert.Equal(t, config.NewConfig().LocalTTL, cfg.LocalTTL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CINDER_REDIS_ADDR", "cache.internal:6380")
	t.Setenv("CINDER_REDIS_DB", "3")
	t.Setenv("CINDER_LOCAL_TTL", "30s")
	t.Setenv("CINDER_REMOTE_TTL", "10m")
	t.Setenv("CINDER_MAX_LOCAL_ENTRIES", "500")
	t.Setenv("CINDER_REMOTE_TIMEOUT", "2s")

	cfg, redisOptions, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6380", redisOptions.Addr)
	assert.Equal(t, 3, redisOptions.DB)
	assert.Equal(t, 30*time.Second, cfg.LocalTTL)
	assert.Equal(t, 10*time.Minute, cfg.RemoteTTL)
	assert.Equal(t, 500, cfg.MaxLocalEntries)
	assert.Equal(t, 2*time.Second, cfg.RemoteTimeout)
}
