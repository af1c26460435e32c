package config

import (
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/cinder/pkg/serialization"
)

// Config configures the cache tiers. Each tier carries its own TTL; the two
// expiry windows are independent and a local backfill always uses LocalTTL.
type Config struct {
	EnableLocalCache bool          // keep an in-process tier in front of the remote one
	LocalTTL         time.Duration // default expiry for local entries
	RemoteTTL        time.Duration // default server-side expiry for remote entries
	MaxLocalEntries  int           // soft cap on local entries, 0 means unbounded
	CleanupInterval  time.Duration // period of the local expired-entry sweep, 0 disables it
	RemoteTimeout    time.Duration // upper bound for a single remote round-trip

	Resilience     ResilienceConfig
	NegativeFilter FilterConfig
	Serialization  SerializationConfig
	Logger         *zap.Logger
}

// ResilienceConfig tunes how remote failures are retried and tripped.
type ResilienceConfig struct {
	CircuitBreaker gobreaker.Settings
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// FilterConfig configures the optional negative-lookup bloom filter. The
// filter only sees writes made through this process plus whatever snapshot
// it loaded, so it is off by default.
type FilterConfig struct {
	Enable            bool
	ExpectedItems     uint
	FalsePositiveRate float64
	RebuildInterval   time.Duration
	RedisKey          string
}

// SerializationConfig selects the codec shared by both tiers.
type SerializationConfig struct {
	Type    string
	Encoder func(io.Writer) serialization.Encoder
	Decoder func(io.Reader) serialization.Decoder
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	return &Config{
		EnableLocalCache: true,
		LocalTTL:         5 * time.Minute,
		RemoteTTL:        30 * time.Minute,
		MaxLocalEntries:  0,
		CleanupInterval:  10 * time.Minute,
		RemoteTimeout:    5 * time.Second,
		Resilience: ResilienceConfig{
			CircuitBreaker: gobreaker.Settings{Name: "cinder-remote"},
			MaxAttempts:    3,
			BaseDelay:      100 * time.Millisecond,
			MaxDelay:       1 * time.Second,
		},
		NegativeFilter: FilterConfig{
			Enable:            false,
			ExpectedItems:     10000,
			FalsePositiveRate: 0.01,
			RebuildInterval:   1 * time.Hour,
			RedisKey:          "cinder:bloom",
		},
		Serialization: SerializationConfig{
			Type:    serialization.JSONType,
			Encoder: serialization.JSONEncoder,
			Decoder: serialization.JSONDecoder,
		},
		Logger: nil,
	}
}

type envOverrides struct {
	RedisAddr       string        `env:"CINDER_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword   string        `env:"CINDER_REDIS_PASSWORD"`
	RedisDB         int           `env:"CINDER_REDIS_DB"`
	LocalTTL        time.Duration `env:"CINDER_LOCAL_TTL"`
	RemoteTTL       time.Duration `env:"CINDER_REMOTE_TTL"`
	MaxLocalEntries int           `env:"CINDER_MAX_LOCAL_ENTRIES"`
	CleanupInterval time.Duration `env:"CINDER_CLEANUP_INTERVAL"`
	RemoteTimeout   time.Duration `env:"CINDER_REMOTE_TIMEOUT"`
}

// FromEnv builds the defaults overlaid with the CINDER_* environment
// variables, plus the redis options for the connection string surface.
func FromEnv() (*Config, *redis.Options, error) {
	overrides, err := env.ParseAs[envOverrides]()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg := NewConfig()
	if overrides.LocalTTL > 0 {
		cfg.LocalTTL = overrides.LocalTTL
	}
	if overrides.RemoteTTL > 0 {
		cfg.RemoteTTL = overrides.RemoteTTL
	}
	if overrides.MaxLocalEntries > 0 {
		cfg.MaxLocalEntries = overrides.MaxLocalEntries
	}
	if overrides.CleanupInterval > 0 {
		cfg.CleanupInterval = overrides.CleanupInterval
	}
	if overrides.RemoteTimeout > 0 {
		cfg.RemoteTimeout = overrides.RemoteTimeout
	}

	return cfg, &redis.Options{
		Addr:     overrides.RedisAddr,
		Password: overrides.RedisPassword,
		DB:       overrides.RedisDB,
	}, nil
}
