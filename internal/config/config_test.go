package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, int64(512), cfg.Cache.MaxMemoryMB)
	assert.Equal(t, 1800, cfg.Cache.DefaultTTLSeconds)
	assert.True(t, cfg.Cache.EnableDiskCache)
	assert.Equal(t, 300, cfg.Cache.CleanupIntervalSeconds)
	assert.True(t, cfg.Cache.EnableSmartTTL)

	assert.Equal(t, 10, cfg.Warmer.MaxConcurrentWarmings)
	assert.Equal(t, 1000, cfg.Warmer.QueueCapacity)

	assert.Equal(t, 2.0, cfg.Tiering.HotTTLMultiplier)
	assert.Equal(t, 0.5, cfg.Tiering.ColdTTLMultiplier)
	assert.Equal(t, int64(10), cfg.Tiering.HotAccessCount)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60, cfg.Breaker.RecoveryTimeoutSeconds)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30.0, cfg.Breaker.BaseTimeoutSeconds)
	assert.Equal(t, "adaptive", cfg.Breaker.Strategy)

	assert.Equal(t, 5, cfg.Engine.MaxProviders)
	assert.Equal(t, "first_success", cfg.Engine.Mode)
	assert.Equal(t, "adaptive", cfg.Balancer.Strategy)
	assert.Equal(t, 0.9, cfg.Monitor.TargetHitRate)
}

func TestConfig_LoadFile(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
cache:
  max_entries: 42
balancer:
  strategy: round_robin
  costs:
    openai:
      gpt-x: 0.03
      default: 0.002
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 42, cfg.Cache.MaxEntries)
		assert.Equal(t, "round_robin", cfg.Balancer.Strategy)
		assert.Equal(t, 0.03, cfg.Balancer.Costs["openai"]["gpt-x"])
		// Untouched sections keep their defaults.
		assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load("/does/not/exist.yaml")
		assert.Error(t, err)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("cache: ["), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestConfig_Validation(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max entries", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"negative memory", func(c *Config) { c.Cache.MaxMemoryMB = -1 }},
		{"zero ttl", func(c *Config) { c.Cache.DefaultTTLSeconds = 0 }},
		{"disk cache without dir", func(c *Config) { c.Cache.CacheDir = "" }},
		{"zero warmings", func(c *Config) { c.Warmer.MaxConcurrentWarmings = 0 }},
		{"min above max timeout", func(c *Config) {
			c.Breaker.MinTimeoutSeconds = 200
			c.Breaker.MaxTimeoutSeconds = 100
		}},
		{"unknown breaker strategy", func(c *Config) { c.Breaker.Strategy = "psychic" }},
		{"unknown engine mode", func(c *Config) { c.Engine.Mode = "hope" }},
		{"unknown balancer strategy", func(c *Config) { c.Balancer.Strategy = "coin_flip" }},
		{"hit rate above one", func(c *Config) { c.Monitor.TargetHitRate = 1.5 }},
		{"bad category tier", func(c *Config) {
			c.Tiering.CategoryTiers = map[string]string{"models": "lukewarm"}
		}},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("defaults validate clean", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MODELMUX_ADMIN_PORT", "9999")
	t.Setenv("MODELMUX_REDIS_URL", "redis://elsewhere:6379")
	t.Setenv("MODELMUX_DISK_CACHE", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.AdminPort)
	assert.Equal(t, "redis://elsewhere:6379", cfg.Redis.URL)
	assert.False(t, cfg.Cache.EnableDiskCache)
}
