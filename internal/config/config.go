package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Warmer    WarmerConfig    `yaml:"warmer"`
	Tiering   TieringConfig   `yaml:"tiering"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Engine    EngineConfig    `yaml:"engine"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Redis     RedisConfig     `yaml:"redis"`
}

type ServerConfig struct {
	AdminPort int    `yaml:"admin_port"`
	LogLevel  string `yaml:"log_level"`
}

type CacheConfig struct {
	MaxEntries              int    `yaml:"max_entries"`
	MaxMemoryMB             int64  `yaml:"max_memory_mb"`
	DefaultTTLSeconds       int    `yaml:"default_ttl_seconds"`
	EnableDiskCache         bool   `yaml:"enable_disk_cache"`
	CacheDir                string `yaml:"cache_dir"`
	CleanupIntervalSeconds  int    `yaml:"cleanup_interval_seconds"`
	EnableSmartTTL          bool   `yaml:"enable_smart_ttl"`
	EnablePredictiveWarming bool   `yaml:"enable_predictive_warming"`
}

func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

type WarmerConfig struct {
	MaxConcurrentWarmings int              `yaml:"max_concurrent_warmings"`
	QueueCapacity         int              `yaml:"warming_queue_capacity"`
	Schedules             []ScheduleConfig `yaml:"schedules"`
}

type ScheduleConfig struct {
	Name             string   `yaml:"name"`
	IntervalSeconds  int      `yaml:"interval_seconds"`
	Enabled          bool     `yaml:"enabled"`
	Priority         int      `yaml:"priority"`
	TargetCategories []string `yaml:"target_categories"`
	MaxConcurrent    int      `yaml:"max_concurrent"`
}

type TieringConfig struct {
	HotTTLMultiplier  float64           `yaml:"hot_ttl_multiplier"`
	WarmTTLMultiplier float64           `yaml:"warm_ttl_multiplier"`
	ColdTTLMultiplier float64           `yaml:"cold_ttl_multiplier"`
	HotAccessCount    int64             `yaml:"hot_access_count"`
	WarmAccessCount   int64             `yaml:"warm_access_count"`
	CategoryTiers     map[string]string `yaml:"category_tiers"`
}

type BreakerConfig struct {
	FailureThreshold       int     `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int     `yaml:"recovery_timeout_seconds"`
	SuccessThreshold       int     `yaml:"success_threshold"`
	BaseTimeoutSeconds     float64 `yaml:"base_timeout_seconds"`
	MinTimeoutSeconds      float64 `yaml:"min_timeout_seconds"`
	MaxTimeoutSeconds      float64 `yaml:"max_timeout_seconds"`
	AdaptationFactor       float64 `yaml:"adaptation_factor"`
	Strategy               string  `yaml:"strategy"`
}

type EngineConfig struct {
	MaxProviders      int    `yaml:"max_providers"`
	RunTimeoutSeconds int    `yaml:"run_timeout_seconds"`
	Mode              string `yaml:"mode"`
}

type BalancerConfig struct {
	Strategy string                        `yaml:"strategy"`
	Costs    map[string]map[string]float64 `yaml:"costs"` // provider -> model -> $/token
}

type MonitorConfig struct {
	TargetHitRate        float64 `yaml:"target_hit_rate"`
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	ExpirationAlert      int64   `yaml:"expiration_alert_threshold"`
}

type DiscoveryConfig struct {
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminPort: 8080,
			LogLevel:  "info",
		},
		Cache: CacheConfig{
			MaxEntries:              10000,
			MaxMemoryMB:             512,
			DefaultTTLSeconds:       1800,
			EnableDiskCache:         true,
			CacheDir:                ".cache/modelmux",
			CleanupIntervalSeconds:  300,
			EnableSmartTTL:          true,
			EnablePredictiveWarming: true,
		},
		Warmer: WarmerConfig{
			MaxConcurrentWarmings: 10,
			QueueCapacity:         1000,
		},
		Tiering: TieringConfig{
			HotTTLMultiplier:  2.0,
			WarmTTLMultiplier: 1.0,
			ColdTTLMultiplier: 0.5,
			HotAccessCount:    10,
			WarmAccessCount:   3,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 60,
			SuccessThreshold:       3,
			BaseTimeoutSeconds:     30,
			MinTimeoutSeconds:      5,
			MaxTimeoutSeconds:      120,
			AdaptationFactor:       0.1,
			Strategy:               "adaptive",
		},
		Engine: EngineConfig{
			MaxProviders:      5,
			RunTimeoutSeconds: 30,
			Mode:              "first_success",
		},
		Balancer: BalancerConfig{
			Strategy: "adaptive",
		},
		Monitor: MonitorConfig{
			TargetHitRate:        0.9,
			CheckIntervalSeconds: 60,
			ExpirationAlert:      100,
		},
		Discovery: DiscoveryConfig{
			ProbeIntervalSeconds: 60,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379",
		},
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides, and validates. A validation failure is fatal to startup.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxMemoryMB <= 0 {
		return fmt.Errorf("cache.max_memory_mb must be positive, got %d", c.Cache.MaxMemoryMB)
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("cache.default_ttl_seconds must be positive, got %d", c.Cache.DefaultTTLSeconds)
	}
	if c.Cache.EnableDiskCache && c.Cache.CacheDir == "" {
		return fmt.Errorf("cache.cache_dir required when disk cache is enabled")
	}
	if c.Warmer.MaxConcurrentWarmings <= 0 {
		return fmt.Errorf("warmer.max_concurrent_warmings must be positive")
	}
	if c.Warmer.QueueCapacity <= 0 {
		return fmt.Errorf("warmer.warming_queue_capacity must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Breaker.MinTimeoutSeconds > c.Breaker.MaxTimeoutSeconds {
		return fmt.Errorf("breaker.min_timeout_seconds %v exceeds max_timeout_seconds %v",
			c.Breaker.MinTimeoutSeconds, c.Breaker.MaxTimeoutSeconds)
	}
	switch c.Breaker.Strategy {
	case "fixed", "adaptive", "quantile", "predictive":
	default:
		return fmt.Errorf("breaker.strategy %q unknown", c.Breaker.Strategy)
	}
	if c.Engine.MaxProviders <= 0 {
		return fmt.Errorf("engine.max_providers must be positive")
	}
	switch c.Engine.Mode {
	case "first_success", "best_response", "load_balanced", "adaptive":
	default:
		return fmt.Errorf("engine.mode %q unknown", c.Engine.Mode)
	}
	switch c.Balancer.Strategy {
	case "round_robin", "least_connections", "weighted_random",
		"least_latency", "cost_optimized", "adaptive":
	default:
		return fmt.Errorf("balancer.strategy %q unknown", c.Balancer.Strategy)
	}
	if c.Monitor.TargetHitRate <= 0 || c.Monitor.TargetHitRate > 1 {
		return fmt.Errorf("monitor.target_hit_rate must be in (0, 1], got %v", c.Monitor.TargetHitRate)
	}
	for name, tier := range c.Tiering.CategoryTiers {
		switch tier {
		case "hot", "warm", "cold":
		default:
			return fmt.Errorf("tiering.category_tiers[%s]: %q is not a tier", name, tier)
		}
	}
	return nil
}
