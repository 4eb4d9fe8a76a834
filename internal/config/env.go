package config

import (
	"os"
	"strconv"
)

// applyEnv overrides file values with environment variables. Only the knobs
// an operator realistically flips per-deployment get an override.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MODELMUX_ADMIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.AdminPort = port
		}
	}
	if v := os.Getenv("MODELMUX_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("MODELMUX_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MODELMUX_CACHE_DIR"); v != "" {
		cfg.Cache.CacheDir = v
	}
	if v := os.Getenv("MODELMUX_DISK_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.EnableDiskCache = b
		}
	}
	if v := os.Getenv("MODELMUX_MAX_MEMORY_MB"); v != "" {
		if mb, err := strconv.ParseInt(v, 10, 64); err == nil && mb > 0 {
			cfg.Cache.MaxMemoryMB = mb
		}
	}
}
