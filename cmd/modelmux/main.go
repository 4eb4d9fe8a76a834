// cmd/modelmux/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FairForge/modelmux/internal/api"
	"github.com/FairForge/modelmux/internal/balancer"
	"github.com/FairForge/modelmux/internal/breaker"
	"github.com/FairForge/modelmux/internal/cache"
	"github.com/FairForge/modelmux/internal/config"
	"github.com/FairForge/modelmux/internal/discovery"
	"github.com/FairForge/modelmux/internal/engine"
	"github.com/FairForge/modelmux/internal/lock"
	"github.com/FairForge/modelmux/internal/provider"
)

func main() {
	configPath := flag.String("config", os.Getenv("MODELMUX_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	// Redis backs the distributed lock; without it batch warming is
	// disabled rather than silently downgraded to a local lock.
	var locker lock.Locker
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.String("url", cfg.Redis.URL), zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, distributed warming disabled", zap.Error(err))
	} else {
		locker = lock.NewRedisLock(redisClient, logger)
		logger.Info("redis connected", zap.String("url", cfg.Redis.URL))
	}
	cancel()

	// Cache stack, innermost first.
	var disk *cache.DiskStore
	if cfg.Cache.EnableDiskCache {
		disk, err = cache.NewDiskStore(cfg.Cache.CacheDir, logger)
		if err != nil {
			logger.Warn("disk cache unavailable, memory only", zap.Error(err))
			disk = nil
		}
	}

	unified := cache.New(cache.Options{
		MaxEntries:      cfg.Cache.MaxEntries,
		MaxMemoryBytes:  cfg.Cache.MaxMemoryMB * 1024 * 1024,
		DefaultTTL:      cfg.Cache.DefaultTTL(),
		CleanupInterval: cfg.Cache.CleanupInterval(),
		EnableSmartTTL:  cfg.Cache.EnableSmartTTL,
		Disk:            disk,
	}, logger)

	registry := provider.NewRegistry()

	warmer := cache.NewWarmer(unified, cache.WarmerOptions{
		MaxConcurrent:  cfg.Warmer.MaxConcurrentWarmings,
		QueueCapacity:  cfg.Warmer.QueueCapacity,
		Schedules:      schedulesFromConfig(cfg.Warmer.Schedules),
		GetterFactory:  engine.ModelGetterFactory(registry),
		EnablePatterns: cfg.Cache.EnablePredictiveWarming,
	}, logger)

	monitor := cache.NewMonitor(unified, cache.MonitorOptions{
		TargetHitRate:   cfg.Monitor.TargetHitRate,
		CheckInterval:   time.Duration(cfg.Monitor.CheckIntervalSeconds) * time.Second,
		ExpirationAlert: cfg.Monitor.ExpirationAlert,
	}, logger)

	tiered := cache.NewTieredManager(unified, warmer, monitor, locker, cache.TierOptions{
		HotTTLMultiplier:  cfg.Tiering.HotTTLMultiplier,
		WarmTTLMultiplier: cfg.Tiering.WarmTTLMultiplier,
		ColdTTLMultiplier: cfg.Tiering.ColdTTLMultiplier,
		HotAccessCount:    cfg.Tiering.HotAccessCount,
		WarmAccessCount:   cfg.Tiering.WarmAccessCount,
		CategoryTiers:     tiersFromConfig(cfg.Tiering.CategoryTiers),
		MaxBatchWarmers:   cfg.Warmer.MaxConcurrentWarmings,
	}, logger)

	// Routing stack.
	disc := discovery.New(registry, discovery.Options{
		ProbeInterval: time.Duration(cfg.Discovery.ProbeIntervalSeconds) * time.Second,
	}, logger)

	pool := breaker.NewPool(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutSeconds) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		BaseTimeout:      time.Duration(cfg.Breaker.BaseTimeoutSeconds * float64(time.Second)),
		MinTimeout:       time.Duration(cfg.Breaker.MinTimeoutSeconds * float64(time.Second)),
		MaxTimeout:       time.Duration(cfg.Breaker.MaxTimeoutSeconds * float64(time.Second)),
		AdaptationFactor: cfg.Breaker.AdaptationFactor,
		Strategy:         breaker.TimeoutStrategy(cfg.Breaker.Strategy),
	}, disc, logger)

	bal := balancer.New(disc, cfg.Balancer.Costs, logger)

	parallel := engine.NewParallel(registry, disc, pool, bal, engine.Options{
		MaxProviders: cfg.Engine.MaxProviders,
		RunTimeout:   time.Duration(cfg.Engine.RunTimeoutSeconds) * time.Second,
		Mode:         engine.Mode(cfg.Engine.Mode),
	}, logger)

	orch := engine.NewOrchestrator(tiered, warmer, monitor, disc, pool, bal, parallel, registry, logger)
	orch.Start()

	// Live cost-table refresh: edits to the config file reach the balancer
	// without a restart.
	if *configPath != "" {
		watchCtx, watchCancel := context.WithCancel(context.Background())
		defer watchCancel()
		if err := config.Watch(watchCtx, *configPath, logger, func(next *config.Config) {
			bal.SetCosts(next.Balancer.Costs)
		}); err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	server := api.NewServer(orch, cfg.Server.AdminPort, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_ = server.Shutdown(ctx)
		_ = orch.Shutdown(ctx)
		_ = redisClient.Close()
		os.Exit(0)
	}()

	fmt.Printf("modelmux admin on :%d (disk cache: %v, redis: %v)\n",
		cfg.Server.AdminPort, disk != nil, locker != nil)

	if err := server.Start(); err != nil {
		logger.Fatal("admin server failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func schedulesFromConfig(configs []config.ScheduleConfig) []cache.Schedule {
	schedules := make([]cache.Schedule, 0, len(configs))
	for _, sc := range configs {
		schedules = append(schedules, cache.Schedule{
			Name:             sc.Name,
			Interval:         time.Duration(sc.IntervalSeconds) * time.Second,
			Enabled:          sc.Enabled,
			Priority:         sc.Priority,
			TargetCategories: sc.TargetCategories,
			MaxConcurrent:    sc.MaxConcurrent,
		})
	}
	return schedules
}

func tiersFromConfig(tiers map[string]string) map[string]cache.Tier {
	if len(tiers) == 0 {
		return nil
	}
	out := make(map[string]cache.Tier, len(tiers))
	for category, tier := range tiers {
		out[category] = cache.Tier(tier)
	}
	return out
}
