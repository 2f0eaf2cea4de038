package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"exec-gateway/internal/config"
	"exec-gateway/internal/pricing"
	"exec-gateway/internal/ratelimit"
)

// tierTable applies configured overrides on top of the built-in tiers.
func tierTable(cfg config.TiersConfig) pricing.Table {
	table := pricing.DefaultTable()
	for name, o := range cfg.Overrides {
		tier, err := pricing.ParseTier(name)
		if err != nil {
			continue
		}
		l := table[tier]
		l.CostPerSecond = o.CostPerSecond
		l.CostPerMB = o.CostPerMB
		l.MaxExecutionTime = o.MaxExecutionTime
		l.MaxMemoryBytes = o.MaxMemoryMB * pricing.MiB
		if o.AllowedModules != nil {
			l.AllowedModules = o.AllowedModules
		}
		table[tier] = l
	}
	return table
}

type sweeper interface {
	Run(ctx context.Context, interval time.Duration)
}

// newLimiter builds the configured limiter. The local limiter needs its
// idle entries swept; the returned sweeper is nil for redis.
func newLimiter(cfg *config.Config) (ratelimit.Limiter, sweeper, func(), error) {
	rl := cfg.RateLimit
	if rl.Backend != "redis" {
		local := ratelimit.NewLocal(rl.Requests, rl.Window)
		return local, local, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	return ratelimit.NewRedis(client, rl.KeyPrefix, rl.Requests, rl.Window), nil, func() { _ = client.Close() }, nil
}
