// Package limiter bounds how many batches run at once, either inside one
// process or across every worker sharing a Redis instance.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/metrics"
)

// Limiter hands out concurrency slots. Acquire blocks until a slot is free
// or ctx is done. The returned release func must be called exactly once.
type Limiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Config holds configuration for creating a Limiter.
type Config struct {
	Type     string // local, redis
	Max      int
	LeaseTTL time.Duration
	Retry    time.Duration
	Key      string
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.Retry <= 0 {
		c.Retry = 200 * time.Millisecond
	}
	if c.Key == "" {
		c.Key = "relay:limiter"
	}
	return c
}

// New creates the Limiter selected by cfg.Type. The redis type requires rdb.
func New(cfg Config, rdb *redis.Client, log zerolog.Logger) (Limiter, error) {
	cfg = cfg.withDefaults()
	switch cfg.Type {
	case "local", "":
		return NewLocal(cfg.Max), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("limiter: redis type requires a redis client")
		}
		return NewRedis(rdb, cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported limiter type: %s", cfg.Type)
	}
}

func observeWait(start time.Time) {
	metrics.LimiterWaitDuration.Observe(time.Since(start).Seconds())
}
