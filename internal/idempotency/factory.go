package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// New creates the Store selected by cfg.Type. A memory store is swept in the
// background until ctx is cancelled.
func New(ctx context.Context, cfg Config, rdb *redis.Client) (Store, error) {
	cfg = cfg.withDefaults()

	switch cfg.Type {
	case "memory", "":
		s := NewMemoryStore(cfg.TTL, nil)
		go s.Run(ctx, cfg.SweepInterval)
		return s, nil

	case "redis":
		if rdb == nil {
			return nil, errors.New("idempotency: redis backend requires a redis client")
		}
		return NewRedisStore(rdb, cfg.KeyPrefix, cfg.TTL), nil

	case "dynamodb":
		if cfg.DynamoTable == "" {
			return nil, errors.New("idempotency: dynamodb backend requires a table name")
		}
		client, err := NewDynamoClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, fmt.Errorf("create dynamodb client: %w", err)
		}
		return NewDynamoStore(client, cfg.DynamoTable, cfg.TTL), nil

	default:
		return nil, fmt.Errorf("unknown idempotency store type: %s", cfg.Type)
	}
}
