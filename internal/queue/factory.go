package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/sqsclient"
)

// New creates the Broker selected by cfg.Type. rdb may be nil unless the
// redis backend is selected; for sqs it is used to hold failure history when
// present.
func New(ctx context.Context, cfg Config, rdb *redis.Client, log zerolog.Logger) (Broker, error) {
	cfg = cfg.withDefaults()

	switch cfg.Type {
	case "memory", "":
		return NewMemoryBroker(cfg), nil

	case "redis":
		if rdb == nil {
			return nil, errors.New("queue: redis backend requires a redis client")
		}
		return NewRedisBroker(rdb, cfg, log), nil

	case "sqs":
		client, err := sqsclient.New(ctx, cfg.SQSRegion, cfg.SQSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("create sqs client: %w", err)
		}
		var history FailureLog = NewMemoryFailureLog()
		if rdb != nil {
			history = NewRedisFailureLog(rdb, redisQueuePrefix(cfg.Name)+":hist", cfg.HistoryTTL)
		}
		return NewSQSBroker(client, cfg, history, log), nil

	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Type)
	}
}
