package suppression

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sungwon/notify-relay/internal/storage"
)

// Config selects a Store backend.
type Config struct {
	Type      string // memory, redis, postgres
	KeyPrefix string
}

// New creates the Store selected by cfg.Type. rdb and db are only required
// by the backends that use them.
func New(cfg Config, rdb *redis.Client, db *storage.DB) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("suppression: redis backend requires a redis client")
		}
		prefix := cfg.KeyPrefix
		if prefix == "" {
			prefix = "relay:suppression"
		}
		return NewRedisStore(rdb, prefix), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("suppression: postgres backend requires a database")
		}
		return NewPostgresStore(db.Pool), nil
	default:
		return nil, fmt.Errorf("unknown suppression store type: %s", cfg.Type)
	}
}
