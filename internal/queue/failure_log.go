package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureLog keeps the ordered failure history of a message for backends
// that do not track it themselves (SQS redrive moves only the body).
type FailureLog interface {
	Append(ctx context.Context, messageID string, a Attempt) error
	History(ctx context.Context, messageID string) ([]Attempt, error)
	Clear(ctx context.Context, messageID string) error
}

// MemoryFailureLog is an in-process FailureLog.
type MemoryFailureLog struct {
	mu      sync.Mutex
	entries map[string][]Attempt
}

// NewMemoryFailureLog creates an empty MemoryFailureLog.
func NewMemoryFailureLog() *MemoryFailureLog {
	return &MemoryFailureLog{entries: make(map[string][]Attempt)}
}

func (l *MemoryFailureLog) Append(_ context.Context, messageID string, a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[messageID] = append(l.entries[messageID], a)
	return nil
}

func (l *MemoryFailureLog) History(_ context.Context, messageID string) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.entries[messageID]
	out := make([]Attempt, len(h))
	copy(out, h)
	return out, nil
}

func (l *MemoryFailureLog) Clear(_ context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, messageID)
	return nil
}

// RedisFailureLog stores each history as a Redis list that expires after ttl
// of inactivity.
type RedisFailureLog struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisFailureLog creates a RedisFailureLog with keys "<prefix>:<id>".
func NewRedisFailureLog(client redis.Cmdable, prefix string, ttl time.Duration) *RedisFailureLog {
	return &RedisFailureLog{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisFailureLog) key(messageID string) string {
	return l.prefix + ":" + messageID
}

func (l *RedisFailureLog) Append(ctx context.Context, messageID string, a Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	key := l.key(messageID)
	_, err = l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.Expire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append failure history %s: %w", messageID, err)
	}
	return nil
}

func (l *RedisFailureLog) History(ctx context.Context, messageID string) ([]Attempt, error) {
	raw, err := l.client.LRange(ctx, l.key(messageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read failure history %s: %w", messageID, err)
	}
	out := make([]Attempt, 0, len(raw))
	for _, r := range raw {
		var a Attempt
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (l *RedisFailureLog) Clear(ctx context.Context, messageID string) error {
	if err := l.client.Del(ctx, l.key(messageID)).Err(); err != nil {
		return fmt.Errorf("clear failure history %s: %w", messageID, err)
	}
	return nil
}
