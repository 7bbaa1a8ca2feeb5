package suppression

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per recipient, field = reason and value = the
// recorded_at unix milliseconds, plus a counter of entries.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a RedisStore with keys under prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(recipient string) string { return s.prefix + ":r:" + recipient }
func (s *RedisStore) countKey() string             { return s.prefix + ":count" }

func (s *RedisStore) Add(ctx context.Context, e Entry) (bool, error) {
	e, err := e.normalized()
	if err != nil {
		return false, err
	}

	created, err := s.client.HSetNX(ctx, s.key(e.Recipient), string(e.Reason),
		strconv.FormatInt(e.RecordedAt.UnixMilli(), 10)).Result()
	if err != nil {
		return false, fmt.Errorf("redis add suppression: %w", err)
	}
	if created {
		if err := s.client.Incr(ctx, s.countKey()).Err(); err != nil {
			return true, fmt.Errorf("redis incr suppression count: %w", err)
		}
	}
	return created, nil
}

func (s *RedisStore) Find(ctx context.Context, recipient string) ([]Entry, error) {
	addr := NormalizeAddress(recipient)
	fields, err := s.client.HGetAll(ctx, s.key(addr)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis find suppression: %w", err)
	}

	out := make([]Entry, 0, len(fields))
	for reason, at := range fields {
		ms, _ := strconv.ParseInt(at, 10, 64)
		out = append(out, Entry{Recipient: addr, Reason: Reason(reason), RecordedAt: time.UnixMilli(ms).UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, s.countKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis suppression count: %w", err)
	}
	return n, nil
}
