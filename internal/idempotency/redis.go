package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Records are hashes {status, receipt, reason, first_seen} with a native
// key TTL. first_seen is unix milliseconds.

// claimScript inserts an IN_PROGRESS record if the key is absent and
// otherwise returns the stored fields.
// KEYS[1] record key; ARGV[1] first_seen ms, ARGV[2] ttl ms.
var claimScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'first_seen', 'receipt', 'reason')
if cur[1] then
  return {cur[1], cur[2] or '0', cur[3] or '', cur[4] or ''}
end
redis.call('HSET', KEYS[1], 'status', 'IN_PROGRESS', 'first_seen', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {'NEW', ARGV[1], '', ''}
`)

// takeoverScript swaps first_seen only if the claim is unchanged.
// KEYS[1] record key; ARGV[1] expected first_seen, ARGV[2] new first_seen.
var takeoverScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'first_seen')
if cur[1] ~= 'IN_PROGRESS' or cur[2] ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'first_seen', ARGV[2])
return 1
`)

// markScript sets a final status unless the record is already COMPLETED.
// KEYS[1] record key; ARGV: status, receipt, reason, now ms, ttl ms.
var markScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'COMPLETED' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'receipt', ARGV[2], 'reason', ARGV[3])
if redis.call('HEXISTS', KEYS[1], 'first_seen') == 0 then
  redis.call('HSET', KEYS[1], 'first_seen', ARGV[4])
end
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// RedisStore is a Store backed by Redis hashes.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a RedisStore whose keys are prefix:<message id>.
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(id string) string { return s.prefix + ":" + id }

func (s *RedisStore) TryClaim(ctx context.Context, messageID string, now time.Time) (ClaimResult, error) {
	vals, err := claimScript.Run(ctx, s.client, []string{s.key(messageID)},
		toMillis(now), s.ttl.Milliseconds()).StringSlice()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("redis claim %s: %w", messageID, err)
	}
	if len(vals) != 4 {
		return ClaimResult{}, fmt.Errorf("redis claim %s: unexpected reply length %d", messageID, len(vals))
	}

	ms, err := strconv.ParseInt(vals[1], 10, 64)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("redis claim %s: bad first_seen %q", messageID, vals[1])
	}
	if vals[0] == "NEW" {
		return ClaimResult{Outcome: NewClaim, Since: fromMillis(ms)}, nil
	}
	return resultFor(Status(vals[0]), fromMillis(ms), vals[2], vals[3]), nil
}

func (s *RedisStore) TakeOver(ctx context.Context, messageID string, since, now time.Time) (bool, error) {
	n, err := takeoverScript.Run(ctx, s.client, []string{s.key(messageID)},
		strconv.FormatInt(toMillis(since), 10), toMillis(now)).Int()
	if err != nil {
		return false, fmt.Errorf("redis takeover %s: %w", messageID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) MarkCompleted(ctx context.Context, messageID, receiptID string) error {
	return s.mark(ctx, messageID, StatusCompleted, receiptID, "")
}

func (s *RedisStore) MarkPermanentFailure(ctx context.Context, messageID, reason string) error {
	return s.mark(ctx, messageID, StatusFailedPermanent, "", reason)
}

func (s *RedisStore) mark(ctx context.Context, id string, status Status, receipt, reason string) error {
	err := markScript.Run(ctx, s.client, []string{s.key(id)},
		string(status), receipt, reason, toMillis(s.now()), s.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis mark %s %s: %w", id, status, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, messageID string) (*Record, error) {
	key := s.key(messageID)

	var fields *redis.MapStringStringCmd
	var ttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get %s: %w", messageID, err)
	}

	m := fields.Val()
	if len(m) == 0 {
		return nil, ErrNotFound
	}

	ms, _ := strconv.ParseInt(m["first_seen"], 10, 64)
	rec := &Record{
		MessageID:         messageID,
		Status:            Status(m["status"]),
		ProviderReceiptID: m["receipt"],
		FailureReason:     m["reason"],
		FirstSeenAt:       fromMillis(ms),
	}
	if d := ttl.Val(); d > 0 {
		rec.ExpiresAt = s.now().Add(d).UTC()
	}
	return rec, nil
}

// Size counts record keys with SCAN. It is O(keyspace) and meant for the
// metrics collector, not hot paths.
func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	var count int64
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 500).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan %s: %w", s.prefix, err)
	}
	return count, nil
}
