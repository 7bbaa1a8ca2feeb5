package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// receiveScript requeues or dead-letters expired leases, then leases up to
// ARGV[3] ready messages. Every key it touches is declared in KEYS; the
// lease_expired history entries are written by the caller from the returned
// pairs.
//
// KEYS: ready, inflight, msg, rc, token, dlq, dlqat
// ARGV: now_ms, visibility_ms, max, max_receive
// Returns: {dead, {key, expired_at_ms, ...}, token, body, rc, ...}
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local maxReceive = tonumber(ARGV[4])
local dead = 0

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'WITHSCORES')
for i = 1, #expired, 2 do
  local key = expired[i]
  redis.call('ZREM', KEYS[2], key)
  redis.call('HDEL', KEYS[5], key)
  if tonumber(redis.call('HGET', KEYS[4], key) or '0') >= maxReceive then
    redis.call('RPUSH', KEYS[6], key)
    redis.call('HSET', KEYS[7], key, now)
    dead = dead + 1
  else
    redis.call('ZADD', KEYS[1], now, key)
  end
end

local out = {dead, expired}
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
for _, key in ipairs(ready) do
  redis.call('ZREM', KEYS[1], key)
  local body = redis.call('HGET', KEYS[3], key)
  if body then
    local rc = redis.call('HINCRBY', KEYS[4], key, 1)
    local tok = key .. '#' .. rc
    redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), key)
    redis.call('HSET', KEYS[5], key, tok)
    table.insert(out, tok)
    table.insert(out, body)
    table.insert(out, rc)
  end
end
return out
`)

// ackScript deletes a message if the receipt still holds a live lease.
//
// KEYS: inflight, msg, rc, token, history
// ARGV: key, token, now_ms
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then return 0 end
if tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1]) or '0') <= tonumber(ARGV[3]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[5])
return 1
`)

// failScript records a failed attempt and either reschedules the message or
// moves it to the dead-letter list. Returns 0 stale, 1 rescheduled, 2 dead.
//
// KEYS: inflight, ready, rc, token, history, dlq, dlqat
// ARGV: key, token, now_ms, delay_ms, max_receive, attempt_json
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then return 0 end
if tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1]) or '0') <= tonumber(ARGV[3]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('RPUSH', KEYS[5], ARGV[6])
if tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or '0') >= tonumber(ARGV[5]) then
  redis.call('RPUSH', KEYS[6], ARGV[1])
  redis.call('HSET', KEYS[7], ARGV[1], ARGV[3])
  return 2
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
return 1
`)

// replayScript moves one dead-lettered message back to the ready set.
//
// KEYS: dlq, ready, rc, history, dlqat
// ARGV: key, now_ms
var replayScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[3], ARGV[1], 0)
redis.call('DEL', KEYS[4])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// redisAttempt is the stored form of an Attempt; the receive script writes
// lease expiries in this shape without a JSON encoder.
type redisAttempt struct {
	At     float64   `json:"at"` // unix millis
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
}

// RedisBroker is a Broker built on Redis sorted sets and hashes. All state
// transitions run as Lua scripts so concurrent consumers never observe a
// half-moved message.
type RedisBroker struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	maxReceive int
	now        func() time.Time
	log        zerolog.Logger
}

// NewRedisBroker creates a RedisBroker whose keys live under
// "relay:queue:{<cfg.Name>}". The hash tag keeps every key of one queue,
// failure histories included, in a single Redis Cluster slot.
func NewRedisBroker(client *redis.Client, cfg Config, log zerolog.Logger) *RedisBroker {
	cfg = cfg.withDefaults()
	return &RedisBroker{
		client:     client,
		prefix:     redisQueuePrefix(cfg.Name),
		visibility: cfg.VisibilityTimeout,
		maxReceive: cfg.MaxReceiveCount,
		now:        time.Now,
		log:        log,
	}
}

func redisQueuePrefix(name string) string {
	return "relay:queue:{" + name + "}"
}

func (b *RedisBroker) readyKey() string    { return b.prefix + ":ready" }
func (b *RedisBroker) inflightKey() string { return b.prefix + ":inflight" }
func (b *RedisBroker) msgKey() string      { return b.prefix + ":msg" }
func (b *RedisBroker) rcKey() string       { return b.prefix + ":rc" }
func (b *RedisBroker) tokenKey() string    { return b.prefix + ":token" }
func (b *RedisBroker) dlqKey() string      { return b.prefix + ":dlq" }
func (b *RedisBroker) dlqAtKey() string    { return b.prefix + ":dlqat" }
func (b *RedisBroker) historyPrefix() string {
	return b.prefix + ":hist:"
}

func (b *RedisBroker) Enqueue(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m := *msg
	m.ReceiveCount = 0
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = b.now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := uuid.Must(uuid.NewV7()).String()
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.msgKey(), key, data)
		p.HSet(ctx, b.rcKey(), key, 0)
		p.ZAdd(ctx, b.readyKey(), redis.Z{Score: float64(b.now().UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}

	MessagesEnqueuedTotal.Inc()
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context, max int) ([]Delivery, error) {
	res, err := receiveScript.Run(ctx, b.client,
		[]string{b.readyKey(), b.inflightKey(), b.msgKey(), b.rcKey(), b.tokenKey(), b.dlqKey(), b.dlqAtKey()},
		b.now().UnixMilli(), b.visibility.Milliseconds(), max, b.maxReceive,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	if dead, _ := res[0].(int64); dead > 0 {
		DeadLetteredTotal.WithLabelValues(string(KindLeaseExpired)).Add(float64(dead))
		FailuresTotal.WithLabelValues(string(KindLeaseExpired)).Add(float64(dead))
	}
	if expired, _ := res[1].([]interface{}); len(expired) > 0 {
		b.recordLeaseExpiries(ctx, expired)
	}

	out := make([]Delivery, 0, (len(res)-2)/3)
	for i := 2; i+2 < len(res); i += 3 {
		token, _ := res[i].(string)
		body, _ := res[i+1].(string)
		rc, _ := res[i+2].(int64)

		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			// Leave it leased; it will expire and eventually dead-letter.
			b.log.Error().Err(err).Str("receipt", token).Msg("malformed message in redis queue")
			continue
		}
		msg.ReceiveCount = int(rc)
		out = append(out, Delivery{Message: msg, ReceiptHandle: token})
	}

	MessagesReceivedTotal.Add(float64(len(out)))
	return out, nil
}

// recordLeaseExpiries appends a lease_expired attempt for each (key, at)
// pair returned by receiveScript.
func (b *RedisBroker) recordLeaseExpiries(ctx context.Context, pairs []interface{}) {
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i := 0; i+1 < len(pairs); i += 2 {
			key, _ := pairs[i].(string)
			at, _ := pairs[i+1].(string)
			if key == "" {
				continue
			}
			if _, err := strconv.ParseFloat(at, 64); err != nil {
				at = strconv.FormatInt(b.now().UnixMilli(), 10)
			}
			p.RPush(ctx, b.historyPrefix()+key, `{"at":`+at+`,"kind":"`+string(KindLeaseExpired)+`"}`)
		}
		return nil
	})
	if err != nil {
		b.log.Warn().Err(err).Int("expired", len(pairs)/2).Msg("failed to record lease expiries")
	}
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	key, ok := redisReceiptKey(d.ReceiptHandle)
	if !ok {
		return fmt.Errorf("%w: %q", ErrStaleReceipt, d.ReceiptHandle)
	}
	n, err := ackScript.Run(ctx, b.client,
		[]string{b.inflightKey(), b.msgKey(), b.rcKey(), b.tokenKey(), b.historyPrefix() + key},
		key, d.ReceiptHandle, b.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("ack message %s: %w", d.Message.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", ErrStaleReceipt, d.Message.ID)
	}
	return nil
}

func (b *RedisBroker) Fail(ctx context.Context, d Delivery, f Failure) error {
	key, ok := redisReceiptKey(d.ReceiptHandle)
	if !ok {
		return fmt.Errorf("%w: %q", ErrStaleReceipt, d.ReceiptHandle)
	}

	now := b.now()
	attempt, err := json.Marshal(redisAttempt{At: float64(now.UnixMilli()), Kind: f.Kind, Reason: f.Reason})
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	n, err := failScript.Run(ctx, b.client,
		[]string{b.inflightKey(), b.readyKey(), b.rcKey(), b.tokenKey(), b.historyPrefix() + key, b.dlqKey(), b.dlqAtKey()},
		key, d.ReceiptHandle, now.UnixMilli(), f.RetryAfter.Milliseconds(), b.maxReceive, attempt,
	).Int()
	if err != nil {
		return fmt.Errorf("fail message %s: %w", d.Message.ID, err)
	}

	switch n {
	case 0:
		return fmt.Errorf("%w: message %s", ErrStaleReceipt, d.Message.ID)
	case 2:
		DeadLetteredTotal.WithLabelValues(string(f.Kind)).Inc()
		b.log.Warn().
			Str("message_id", d.Message.ID).
			Int("receive_count", d.Message.ReceiveCount).
			Str("error_kind", string(f.Kind)).
			Msg("message moved to dead-letter queue")
	}
	FailuresTotal.WithLabelValues(string(f.Kind)).Inc()
	return nil
}

func (b *RedisBroker) Depth(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, b.dlqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq depth: %w", err)
	}
	return n, nil
}

func (b *RedisBroker) List(ctx context.Context, limit int) ([]DLQEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := b.client.LRange(ctx, b.dlqKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}

	type row struct {
		msg  *redis.StringCmd
		rc   *redis.StringCmd
		at   *redis.StringCmd
		hist *redis.StringSliceCmd
	}
	rows := make([]row, len(keys))
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range keys {
			rows[i] = row{
				msg:  p.HGet(ctx, b.msgKey(), key),
				rc:   p.HGet(ctx, b.rcKey(), key),
				at:   p.HGet(ctx, b.dlqAtKey(), key),
				hist: p.LRange(ctx, b.historyPrefix()+key, 0, -1),
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read dlq entries: %w", err)
	}

	out := make([]DLQEntry, 0, len(keys))
	for _, r := range rows {
		var msg Message
		if err := json.Unmarshal([]byte(r.msg.Val()), &msg); err != nil {
			continue
		}
		msg.ReceiveCount, _ = strconv.Atoi(r.rc.Val())

		history := make([]Attempt, 0, len(r.hist.Val()))
		for _, raw := range r.hist.Val() {
			var ra redisAttempt
			if err := json.Unmarshal([]byte(raw), &ra); err != nil {
				continue
			}
			history = append(history, Attempt{
				AttemptAt: time.UnixMilli(int64(ra.At)).UTC(),
				ErrorKind: ra.Kind,
				Reason:    ra.Reason,
			})
		}

		entry := DLQEntry{Message: msg, FailureHistory: history, LastError: lastError(history)}
		if ms, err := strconv.ParseFloat(r.at.Val(), 64); err == nil {
			entry.DeadLetteredAt = time.UnixMilli(int64(ms)).UTC()
		}
		out = append(out, entry)
	}
	return out, nil
}

func (b *RedisBroker) Replay(ctx context.Context, messageIDs []string) (int, error) {
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	keys, err := b.client.LRange(ctx, b.dlqKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list dlq: %w", err)
	}

	replayed := 0
	for _, key := range keys {
		raw, err := b.client.HGet(ctx, b.msgKey(), key).Result()
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil || !want[msg.ID] {
			continue
		}

		n, err := replayScript.Run(ctx, b.client,
			[]string{b.dlqKey(), b.readyKey(), b.rcKey(), b.historyPrefix() + key, b.dlqAtKey()},
			key, b.now().UnixMilli(),
		).Int()
		if err != nil {
			return replayed, fmt.Errorf("replay message %s: %w", msg.ID, err)
		}
		replayed += n
	}

	ReplayedTotal.Add(float64(replayed))
	return replayed, nil
}

func redisReceiptKey(handle string) (string, bool) {
	i := strings.LastIndexByte(handle, '#')
	if i <= 0 {
		return "", false
	}
	return handle[:i], true
}
