package limiter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes a slot only if it still holds our token, so a lease
// that expired and was taken by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a distributed Limiter. Each of Max slots is a key holding the
// token of its current owner with a TTL of LeaseTTL; a crashed worker's slot
// frees itself when the lease runs out.
type Redis struct {
	client   redis.Cmdable
	key      string
	max      int
	leaseTTL time.Duration
	retry    time.Duration
	log      zerolog.Logger
}

// NewRedis creates a Redis limiter.
func NewRedis(client redis.Cmdable, cfg Config, log zerolog.Logger) *Redis {
	cfg = cfg.withDefaults()
	return &Redis{
		client:   client,
		key:      cfg.Key,
		max:      cfg.Max,
		leaseTTL: cfg.LeaseTTL,
		retry:    cfg.Retry,
		log:      log,
	}
}

func (r *Redis) slotKey(i int) string { return r.key + ":slot:" + strconv.Itoa(i) }

func (r *Redis) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	token := uuid.NewString()

	for {
		slot, err := r.tryAcquire(ctx, token)
		if err != nil {
			return nil, err
		}
		if slot >= 0 {
			observeWait(start)
			return r.releaser(slot, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

// tryAcquire returns the slot index taken, or -1 when every slot is held.
func (r *Redis) tryAcquire(ctx context.Context, token string) (int, error) {
	for i := 0; i < r.max; i++ {
		ok, err := r.client.SetNX(ctx, r.slotKey(i), token, r.leaseTTL).Result()
		if err != nil {
			return -1, fmt.Errorf("limiter: acquire slot: %w", err)
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

func (r *Redis) releaser(slot int, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.slotKey(slot)}, token).Err(); err != nil {
				r.log.Warn().Err(err).Int("slot", slot).Msg("failed to release limiter slot; lease will expire")
			}
		})
	}
}

// InUse counts currently held slots.
func (r *Redis) InUse(ctx context.Context) (int, error) {
	keys := make([]string, r.max)
	for i := range keys {
		keys[i] = r.slotKey(i)
	}
	n, err := r.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("limiter: count slots: %w", err)
	}
	return int(n), nil
}
