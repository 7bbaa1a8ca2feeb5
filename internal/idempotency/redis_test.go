package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, clock *testClock) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisStore(client, "test:idem", time.Hour)
	s.now = clock.Now
	return s, mr
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *testClock) Store {
		s, _ := newRedisStore(t, clock)
		return s
	})
}

func TestRedisStore_TTL(t *testing.T) {
	clock := newTestClock()
	s, mr := newRedisStore(t, clock)
	ctx := context.Background()

	_, _ = s.TryClaim(ctx, "msg-1", clock.Now())
	_ = s.MarkCompleted(ctx, "msg-1", "r")

	if ttl := mr.TTL("test:idem:msg-1"); ttl != time.Hour {
		t.Errorf("expected key ttl 1h, got %v", ttl)
	}

	mr.FastForward(time.Hour + time.Second)

	res, err := s.TryClaim(ctx, "msg-1", clock.Now())
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if res.Outcome != NewClaim {
		t.Errorf("expected expired key to be reclaimable, got %v", res.Outcome)
	}
}

func TestRedisStore_MarkKeepsTTL(t *testing.T) {
	clock := newTestClock()
	s, mr := newRedisStore(t, clock)
	ctx := context.Background()

	_, _ = s.TryClaim(ctx, "msg-1", clock.Now())
	mr.FastForward(10 * time.Minute)
	_ = s.MarkCompleted(ctx, "msg-1", "r")

	if ttl := mr.TTL("test:idem:msg-1"); ttl != 50*time.Minute {
		t.Errorf("expected mark to keep remaining ttl 50m, got %v", ttl)
	}
}

func TestRedisStore_Size(t *testing.T) {
	clock := newTestClock()
	s, mr := newRedisStore(t, clock)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _ = s.TryClaim(ctx, id, clock.Now())
	}
	_ = mr.Set("unrelated", "x")

	n, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 records, got %d", n)
	}
}

func TestRedisStore_GetExpiresAt(t *testing.T) {
	clock := newTestClock()
	s, _ := newRedisStore(t, clock)
	ctx := context.Background()

	_, _ = s.TryClaim(ctx, "msg-1", clock.Now())

	rec, err := s.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !rec.ExpiresAt.Equal(want) {
		t.Errorf("expected expires_at %v, got %v", want, rec.ExpiresAt)
	}
	if !rec.FirstSeenAt.Equal(clock.Now()) {
		t.Errorf("expected first_seen %v, got %v", clock.Now(), rec.FirstSeenAt)
	}
}
