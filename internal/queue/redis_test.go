package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedisBroker(t *testing.T, maxReceive int) (*RedisBroker, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	b := NewRedisBroker(client, Config{Name: "test", VisibilityTimeout: time.Minute, MaxReceiveCount: maxReceive}, zerolog.Nop())
	b.now = clock.Now
	return b, clock, mr
}

func TestRedisBroker_EnqueueReceiveAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _, mr := newTestRedisBroker(t, 3)

	if err := b.Enqueue(ctx, testMessage("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, testMessage("b")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := b.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].Message.ID != "a" || got[1].Message.ID != "b" {
		t.Errorf("expected FIFO order, got %s, %s", got[0].Message.ID, got[1].Message.ID)
	}
	if got[0].Message.ReceiveCount != 1 {
		t.Errorf("expected receive count 1, got %d", got[0].Message.ReceiveCount)
	}
	if got[0].Message.Payload.Recipient != "a@example.com" {
		t.Errorf("payload not decoded: %+v", got[0].Message.Payload)
	}

	if again, _ := b.Receive(ctx, 10); len(again) != 0 {
		t.Fatalf("expected leased messages to be invisible, got %d", len(again))
	}

	for _, d := range got {
		if err := b.Ack(ctx, d); err != nil {
			t.Fatalf("Ack(%s): %v", d.Message.ID, err)
		}
	}
	if n, _ := mr.HKeys(b.msgKey()); len(n) != 0 {
		t.Errorf("expected message bodies to be deleted, got %v", n)
	}
}

func TestRedisBroker_FailThenDeadLetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const maxReceive = 3
	b, clock, _ := newTestRedisBroker(t, maxReceive)
	_ = b.Enqueue(ctx, testMessage("poison"))

	for i := 1; i <= maxReceive; i++ {
		got, err := b.Receive(ctx, 10)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("attempt %d: expected 1 delivery, got %d", i, len(got))
		}
		if got[0].Message.ReceiveCount != i {
			t.Errorf("attempt %d: receive count %d", i, got[0].Message.ReceiveCount)
		}
		f := Failure{Kind: KindTransient, Reason: "provider 503", RetryAfter: 10 * time.Second}
		if err := b.Fail(ctx, got[0], f); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		clock.Advance(10 * time.Second)
	}

	if got, _ := b.Receive(ctx, 10); len(got) != 0 {
		t.Fatalf("expected no further deliveries, got %d", len(got))
	}

	depth, err := b.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1, got %d (%v)", depth, err)
	}

	entries, err := b.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Message.ID != "poison" || e.Message.ReceiveCount != maxReceive {
		t.Errorf("unexpected message %+v", e.Message)
	}
	if len(e.FailureHistory) != maxReceive {
		t.Fatalf("expected %d attempts, got %+v", maxReceive, e.FailureHistory)
	}
	if e.FailureHistory[0].ErrorKind != KindTransient || e.LastError != "provider 503" {
		t.Errorf("unexpected history %+v last=%q", e.FailureHistory, e.LastError)
	}
	if e.DeadLetteredAt.IsZero() {
		t.Error("expected dead-lettered timestamp")
	}
}

func TestRedisBroker_FailRespectsRetryAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clock, _ := newTestRedisBroker(t, 5)
	_ = b.Enqueue(ctx, testMessage("a"))

	got, _ := b.Receive(ctx, 1)
	_ = b.Fail(ctx, got[0], Failure{Kind: KindClaimConflict, RetryAfter: 45 * time.Second})

	clock.Advance(44 * time.Second)
	if again, _ := b.Receive(ctx, 1); len(again) != 0 {
		t.Fatal("expected message to stay hidden until RetryAfter")
	}
	clock.Advance(time.Second)
	if again, _ := b.Receive(ctx, 1); len(again) != 1 {
		t.Fatal("expected redelivery once RetryAfter elapsed")
	}
}

func TestRedisBroker_LeaseExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clock, _ := newTestRedisBroker(t, 2)
	_ = b.Enqueue(ctx, testMessage("a"))

	first, _ := b.Receive(ctx, 1)
	clock.Advance(61 * time.Second)

	second, _ := b.Receive(ctx, 1)
	if len(second) != 1 || second[0].Message.ReceiveCount != 2 {
		t.Fatalf("expected redelivery with count 2, got %+v", second)
	}
	if err := b.Ack(ctx, first[0]); !errors.Is(err, ErrStaleReceipt) {
		t.Errorf("expected ErrStaleReceipt for expired lease, got %v", err)
	}
	if err := b.Fail(ctx, first[0], Failure{Kind: KindTransient}); !errors.Is(err, ErrStaleReceipt) {
		t.Errorf("expected ErrStaleReceipt on Fail for expired lease, got %v", err)
	}

	clock.Advance(61 * time.Second)
	if got, _ := b.Receive(ctx, 1); len(got) != 0 {
		t.Fatal("expected message dead-lettered after second expiry")
	}
	entries, _ := b.List(ctx, 0)
	if len(entries) != 1 || len(entries[0].FailureHistory) != 2 {
		t.Fatalf("expected 1 entry with 2 attempts, got %+v", entries)
	}
	if entries[0].FailureHistory[0].ErrorKind != KindLeaseExpired {
		t.Errorf("expected lease_expired, got %s", entries[0].FailureHistory[0].ErrorKind)
	}
}

func TestRedisBroker_KeysShareOneHashSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clock, mr := newTestRedisBroker(t, 1)
	_ = b.Enqueue(ctx, testMessage("a"))
	_ = b.Enqueue(ctx, testMessage("b"))

	got, _ := b.Receive(ctx, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if err := b.Fail(ctx, got[0], Failure{Kind: KindTransient, Reason: "provider 503"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	clock.Advance(61 * time.Second)
	if _, err := b.Receive(ctx, 1); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	keys := mr.Keys()
	var history int
	for _, k := range keys {
		if !strings.HasPrefix(k, "relay:queue:{test}:") {
			t.Errorf("key %q is outside the queue hash tag", k)
		}
		if strings.Contains(k, ":hist:") {
			history++
		}
	}
	if history != 2 {
		t.Errorf("expected history for both messages, got %d history keys in %v", history, keys)
	}

	entries, _ := b.List(ctx, 0)
	if len(entries) != 2 {
		t.Fatalf("expected both messages dead-lettered, got %d", len(entries))
	}
	kinds := map[ErrorKind]bool{}
	for _, e := range entries {
		kinds[e.FailureHistory[len(e.FailureHistory)-1].ErrorKind] = true
	}
	if !kinds[KindTransient] || !kinds[KindLeaseExpired] {
		t.Errorf("expected transient and lease_expired histories, got %v", kinds)
	}
}

func TestRedisBroker_Replay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clock, _ := newTestRedisBroker(t, 1)
	_ = b.Enqueue(ctx, testMessage("a"))
	_ = b.Enqueue(ctx, testMessage("b"))

	got, _ := b.Receive(ctx, 10)
	for _, d := range got {
		if err := b.Fail(ctx, d, Failure{Kind: KindTransient, Reason: "down"}); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	n, err := b.Replay(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 replayed, got %d", n)
	}

	clock.Advance(time.Millisecond)
	again, _ := b.Receive(ctx, 10)
	if len(again) != 1 || again[0].Message.ID != "a" {
		t.Fatalf("expected a redelivered, got %+v", again)
	}
	if again[0].Message.ReceiveCount != 1 {
		t.Errorf("expected receive count reset to 1, got %d", again[0].Message.ReceiveCount)
	}

	entries, _ := b.List(ctx, 0)
	if len(entries) != 1 || entries[0].Message.ID != "b" {
		t.Errorf("expected only b in dlq, got %+v", entries)
	}
}
