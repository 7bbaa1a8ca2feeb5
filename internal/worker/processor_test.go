package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/idempotency"
	"github.com/sungwon/notify-relay/internal/msgstore"
	"github.com/sungwon/notify-relay/internal/provider"
	"github.com/sungwon/notify-relay/internal/queue"
	"github.com/sungwon/notify-relay/internal/suppression"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// mockProvider records sends and fails or panics for configured recipients.
type mockProvider struct {
	mu        sync.Mutex
	sent      []*provider.Message
	errs      map[string]error
	panicOn   map[string]bool
	block     bool
	sendCalls atomic.Int32
}

func newMockProvider() *mockProvider {
	return &mockProvider{errs: make(map[string]error), panicOn: make(map[string]bool)}
}

func (m *mockProvider) GetName() string                     { return "mock" }
func (m *mockProvider) HealthCheck(_ context.Context) error { return nil }

func (m *mockProvider) Send(ctx context.Context, msg *provider.Message) (*provider.Receipt, error) {
	m.sendCalls.Add(1)

	m.mu.Lock()
	err := m.errs[msg.To]
	shouldPanic := m.panicOn[msg.To]
	block := m.block
	m.mu.Unlock()

	if shouldPanic {
		panic("provider exploded")
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return &provider.Receipt{ProviderMessageID: "rcpt-" + msg.ID, Provider: "mock", AcceptedAt: time.Now()}, nil
}

func (m *mockProvider) setErr(to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[to] = err
}

func (m *mockProvider) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockProvider) sentTo(to string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.To == to {
			n++
		}
	}
	return n
}

type fixture struct {
	clock        *testClock
	claims       *idempotency.MemoryStore
	suppressions *suppression.MemoryStore
	provider     *mockProvider
	processor    *Processor
}

func newFixture(t *testing.T, bodies msgstore.Store) *fixture {
	t.Helper()
	clock := newTestClock()
	f := &fixture{
		clock:        clock,
		claims:       idempotency.NewMemoryStore(time.Hour, clock.Now),
		suppressions: suppression.NewMemoryStore(),
		provider:     newMockProvider(),
	}
	retry := &queue.RetryStrategy{Schedule: queue.DefaultSchedule, Jitter: func() float64 { return 0 }}
	f.processor = NewProcessor(f.claims, f.suppressions, bodies, f.provider, retry, Config{
		StaleAfter:   2 * time.Minute,
		ClaimTimeout: time.Second,
		SendTimeout:  time.Second,
		Parallelism:  4,
	}, zerolog.Nop())
	f.processor.now = clock.Now
	return f
}

func testMessage(id, to string) queue.Message {
	return queue.Message{
		ID:           id,
		Payload:      queue.Payload{Recipient: to, Subject: "Hello", TextBody: "body"},
		ReceiveCount: 1,
	}
}

func (f *fixture) status(t *testing.T, id string) idempotency.Status {
	t.Helper()
	rec, err := f.claims.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec.Status
}

func TestProcessBatch_SendsAndCompletes(t *testing.T) {
	f := newFixture(t, nil)

	res := f.processor.ProcessBatch(context.Background(), []queue.Message{
		testMessage("m1", "a@example.com"),
		testMessage("m2", "b@example.com"),
	})

	if len(res) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(res))
	}
	for id, v := range res {
		if !v.Ack || v.Outcome != OutcomeSent {
			t.Errorf("%s: expected sent ack, got %+v", id, v)
		}
		if v.ReceiptID != "rcpt-"+id {
			t.Errorf("%s: unexpected receipt %q", id, v.ReceiptID)
		}
		if s := f.status(t, id); s != idempotency.StatusCompleted {
			t.Errorf("%s: expected COMPLETED, got %s", id, s)
		}
	}
}

func TestProcessBatch_RedeliveryDoesNotResend(t *testing.T) {
	f := newFixture(t, nil)
	msg := testMessage("m1", "a@example.com")

	for i := 0; i < 5; i++ {
		msg.ReceiveCount = i + 1
		res := f.processor.ProcessBatch(context.Background(), []queue.Message{msg})
		if !res["m1"].Ack {
			t.Fatalf("delivery %d: expected Ack, got %+v", i+1, res["m1"])
		}
		if i > 0 && res["m1"].Outcome != OutcomeDuplicate {
			t.Errorf("delivery %d: expected duplicate, got %s", i+1, res["m1"].Outcome)
		}
	}

	if n := f.provider.sentCount(); n != 1 {
		t.Errorf("expected exactly one send, got %d", n)
	}
}

func TestProcessBatch_ConcurrentCopiesSendOnce(t *testing.T) {
	f := newFixture(t, nil)

	const copies = 8
	verdicts := make(chan Verdict, copies)
	var wg sync.WaitGroup
	for i := 0; i < copies; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.processor.ProcessBatch(context.Background(), []queue.Message{testMessage("race", "a@example.com")})
			verdicts <- res["race"]
		}()
	}
	wg.Wait()
	close(verdicts)

	sent := 0
	for v := range verdicts {
		switch v.Outcome {
		case OutcomeSent:
			sent++
		case OutcomeConflict:
			if v.Ack || v.Failure.Kind != queue.KindClaimConflict || v.Failure.RetryAfter <= 0 {
				t.Errorf("unexpected conflict verdict %+v", v)
			}
		case OutcomeDuplicate:
		default:
			t.Errorf("unexpected verdict %+v", v)
		}
	}
	if sent != 1 || f.provider.sentCount() != 1 {
		t.Errorf("expected exactly one send, verdicts=%d provider=%d", sent, f.provider.sentCount())
	}
}

func TestProcessBatch_DuplicateInBatchProcessedOnce(t *testing.T) {
	f := newFixture(t, nil)

	res := f.processor.ProcessBatch(context.Background(), []queue.Message{
		testMessage("dup", "a@example.com"),
		testMessage("dup", "a@example.com"),
	})

	if v := res["dup"]; !v.Ack || v.Outcome != OutcomeSent {
		t.Errorf("expected sent ack, got %+v", v)
	}
	if n := f.provider.sendCalls.Load(); n != 1 {
		t.Errorf("expected one send attempt, got %d", n)
	}
}

func TestProcessBatch_SuppressedRecipient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _ = f.suppressions.Add(ctx, suppression.Entry{Recipient: "Bounced@Example.com", Reason: suppression.ReasonBounce})

	res := f.processor.ProcessBatch(ctx, []queue.Message{testMessage("m1", "bounced@example.com")})

	if v := res["m1"]; !v.Ack || v.Outcome != OutcomeSuppressed {
		t.Errorf("expected suppressed ack, got %+v", v)
	}
	if n := f.provider.sentCount(); n != 0 {
		t.Errorf("expected no send, got %d", n)
	}
	if s := f.status(t, "m1"); s != idempotency.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", s)
	}
}

func TestProcessBatch_PanicIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.panicOn["boom@example.com"] = true

	msgs := make([]queue.Message, 10)
	for i := range msgs {
		to := "user" + string(rune('a'+i)) + "@example.com"
		if i == 4 {
			to = "boom@example.com"
		}
		msgs[i] = testMessage("m"+string(rune('0'+i)), to)
	}

	res := f.processor.ProcessBatch(context.Background(), msgs)

	if len(res) != 10 {
		t.Fatalf("expected 10 verdicts, got %d", len(res))
	}
	for i, m := range msgs {
		v := res[m.ID]
		if i == 4 {
			if v.Ack || v.Outcome != OutcomePanic || v.Failure.Kind != queue.KindPanic {
				t.Errorf("expected panic fail for #5, got %+v", v)
			}
			if v.Failure.RetryAfter < 2*time.Minute {
				t.Errorf("expected retry after the staleness window, got %v", v.Failure.RetryAfter)
			}
			continue
		}
		if !v.Ack || v.Outcome != OutcomeSent {
			t.Errorf("message %d: expected sent ack, got %+v", i+1, v)
		}
	}
}

func TestProcessBatch_PermanentFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.setErr("invalid@example.com", &provider.ProviderError{Provider: "mock", StatusCode: 550, Message: "no such user", Permanent: true})
	msg := testMessage("m1", "invalid@example.com")

	res := f.processor.ProcessBatch(context.Background(), []queue.Message{msg})
	if v := res["m1"]; !v.Ack || v.Outcome != OutcomePermanent {
		t.Fatalf("expected permanent ack, got %+v", v)
	}
	rec, _ := f.claims.Get(context.Background(), "m1")
	if rec.Status != idempotency.StatusFailedPermanent || !strings.Contains(rec.FailureReason, "no such user") {
		t.Errorf("expected FAILED_PERMANENT with reason, got %+v", rec)
	}

	calls := f.provider.sendCalls.Load()
	res = f.processor.ProcessBatch(context.Background(), []queue.Message{msg})
	if v := res["m1"]; !v.Ack || v.Outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate ack on redelivery, got %+v", v)
	}
	if f.provider.sendCalls.Load() != calls {
		t.Error("expected no send attempt after a permanent failure")
	}
}

func TestProcessBatch_TransientFailureThenTakeover(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.provider.setErr("a@example.com", errors.New("connection reset"))
	msg := testMessage("m1", "a@example.com")

	res := f.processor.ProcessBatch(ctx, []queue.Message{msg})
	v := res["m1"]
	if v.Ack || v.Outcome != OutcomeTransient || v.Failure.Kind != queue.KindTransient {
		t.Fatalf("expected transient fail, got %+v", v)
	}
	if v.Failure.RetryAfter < 2*time.Minute {
		t.Errorf("expected RetryAfter >= staleness window, got %v", v.Failure.RetryAfter)
	}
	if s := f.status(t, "m1"); s != idempotency.StatusInProgress {
		t.Errorf("expected claim to stay IN_PROGRESS, got %s", s)
	}

	// Redelivered inside the staleness window: someone may still be sending.
	f.clock.Advance(30 * time.Second)
	msg.ReceiveCount = 2
	res = f.processor.ProcessBatch(ctx, []queue.Message{msg})
	if v := res["m1"]; v.Outcome != OutcomeConflict || v.Failure.RetryAfter != 90*time.Second {
		t.Errorf("expected conflict retrying after the remaining 90s, got %+v", v)
	}

	// Past the window the claim is stale and is taken over.
	f.provider.setErr("a@example.com", nil)
	f.clock.Advance(2 * time.Minute)
	res = f.processor.ProcessBatch(ctx, []queue.Message{msg})
	if v := res["m1"]; !v.Ack || v.Outcome != OutcomeSent {
		t.Errorf("expected takeover and send, got %+v", v)
	}
	if n := f.provider.sentCount(); n != 1 {
		t.Errorf("expected one successful send, got %d", n)
	}
}

func TestProcessBatch_SendTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, nil)
	f.processor.cfg.SendTimeout = 20 * time.Millisecond
	f.provider.block = true

	res := f.processor.ProcessBatch(context.Background(), []queue.Message{testMessage("m1", "a@example.com")})
	if v := res["m1"]; v.Ack || v.Outcome != OutcomeTransient {
		t.Errorf("expected timed-out send to be transient, got %+v", v)
	}
}

func TestProcessBatch_MalformedMessage(t *testing.T) {
	f := newFixture(t, nil)

	res := f.processor.ProcessBatch(context.Background(), []queue.Message{{ID: "m1", ReceiveCount: 1}})
	if v := res["m1"]; !v.Ack || v.Outcome != OutcomePermanent {
		t.Errorf("expected malformed message to be acked as permanent, got %+v", v)
	}
	if s := f.status(t, "m1"); s != idempotency.StatusFailedPermanent {
		t.Errorf("expected FAILED_PERMANENT, got %s", s)
	}
	if f.provider.sendCalls.Load() != 0 {
		t.Error("expected no send")
	}
}

// failingClaims is an idempotency store whose every call fails.
type failingClaims struct{ idempotency.Store }

func (failingClaims) TryClaim(context.Context, string, time.Time) (idempotency.ClaimResult, error) {
	return idempotency.ClaimResult{}, errors.New("store unavailable")
}

func TestProcessBatch_ClaimErrorIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.processor.claims = failingClaims{}

	res := f.processor.ProcessBatch(context.Background(), []queue.Message{testMessage("m1", "a@example.com")})
	if v := res["m1"]; v.Ack || v.Failure.Kind != queue.KindInternal {
		t.Errorf("expected internal fail, got %+v", v)
	}
	if f.provider.sendCalls.Load() != 0 {
		t.Error("expected no send without a claim")
	}
}

// flakyBodies fails the first n reads with a transient error.
type flakyBodies struct {
	msgstore.Store
	mu    sync.Mutex
	fails int
	reads int
}

func (b *flakyBodies) Get(ctx context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	b.reads++
	failing := b.reads <= b.fails
	b.mu.Unlock()
	if failing {
		return nil, errors.New("s3: slow down")
	}
	return b.Store.Get(ctx, ref)
}

func TestProcessBatch_BodyReference(t *testing.T) {
	ctx := context.Background()
	local, err := msgstore.NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore: %v", err)
	}
	if err := msgstore.PutBody(ctx, local, "bodies/welcome.json", msgstore.Body{Text: "hi", HTML: "<p>hi</p>"}); err != nil {
		t.Fatalf("PutBody: %v", err)
	}

	withRef := func(id, ref string) queue.Message {
		m := testMessage(id, id+"@example.com")
		m.Payload.TextBody = ""
		m.Payload.BodyRef = ref
		return m
	}

	t.Run("resolved", func(t *testing.T) {
		f := newFixture(t, local)
		res := f.processor.ProcessBatch(ctx, []queue.Message{withRef("m1", "bodies/welcome.json")})
		if v := res["m1"]; v.Outcome != OutcomeSent {
			t.Fatalf("expected sent, got %+v", v)
		}
		got := f.provider.sent[0]
		if got.TextBody != "hi" || got.HTMLBody != "<p>hi</p>" {
			t.Errorf("expected body from store, got %q / %q", got.TextBody, got.HTMLBody)
		}
	})

	t.Run("missing is permanent", func(t *testing.T) {
		f := newFixture(t, local)
		res := f.processor.ProcessBatch(ctx, []queue.Message{withRef("m2", "bodies/nope.json")})
		if v := res["m2"]; !v.Ack || v.Outcome != OutcomePermanent {
			t.Errorf("expected permanent ack, got %+v", v)
		}
	})

	t.Run("no body at all is permanent", func(t *testing.T) {
		f := newFixture(t, local)
		res := f.processor.ProcessBatch(ctx, []queue.Message{withRef("m3", "")})
		if v := res["m3"]; !v.Ack || v.Outcome != OutcomePermanent {
			t.Errorf("expected permanent ack, got %+v", v)
		}
	})

	t.Run("read error is retried then transient", func(t *testing.T) {
		bodies := &flakyBodies{Store: local, fails: 10}
		f := newFixture(t, bodies)
		f.processor.cfg.BodyFetchRetries = 1
		res := f.processor.ProcessBatch(ctx, []queue.Message{withRef("m4", "bodies/welcome.json")})
		if v := res["m4"]; v.Ack || v.Outcome != OutcomeTransient {
			t.Errorf("expected transient fail, got %+v", v)
		}
		if bodies.reads != 2 {
			t.Errorf("expected 2 reads, got %d", bodies.reads)
		}
	})

	t.Run("read error recovers within retries", func(t *testing.T) {
		bodies := &flakyBodies{Store: local, fails: 1}
		f := newFixture(t, bodies)
		f.processor.cfg.BodyFetchRetries = 2
		res := f.processor.ProcessBatch(ctx, []queue.Message{withRef("m5", "bodies/welcome.json")})
		if v := res["m5"]; v.Outcome != OutcomeSent {
			t.Errorf("expected sent after retry, got %+v", v)
		}
	})
}
