package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryOption customises a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithClock replaces time.Now, letting tests move leases forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

type memEntry struct {
	key       string
	msg       Message
	visibleAt time.Time
	leased    bool
	token     int
	history   []Attempt
}

type memDeadLetter struct {
	key   string
	entry DLQEntry
}

// MemoryBroker is an in-process Broker with lease-based visibility. It backs
// single-process deployments and tests.
type MemoryBroker struct {
	mu         sync.Mutex
	now        func() time.Time
	visibility time.Duration
	maxReceive int

	seq     int
	order   []string
	entries map[string]*memEntry
	dlq     []memDeadLetter
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker(cfg Config, opts ...MemoryOption) *MemoryBroker {
	cfg = cfg.withDefaults()
	b := &MemoryBroker{
		now:        time.Now,
		visibility: cfg.VisibilityTimeout,
		maxReceive: cfg.MaxReceiveCount,
		entries:    make(map[string]*memEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) Enqueue(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushLocked(*msg)
	MessagesEnqueuedTotal.Inc()
	return nil
}

func (b *MemoryBroker) pushLocked(msg Message) {
	now := b.now()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	msg.ReceiveCount = 0

	b.seq++
	key := "m" + strconv.Itoa(b.seq)
	b.entries[key] = &memEntry{key: key, msg: msg, visibleAt: now}
	b.order = append(b.order, key)
}

// Receive leases up to max visible messages. Leases that expired without a
// verdict count as a failed attempt and may push a message to the DLQ.
func (b *MemoryBroker) Receive(_ context.Context, max int) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []Delivery
	for i := 0; i < len(b.order) && len(out) < max; i++ {
		e := b.entries[b.order[i]]
		if now.Before(e.visibleAt) {
			continue
		}
		if e.leased {
			e.leased = false
			e.history = append(e.history, Attempt{AttemptAt: e.visibleAt, ErrorKind: KindLeaseExpired})
			FailuresTotal.WithLabelValues(string(KindLeaseExpired)).Inc()
			if e.msg.ReceiveCount >= b.maxReceive {
				b.deadLetterLocked(e, now)
				i--
				continue
			}
		}

		e.msg.ReceiveCount++
		e.leased = true
		e.token++
		e.visibleAt = now.Add(b.visibility)
		out = append(out, Delivery{
			Message:       e.msg,
			ReceiptHandle: e.key + "." + strconv.Itoa(e.token),
		})
	}

	MessagesReceivedTotal.Add(float64(len(out)))
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.leasedLocked(d)
	if err != nil {
		return err
	}
	b.removeLocked(e.key)
	return nil
}

func (b *MemoryBroker) Fail(_ context.Context, d Delivery, f Failure) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.leasedLocked(d)
	if err != nil {
		return err
	}

	now := b.now()
	e.history = append(e.history, Attempt{AttemptAt: now, ErrorKind: f.Kind, Reason: f.Reason})
	e.leased = false
	FailuresTotal.WithLabelValues(string(f.Kind)).Inc()

	if e.msg.ReceiveCount >= b.maxReceive {
		b.deadLetterLocked(e, now)
		return nil
	}
	e.visibleAt = now.Add(f.RetryAfter)
	return nil
}

// leasedLocked resolves a receipt handle to its entry, rejecting handles
// whose lease has lapsed or been superseded.
func (b *MemoryBroker) leasedLocked(d Delivery) (*memEntry, error) {
	key, token, ok := parseMemReceipt(d.ReceiptHandle)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStaleReceipt, d.ReceiptHandle)
	}
	e, found := b.entries[key]
	if !found || !e.leased || e.token != token || !b.now().Before(e.visibleAt) {
		return nil, fmt.Errorf("%w: message %s", ErrStaleReceipt, d.Message.ID)
	}
	return e, nil
}

func (b *MemoryBroker) deadLetterLocked(e *memEntry, now time.Time) {
	b.removeLocked(e.key)
	b.dlq = append(b.dlq, memDeadLetter{
		key: e.key,
		entry: DLQEntry{
			Message:        e.msg,
			FailureHistory: e.history,
			LastError:      lastError(e.history),
			DeadLetteredAt: now,
		},
	})
	kind := KindInternal
	if n := len(e.history); n > 0 {
		kind = e.history[n-1].ErrorKind
	}
	DeadLetteredTotal.WithLabelValues(string(kind)).Inc()
}

func (b *MemoryBroker) removeLocked(key string) {
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

func (b *MemoryBroker) Depth(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.dlq)), nil
}

// List returns up to limit dead-lettered entries, oldest first. A limit of
// zero or less returns all of them.
func (b *MemoryBroker) List(_ context.Context, limit int) ([]DLQEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.dlq)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DLQEntry, 0, n)
	for _, dl := range b.dlq[:n] {
		entry := dl.entry
		entry.FailureHistory = append([]Attempt(nil), dl.entry.FailureHistory...)
		out = append(out, entry)
	}
	return out, nil
}

// Replay moves the named messages back to the main queue with a fresh
// receive count and an empty failure history.
func (b *MemoryBroker) Replay(_ context.Context, messageIDs []string) (int, error) {
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	replayed := 0
	kept := b.dlq[:0]
	for _, dl := range b.dlq {
		if !want[dl.entry.Message.ID] {
			kept = append(kept, dl)
			continue
		}
		b.pushLocked(dl.entry.Message)
		replayed++
	}
	b.dlq = kept

	ReplayedTotal.Add(float64(replayed))
	return replayed, nil
}

// Pending returns the number of messages not yet acked or dead-lettered.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func parseMemReceipt(handle string) (string, int, bool) {
	dot := strings.LastIndexByte(handle, '.')
	if dot <= 0 {
		return "", 0, false
	}
	token, err := strconv.Atoi(handle[dot+1:])
	if err != nil {
		return "", 0, false
	}
	return handle[:dot], token, true
}
