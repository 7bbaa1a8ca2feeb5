package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/sungwon/notify-relay/internal/metrics"
)

// MemoryStore is an in-process Store. Expired records are invisible to
// reads and removed by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]Record
}

// NewMemoryStore creates a MemoryStore. A nil now uses time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, records: make(map[string]Record)}
}

// liveLocked returns the record for id unless it has expired at t.
func (s *MemoryStore) liveLocked(id string, t time.Time) (Record, bool) {
	rec, ok := s.records[id]
	if !ok || !t.Before(rec.ExpiresAt) {
		return Record{}, false
	}
	return rec, true
}

func (s *MemoryStore) TryClaim(_ context.Context, messageID string, now time.Time) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.liveLocked(messageID, now); ok {
		return resultFor(rec.Status, rec.FirstSeenAt, rec.ProviderReceiptID, rec.FailureReason), nil
	}

	first := fromMillis(toMillis(now))
	s.records[messageID] = Record{
		MessageID:   messageID,
		Status:      StatusInProgress,
		FirstSeenAt: first,
		ExpiresAt:   now.Add(s.ttl),
	}
	return ClaimResult{Outcome: NewClaim, Since: first}, nil
}

func (s *MemoryStore) TakeOver(_ context.Context, messageID string, since, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(messageID, now)
	if !ok || rec.Status != StatusInProgress || toMillis(rec.FirstSeenAt) != toMillis(since) {
		return false, nil
	}
	rec.FirstSeenAt = fromMillis(toMillis(now))
	s.records[messageID] = rec
	return true, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, messageID, receiptID string) error {
	s.mark(messageID, StatusCompleted, receiptID, "")
	return nil
}

func (s *MemoryStore) MarkPermanentFailure(_ context.Context, messageID, reason string) error {
	s.mark(messageID, StatusFailedPermanent, "", reason)
	return nil
}

func (s *MemoryStore) mark(id string, status Status, receipt, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.liveLocked(id, now)
	if !ok {
		rec = Record{MessageID: id, FirstSeenAt: fromMillis(toMillis(now)), ExpiresAt: now.Add(s.ttl)}
	}
	if rec.Status == StatusCompleted {
		return
	}
	rec.Status = status
	rec.ProviderReceiptID = receipt
	rec.FailureReason = reason
	s.records[id] = rec
}

func (s *MemoryStore) Get(_ context.Context, messageID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(messageID, s.now())
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Size counts live records. Expired records awaiting Sweep are excluded.
func (s *MemoryStore) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, rec := range s.records {
		if now.Before(rec.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

// Sweep deletes expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.IdempotencyExpiredTotal.Add(float64(removed))
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
