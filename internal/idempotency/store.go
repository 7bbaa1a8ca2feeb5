// Package idempotency records which message IDs have been processed so a
// redelivered message is never sent twice.
//
// Every backend performs single-key atomic operations only. Records expire
// after a TTL; a duplicate that arrives after expiry is treated as new.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a record is kept after it is first written.
const DefaultTTL = 14 * 24 * time.Hour

// ErrNotFound is returned by Get when no live record exists.
var ErrNotFound = errors.New("idempotency record not found")

// Status is the lifecycle state of a record.
type Status string

const (
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// Record is the ledger entry for one message ID.
type Record struct {
	MessageID         string    `json:"message_id"`
	Status            Status    `json:"status"`
	ProviderReceiptID string    `json:"provider_receipt_id,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	FirstSeenAt       time.Time `json:"first_seen_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Outcome is the result of a claim attempt.
type Outcome int

const (
	NewClaim Outcome = iota
	AlreadyInProgress
	AlreadyCompleted
	AlreadyFailed
)

func (o Outcome) String() string {
	switch o {
	case NewClaim:
		return "new"
	case AlreadyInProgress:
		return "in_progress"
	case AlreadyCompleted:
		return "completed"
	case AlreadyFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ClaimResult describes the record found (or created) by TryClaim.
// Since is the existing record's first_seen timestamp; it is the value to
// pass to TakeOver.
type ClaimResult struct {
	Outcome   Outcome
	Since     time.Time
	ReceiptID string
	Reason    string
}

// Store is the idempotency ledger.
type Store interface {
	// TryClaim atomically creates an IN_PROGRESS record with first_seen = now
	// if none exists, and otherwise reports the existing record.
	TryClaim(ctx context.Context, messageID string, now time.Time) (ClaimResult, error)

	// TakeOver replaces a stale IN_PROGRESS claim. It succeeds only if the
	// record is still IN_PROGRESS with first_seen equal to since, so of two
	// workers racing for the same stale claim exactly one wins.
	TakeOver(ctx context.Context, messageID string, since, now time.Time) (bool, error)

	// MarkCompleted records a successful send. COMPLETED is terminal.
	MarkCompleted(ctx context.Context, messageID, receiptID string) error

	// MarkPermanentFailure records a send that must not be retried.
	MarkPermanentFailure(ctx context.Context, messageID, reason string) error

	Get(ctx context.Context, messageID string) (*Record, error)
}

// Sizer is implemented by stores that can report how many records they hold.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

// resultFor maps a stored status to the claim outcome reported for it.
func resultFor(status Status, since time.Time, receipt, reason string) ClaimResult {
	res := ClaimResult{Since: since, ReceiptID: receipt, Reason: reason}
	switch status {
	case StatusCompleted:
		res.Outcome = AlreadyCompleted
	case StatusFailedPermanent:
		res.Outcome = AlreadyFailed
	default:
		res.Outcome = AlreadyInProgress
	}
	return res
}

// toMillis and fromMillis keep first_seen comparisons exact across backends
// that store integers.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
