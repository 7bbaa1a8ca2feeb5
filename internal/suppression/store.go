// Package suppression records recipients that must not receive further
// mail because they hard-bounced or complained.
package suppression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reason is why a recipient was suppressed.
type Reason string

const (
	ReasonBounce    Reason = "BOUNCE"
	ReasonComplaint Reason = "COMPLAINT"
)

// ErrInvalidEntry is returned by Add for an entry without a recipient or
// with an unknown reason.
var ErrInvalidEntry = errors.New("invalid suppression entry")

// Entry is one (recipient, reason) suppression.
type Entry struct {
	Recipient  string    `json:"recipient"`
	Reason     Reason    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store holds suppression entries. Entries are keyed by (recipient, reason)
// and are never deleted here.
type Store interface {
	// Add inserts the entry unless one with the same recipient and reason
	// exists. created reports whether a new entry was written.
	Add(ctx context.Context, e Entry) (created bool, err error)

	// Find returns every entry for the recipient; empty means not suppressed.
	Find(ctx context.Context, recipient string) ([]Entry, error)

	Count(ctx context.Context) (int64, error)
}

// NormalizeAddress lowercases and trims an address so lookups are
// case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (e Entry) normalized() (Entry, error) {
	e.Recipient = NormalizeAddress(e.Recipient)
	if e.Recipient == "" {
		return e, fmt.Errorf("%w: empty recipient", ErrInvalidEntry)
	}
	switch e.Reason {
	case ReasonBounce, ReasonComplaint:
	default:
		return e, fmt.Errorf("%w: unknown reason %q", ErrInvalidEntry, e.Reason)
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}

// IsSuppressed reports whether any entry exists for recipient.
func IsSuppressed(ctx context.Context, s Store, recipient string) (bool, error) {
	entries, err := s.Find(ctx, recipient)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
