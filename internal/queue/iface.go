package queue

import (
	"context"
	"errors"
	"time"
)

// ErrStaleReceipt is returned by Ack and Fail when the delivery's lease has
// already expired and the message was handed to another consumer.
var ErrStaleReceipt = errors.New("queue: stale receipt handle")

// ErrorKind classifies why a delivery attempt failed. It is recorded in the
// failure history of every dead-lettered message.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindClaimConflict ErrorKind = "claim_conflict"
	KindPanic         ErrorKind = "panic"
	KindInternal      ErrorKind = "internal"
	KindLeaseExpired  ErrorKind = "lease_expired"
	KindMalformed     ErrorKind = "malformed"
)

// Delivery is one handout of a message to a consumer. ReceiptHandle
// identifies this particular lease; a redelivery carries a new one.
type Delivery struct {
	Message       Message
	ReceiptHandle string
}

// Failure describes a Fail verdict. RetryAfter is how long the message stays
// invisible before it is redelivered.
type Failure struct {
	Kind       ErrorKind
	Reason     string
	RetryAfter time.Duration
}

// Attempt is one entry of a message's failure history.
type Attempt struct {
	AttemptAt time.Time `json:"attempt_at"`
	ErrorKind ErrorKind `json:"error_kind"`
	Reason    string    `json:"reason,omitempty"`
}

// DLQEntry is a dead-lettered message with its accumulated failure history.
type DLQEntry struct {
	Message        Message   `json:"message"`
	FailureHistory []Attempt `json:"failure_history"`
	LastError      string    `json:"last_error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Enqueuer publishes messages to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *Message) error
}

// Source hands out batches of messages and accepts a verdict for each.
// Ack removes the message permanently. Fail makes it visible again after
// RetryAfter, or diverts it to the dead-letter queue once its receive count
// reaches the configured maximum.
type Source interface {
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Fail(ctx context.Context, d Delivery, f Failure) error
}

// DeadLetterQueue exposes dead-lettered messages for inspection and manual
// replay. Replay returns the number of messages moved back to the main queue.
type DeadLetterQueue interface {
	Depth(ctx context.Context) (int64, error)
	List(ctx context.Context, limit int) ([]DLQEntry, error)
	Replay(ctx context.Context, messageIDs []string) (int, error)
}

// Broker is a complete queue backend.
type Broker interface {
	Enqueuer
	Source
	DeadLetterQueue
}

// lastError returns the reason of the final attempt, falling back to its kind.
func lastError(history []Attempt) string {
	if len(history) == 0 {
		return ""
	}
	last := history[len(history)-1]
	if last.Reason != "" {
		return last.Reason
	}
	return string(last.ErrorKind)
}
