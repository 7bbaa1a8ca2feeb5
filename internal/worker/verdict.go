package worker

import (
	"time"

	"github.com/sungwon/notify-relay/internal/queue"
)

// Outcome names what happened to a message. It is the "kind" label of the
// verdict metric.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomePermanent  Outcome = "permanent"
	OutcomeTransient  Outcome = "transient"
	OutcomeConflict   Outcome = "conflict"
	OutcomePanic      Outcome = "panic"
	OutcomeInternal   Outcome = "internal"
)

// Verdict is the per-message result of ProcessBatch: Ack removes the message
// from the queue, otherwise Failure is reported to the queue.
type Verdict struct {
	Ack       bool
	Outcome   Outcome
	ReceiptID string
	Failure   queue.Failure
}

// BatchResult maps each message ID of a batch to its verdict.
type BatchResult map[string]Verdict

func ack(o Outcome) Verdict {
	return Verdict{Ack: true, Outcome: o}
}

func fail(o Outcome, kind queue.ErrorKind, reason string, retryAfter time.Duration) Verdict {
	return Verdict{
		Outcome: o,
		Failure: queue.Failure{Kind: kind, Reason: reason, RetryAfter: retryAfter},
	}
}

func (v Verdict) label() string {
	if v.Ack {
		return "ack"
	}
	return "fail"
}
