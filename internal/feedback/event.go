// Package feedback turns provider delivery-outcome notifications (hard
// bounces and complaints) into suppression entries.
package feedback

import (
	"errors"
	"fmt"
	"time"

	"github.com/sungwon/notify-relay/internal/suppression"
)

var (
	// ErrUnsupportedEvent is returned for notifications that carry no
	// suppression-worthy outcome: deliveries, opens, soft bounces and so on.
	ErrUnsupportedEvent = errors.New("feedback: unsupported event")

	// ErrMalformedEvent is returned when a notification cannot be decoded.
	ErrMalformedEvent = errors.New("feedback: malformed event")
)

// Kind is the type of delivery outcome.
type Kind string

const (
	KindBounce    Kind = "bounce"
	KindComplaint Kind = "complaint"
)

// Reason maps the outcome kind to the suppression reason it records.
func (k Kind) Reason() (suppression.Reason, error) {
	switch k {
	case KindBounce:
		return suppression.ReasonBounce, nil
	case KindComplaint:
		return suppression.ReasonComplaint, nil
	default:
		return "", fmt.Errorf("%w: kind %q", ErrUnsupportedEvent, k)
	}
}

// OutcomeEvent is a normalized bounce or complaint for one recipient.
type OutcomeEvent struct {
	Recipient         string
	Kind              Kind
	OccurredAt        time.Time
	Source            string
	ProviderMessageID string
	Detail            string
}

// SubscriptionConfirmation is returned by ParseSNS for an SNS subscription
// handshake. It carries no outcome; the caller confirms the subscription by
// visiting SubscribeURL.
type SubscriptionConfirmation struct {
	TopicArn     string
	SubscribeURL string
}

func (s *SubscriptionConfirmation) Error() string {
	return "feedback: sns subscription confirmation for " + s.TopicArn
}

// Is lets callers treat a confirmation like any other event without outcome.
func (s *SubscriptionConfirmation) Is(target error) bool {
	return target == ErrUnsupportedEvent
}
