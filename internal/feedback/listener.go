package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/metrics"
	"github.com/sungwon/notify-relay/internal/suppression"
)

// Listener records outcome events as suppression entries. Recording the
// same event twice is a no-op.
type Listener struct {
	store   suppression.Store
	timeout time.Duration
	log     zerolog.Logger
}

// NewListener creates a Listener writing to store, bounding each write by
// timeout.
func NewListener(store suppression.Store, timeout time.Duration, log zerolog.Logger) *Listener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Listener{store: store, timeout: timeout, log: log}
}

// OnOutcomeEvent upserts the suppression entry for ev. Events without a
// recipient or with an unknown kind are rejected with ErrMalformedEvent.
func (l *Listener) OnOutcomeEvent(ctx context.Context, ev OutcomeEvent) error {
	reason, err := ev.Kind.Reason()
	if err != nil || strings.TrimSpace(ev.Recipient) == "" {
		metrics.OutcomeEventsTotal.WithLabelValues(string(ev.Kind), "invalid").Inc()
		return fmt.Errorf("%w: recipient %q kind %q", ErrMalformedEvent, ev.Recipient, ev.Kind)
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	created, err := l.store.Add(storeCtx, suppression.Entry{
		Recipient:  ev.Recipient,
		Reason:     reason,
		RecordedAt: ev.OccurredAt,
	})
	if err != nil {
		metrics.OutcomeEventsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		return fmt.Errorf("record %s for recipient: %w", ev.Kind, err)
	}

	result := "duplicate"
	if created {
		result = "created"
	}
	metrics.OutcomeEventsTotal.WithLabelValues(string(ev.Kind), result).Inc()

	l.log.Info().
		Str("recipient", logger.MaskAddress(ev.Recipient)).
		Str("kind", string(ev.Kind)).
		Str("source", ev.Source).
		Str("provider_message_id", ev.ProviderMessageID).
		Bool("created", created).
		Msg("recorded delivery outcome")
	return nil
}

// OnOutcomeEvents records every event and returns the joined errors of the
// ones that failed.
func (l *Listener) OnOutcomeEvents(ctx context.Context, events []OutcomeEvent) error {
	var errs []error
	for _, ev := range events {
		if err := l.OnOutcomeEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disposition is what became of one raw notification.
type Disposition string

const (
	Handled   Disposition = "handled"
	Ignored   Disposition = "ignored"
	Malformed Disposition = "malformed"
	Failed    Disposition = "error"
)

// HandleNotification parses a raw notification in the given format and
// records its events. Only a Failed disposition is worth retrying: the
// others will come out the same on every attempt.
func (l *Listener) HandleNotification(ctx context.Context, format string, data []byte) (Disposition, error) {
	disp, err := l.handleNotification(ctx, format, data)
	metrics.FeedbackMessagesTotal.WithLabelValues(format, string(disp)).Inc()
	return disp, err
}

func (l *Listener) handleNotification(ctx context.Context, format string, data []byte) (Disposition, error) {
	events, err := Parse(format, data)
	var confirm *SubscriptionConfirmation
	switch {
	case errors.As(err, &confirm):
		l.log.Info().
			Str("topic_arn", confirm.TopicArn).
			Str("subscribe_url", confirm.SubscribeURL).
			Msg("sns subscription confirmation received")
		return Ignored, nil
	case errors.Is(err, ErrUnsupportedEvent):
		l.log.Debug().Err(err).Str("format", format).Msg("ignoring feedback notification")
		return Ignored, nil
	case err != nil:
		return Malformed, err
	}

	if err := l.OnOutcomeEvents(ctx, events); err != nil {
		if isOnlyMalformed(err) {
			return Malformed, err
		}
		return Failed, err
	}
	return Handled, nil
}

// isOnlyMalformed reports whether every joined error is ErrMalformedEvent.
func isOnlyMalformed(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return errors.Is(err, ErrMalformedEvent)
	}
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, ErrMalformedEvent) {
			return false
		}
	}
	return true
}
