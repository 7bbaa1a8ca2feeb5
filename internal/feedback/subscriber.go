package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/sqsclient"
)

// SubscriberConfig holds configuration for a Subscriber.
type SubscriberConfig struct {
	QueueURL    string
	Format      string // ses, sendgrid, mailgun
	WaitSeconds int32
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Subscriber consumes outcome notifications from an SQS queue (typically an
// SNS topic subscription) and feeds them to a Listener. A message is deleted
// once every event in it is recorded, or when it carries nothing to record;
// otherwise it is left for SQS to redeliver.
type Subscriber struct {
	client   sqsclient.API
	cfg      SubscriberConfig
	listener *Listener
	log      zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(client sqsclient.API, cfg SubscriberConfig, listener *Listener, log zerolog.Logger) *Subscriber {
	if cfg.Format == "" {
		cfg.Format = SourceSES
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 20
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Subscriber{client: client, cfg: cfg, listener: listener, log: log}
}

// Start launches the receive loop.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().
		Str("queue_url", s.cfg.QueueURL).
		Str("format", s.cfg.Format).
		Msg("feedback subscriber started")
}

// Stop cancels the receive loop and waits for the in-flight batch.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("feedback subscriber stopped")
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		if _, err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("feedback receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.ErrorBackoff):
			}
		}
	}
}

// PollOnce receives one batch and handles each message. It returns the
// number of messages received.
func (s *Subscriber) PollOnce(ctx context.Context) (int, error) {
	out, err := s.client.ReceiveMessage(ctx, &sqsclient.ReceiveInput{
		QueueURL:            s.cfg.QueueURL,
		MaxNumberOfMessages: sqsclient.MaxBatch,
		WaitTimeSeconds:     s.cfg.WaitSeconds,
	})
	if err != nil {
		return 0, err
	}

	for _, m := range out.Messages {
		if s.handle(context.WithoutCancel(ctx), m) {
			if err := s.client.DeleteMessage(context.WithoutCancel(ctx), &sqsclient.DeleteInput{
				QueueURL:      s.cfg.QueueURL,
				ReceiptHandle: m.ReceiptHandle,
			}); err != nil {
				s.log.Warn().Err(err).Str("sqs_message_id", m.MessageID).Msg("failed to delete feedback message")
			}
		}
	}
	return len(out.Messages), nil
}

// handle reports whether the message is done with and can be deleted.
func (s *Subscriber) handle(ctx context.Context, m sqsclient.ReceivedMessage) bool {
	disp, err := s.listener.HandleNotification(ctx, s.cfg.Format, []byte(m.Body))
	switch disp {
	case Failed:
		s.log.Error().Err(err).Str("sqs_message_id", m.MessageID).Msg("failed to record feedback, leaving for redelivery")
		return false
	case Malformed:
		s.log.Warn().Err(err).Str("sqs_message_id", m.MessageID).Msg("dropping malformed feedback message")
	}
	return true
}
