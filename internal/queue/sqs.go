package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/sqsclient"
)

// dlqPeekVisibility hides peeked DLQ messages long enough for one List or
// Replay call to page through the queue without seeing them twice.
const dlqPeekVisibility = 30

// maxDLQPages bounds how many receive calls a List or Replay may make.
const maxDLQPages = 20

// SQSBroker is a Broker backed by an SQS queue whose redrive policy moves
// messages to SQSDLQURL after MaxReceiveCount receives. SQS keeps only the
// body, so failure history lives in a FailureLog keyed by message ID.
type SQSBroker struct {
	client     sqsclient.API
	queueURL   string
	dlqURL     string
	waitTime   int32
	visibility int32
	history    FailureLog
	now        func() time.Time
	log        zerolog.Logger
}

// NewSQSBroker creates an SQSBroker. MaxReceiveCount must match the queue's
// redrive policy; SQS enforces it, not this type.
func NewSQSBroker(client sqsclient.API, cfg Config, history FailureLog, log zerolog.Logger) *SQSBroker {
	cfg = cfg.withDefaults()
	return &SQSBroker{
		client:     client,
		queueURL:   cfg.SQSQueueURL,
		dlqURL:     cfg.SQSDLQURL,
		waitTime:   cfg.SQSWaitSeconds,
		visibility: sqsclient.VisibilitySeconds(cfg.VisibilityTimeout),
		history:    history,
		now:        time.Now,
		log:        log,
	}
}

// Enqueue serializes the message to JSON and sends it via SQS SendMessage.
func (b *SQSBroker) Enqueue(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m := *msg
	m.ReceiveCount = 0
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = b.now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if _, err := b.client.SendMessage(ctx, &sqsclient.SendInput{
		QueueURL:    b.queueURL,
		MessageBody: string(data),
	}); err != nil {
		return fmt.Errorf("sqs send message %s: %w", msg.ID, err)
	}

	MessagesEnqueuedTotal.Inc()
	return nil
}

// Receive long-polls for up to max messages (SQS caps a call at 10).
func (b *SQSBroker) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max > sqsclient.MaxBatch {
		max = sqsclient.MaxBatch
	}
	if max < 1 {
		max = 1
	}

	out, err := b.client.ReceiveMessage(ctx, &sqsclient.ReceiveInput{
		QueueURL:            b.queueURL,
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     b.waitTime,
		VisibilityTimeout:   b.visibility,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, sm := range out.Messages {
		var msg Message
		if err := json.Unmarshal([]byte(sm.Body), &msg); err != nil || msg.Validate() != nil {
			b.quarantine(ctx, sm, err)
			continue
		}
		msg.ReceiveCount = sm.ReceiveCount
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = sm.SentAt
		}
		deliveries = append(deliveries, Delivery{Message: msg, ReceiptHandle: sm.ReceiptHandle})
	}

	MessagesReceivedTotal.Add(float64(len(deliveries)))
	return deliveries, nil
}

// quarantine moves an undecodable message straight to the DLQ (or drops it
// when no DLQ is configured) so it does not burn receives.
func (b *SQSBroker) quarantine(ctx context.Context, sm sqsclient.ReceivedMessage, cause error) {
	log := b.log.With().Str("sqs_message_id", sm.MessageID).Logger()
	if cause == nil {
		cause = errors.New("missing id or recipient")
	}

	if b.dlqURL != "" {
		if _, err := b.client.SendMessage(ctx, &sqsclient.SendInput{QueueURL: b.dlqURL, MessageBody: sm.Body}); err != nil {
			log.Error().Err(err).Msg("failed to quarantine malformed message")
			return
		}
		attempt := Attempt{AttemptAt: b.now().UTC(), ErrorKind: KindMalformed, Reason: cause.Error()}
		if err := b.history.Append(ctx, sm.MessageID, attempt); err != nil {
			log.Warn().Err(err).Msg("failed to record failure history")
		}
		DeadLetteredTotal.WithLabelValues(string(KindMalformed)).Inc()
	}
	if err := b.client.DeleteMessage(ctx, &sqsclient.DeleteInput{QueueURL: b.queueURL, ReceiptHandle: sm.ReceiptHandle}); err != nil {
		log.Error().Err(err).Msg("failed to delete malformed message")
		return
	}
	log.Warn().Err(cause).Msg("malformed message removed from queue")
}

func (b *SQSBroker) Ack(ctx context.Context, d Delivery) error {
	if err := b.client.DeleteMessage(ctx, &sqsclient.DeleteInput{
		QueueURL:      b.queueURL,
		ReceiptHandle: d.ReceiptHandle,
	}); err != nil {
		return fmt.Errorf("sqs delete message %s: %w", d.Message.ID, err)
	}
	if err := b.history.Clear(ctx, d.Message.ID); err != nil {
		b.log.Warn().Err(err).Str("message_id", d.Message.ID).Msg("failed to clear failure history")
	}
	return nil
}

// Fail records the attempt and shortens the visibility timeout to
// RetryAfter. The redrive policy moves the message to the DLQ on the receive
// after MaxReceiveCount.
func (b *SQSBroker) Fail(ctx context.Context, d Delivery, f Failure) error {
	attempt := Attempt{AttemptAt: b.now().UTC(), ErrorKind: f.Kind, Reason: f.Reason}
	if err := b.history.Append(ctx, d.Message.ID, attempt); err != nil {
		b.log.Warn().Err(err).Str("message_id", d.Message.ID).Msg("failed to record failure history")
	}
	FailuresTotal.WithLabelValues(string(f.Kind)).Inc()

	if err := b.client.ChangeMessageVisibility(ctx, &sqsclient.ChangeVisibilityInput{
		QueueURL:          b.queueURL,
		ReceiptHandle:     d.ReceiptHandle,
		VisibilityTimeout: sqsclient.VisibilitySeconds(f.RetryAfter),
	}); err != nil {
		return fmt.Errorf("sqs change visibility %s: %w", d.Message.ID, err)
	}
	return nil
}

func (b *SQSBroker) Depth(ctx context.Context) (int64, error) {
	if b.dlqURL == "" {
		return 0, nil
	}
	n, err := b.client.ApproximateDepth(ctx, b.dlqURL)
	if err != nil {
		return 0, fmt.Errorf("sqs dlq depth: %w", err)
	}
	return n, nil
}

// List peeks at up to limit DLQ messages. Peeked messages are made visible
// again before returning.
func (b *SQSBroker) List(ctx context.Context, limit int) ([]DLQEntry, error) {
	if b.dlqURL == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = sqsclient.MaxBatch * maxDLQPages
	}

	var entries []DLQEntry
	var peeked []sqsclient.ReceivedMessage
	defer func() { b.release(context.WithoutCancel(ctx), peeked) }()

	for page := 0; page < maxDLQPages && len(entries) < limit; page++ {
		batch, err := b.peekDLQ(ctx, limit-len(entries))
		if err != nil {
			return entries, err
		}
		if len(batch) == 0 {
			break
		}
		peeked = append(peeked, batch...)

		for _, sm := range batch {
			entries = append(entries, b.toEntry(ctx, sm))
		}
	}
	return entries, nil
}

// Replay re-sends the named DLQ messages to the main queue and deletes them
// from the DLQ. Messages not named are left untouched.
func (b *SQSBroker) Replay(ctx context.Context, messageIDs []string) (int, error) {
	if b.dlqURL == "" || len(messageIDs) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	var skipped []sqsclient.ReceivedMessage
	defer func() { b.release(context.WithoutCancel(ctx), skipped) }()

	replayed := 0
	for page := 0; page < maxDLQPages && len(want) > 0; page++ {
		batch, err := b.peekDLQ(ctx, sqsclient.MaxBatch)
		if err != nil {
			return replayed, err
		}
		if len(batch) == 0 {
			break
		}

		for _, sm := range batch {
			var msg Message
			if err := json.Unmarshal([]byte(sm.Body), &msg); err != nil || !want[msg.ID] {
				skipped = append(skipped, sm)
				continue
			}

			if err := b.Enqueue(ctx, &msg); err != nil {
				skipped = append(skipped, sm)
				return replayed, fmt.Errorf("re-enqueue message %s: %w", msg.ID, err)
			}
			if err := b.client.DeleteMessage(ctx, &sqsclient.DeleteInput{
				QueueURL:      b.dlqURL,
				ReceiptHandle: sm.ReceiptHandle,
			}); err != nil {
				return replayed, fmt.Errorf("delete dlq message %s: %w", msg.ID, err)
			}
			if err := b.history.Clear(ctx, msg.ID); err != nil {
				b.log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to clear failure history")
			}
			delete(want, msg.ID)
			replayed++
		}
	}

	ReplayedTotal.Add(float64(replayed))
	return replayed, nil
}

func (b *SQSBroker) peekDLQ(ctx context.Context, max int) ([]sqsclient.ReceivedMessage, error) {
	if max > sqsclient.MaxBatch {
		max = sqsclient.MaxBatch
	}
	out, err := b.client.ReceiveMessage(ctx, &sqsclient.ReceiveInput{
		QueueURL:            b.dlqURL,
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   dlqPeekVisibility,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive from dlq: %w", err)
	}
	return out.Messages, nil
}

func (b *SQSBroker) release(ctx context.Context, msgs []sqsclient.ReceivedMessage) {
	for _, sm := range msgs {
		if err := b.client.ChangeMessageVisibility(ctx, &sqsclient.ChangeVisibilityInput{
			QueueURL:      b.dlqURL,
			ReceiptHandle: sm.ReceiptHandle,
		}); err != nil {
			b.log.Warn().Err(err).Str("sqs_message_id", sm.MessageID).Msg("failed to release peeked dlq message")
		}
	}
}

func (b *SQSBroker) toEntry(ctx context.Context, sm sqsclient.ReceivedMessage) DLQEntry {
	var msg Message
	historyKey := sm.MessageID
	if err := json.Unmarshal([]byte(sm.Body), &msg); err == nil && msg.ID != "" {
		historyKey = msg.ID
	} else {
		msg = Message{ID: sm.MessageID}
	}

	history, err := b.history.History(ctx, historyKey)
	if err != nil {
		b.log.Warn().Err(err).Str("message_id", historyKey).Msg("failed to read failure history")
	}

	// ApproximateReceiveCount survives the redrive, so it covers receives whose
	// lease simply expired. The history only knows about explicit failures.
	msg.ReceiveCount = sm.ReceiveCount
	if msg.ReceiveCount == 0 {
		msg.ReceiveCount = len(history)
	}
	entry := DLQEntry{Message: msg, FailureHistory: history, LastError: lastError(history)}
	if n := len(history); n > 0 {
		entry.DeadLetteredAt = history[n-1].AttemptAt
	}
	return entry
}
