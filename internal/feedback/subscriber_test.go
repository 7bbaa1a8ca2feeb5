package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/sqsclient"
	"github.com/sungwon/notify-relay/internal/suppression"
)

const testFeedbackURL = "https://sqs.us-east-1.amazonaws.com/123/ses-feedback"

// mockSQS implements sqsclient.API, handing out queued messages once.
type mockSQS struct {
	mu         sync.Mutex
	pending    []sqsclient.ReceivedMessage
	deleted    []string
	receives   int
	receiveErr error
}

func (m *mockSQS) push(msgs ...sqsclient.ReceivedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msgs...)
}

func (m *mockSQS) SendMessage(context.Context, *sqsclient.SendInput) (*sqsclient.SendOutput, error) {
	return &sqsclient.SendOutput{}, nil
}

func (m *mockSQS) ReceiveMessage(_ context.Context, in *sqsclient.ReceiveInput) (*sqsclient.ReceiveOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receives++
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	n := int(in.MaxNumberOfMessages)
	if n > len(m.pending) {
		n = len(m.pending)
	}
	out := append([]sqsclient.ReceivedMessage(nil), m.pending[:n]...)
	m.pending = m.pending[n:]
	return &sqsclient.ReceiveOutput{Messages: out}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, in *sqsclient.DeleteInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, in.ReceiptHandle)
	return nil
}

func (m *mockSQS) ChangeMessageVisibility(context.Context, *sqsclient.ChangeVisibilityInput) error {
	return nil
}

func (m *mockSQS) ApproximateDepth(context.Context, string) (int64, error) {
	return 0, nil
}

func (m *mockSQS) deletedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func TestSubscriber_PollOnce(t *testing.T) {
	client := &mockSQS{}
	store := suppression.NewMemoryStore()
	sub := NewSubscriber(client, SubscriberConfig{QueueURL: testFeedbackURL}, NewListener(store, time.Second, zerolog.Nop()), zerolog.Nop())

	client.push(
		sqsclient.ReceivedMessage{MessageID: "1", ReceiptHandle: "rh-bounce", Body: snsWrap(t, sesPermanentBounce)},
		sqsclient.ReceivedMessage{MessageID: "2", ReceiptHandle: "rh-soft", Body: snsWrap(t, sesTransientBounce)},
		sqsclient.ReceivedMessage{MessageID: "3", ReceiptHandle: "rh-confirm", Body: `{"Type":"SubscriptionConfirmation","TopicArn":"arn","SubscribeURL":"https://example.com"}`},
		sqsclient.ReceivedMessage{MessageID: "4", ReceiptHandle: "rh-garbage", Body: `not json`},
	)

	n, err := sub.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 messages, got %d", n)
	}
	if got := client.deletedHandles(); len(got) != 4 {
		t.Errorf("expected every message deleted, got %v", got)
	}

	ctx := context.Background()
	for _, addr := range []string{"gone@example.com", "also-gone@example.com"} {
		if ok, _ := suppression.IsSuppressed(ctx, store, addr); !ok {
			t.Errorf("expected %s to be suppressed", addr)
		}
	}
	if ok, _ := suppression.IsSuppressed(ctx, store, "full@example.com"); ok {
		t.Error("soft bounce must not suppress")
	}
}

func TestSubscriber_StoreFailureLeavesMessage(t *testing.T) {
	client := &mockSQS{}
	sub := NewSubscriber(client, SubscriberConfig{QueueURL: testFeedbackURL}, NewListener(failingStore{}, time.Second, zerolog.Nop()), zerolog.Nop())

	client.push(sqsclient.ReceivedMessage{MessageID: "1", ReceiptHandle: "rh-1", Body: sesComplaintBody})

	if _, err := sub.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := client.deletedHandles(); len(got) != 0 {
		t.Errorf("expected message to stay for redelivery, deleted %v", got)
	}
}

func TestSubscriber_SendGridFormat(t *testing.T) {
	client := &mockSQS{}
	store := suppression.NewMemoryStore()
	sub := NewSubscriber(client, SubscriberConfig{QueueURL: testFeedbackURL, Format: SourceSendGrid}, NewListener(store, time.Second, zerolog.Nop()), zerolog.Nop())

	client.push(sqsclient.ReceivedMessage{MessageID: "1", ReceiptHandle: "rh-1", Body: `[{"email":"angry@example.com","event":"spamreport","timestamp":1772366400}]`})

	if _, err := sub.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	entries, _ := store.Find(context.Background(), "angry@example.com")
	if len(entries) != 1 || entries[0].Reason != suppression.ReasonComplaint {
		t.Errorf("expected complaint entry, got %+v", entries)
	}
}

func TestSubscriber_ReceiveError(t *testing.T) {
	client := &mockSQS{receiveErr: errors.New("throttled")}
	sub := NewSubscriber(client, SubscriberConfig{QueueURL: testFeedbackURL}, NewListener(suppression.NewMemoryStore(), time.Second, zerolog.Nop()), zerolog.Nop())

	if _, err := sub.PollOnce(context.Background()); err == nil {
		t.Error("expected receive error")
	}
}

func TestSubscriber_StartStop(t *testing.T) {
	client := &mockSQS{}
	store := suppression.NewMemoryStore()
	sub := NewSubscriber(client, SubscriberConfig{QueueURL: testFeedbackURL, Format: SourceSES}, NewListener(store, time.Second, zerolog.Nop()), zerolog.Nop())

	client.push(sqsclient.ReceivedMessage{MessageID: "1", ReceiptHandle: "rh-1", Body: sesComplaintBody})
	sub.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for len(client.deletedHandles()) == 0 {
		select {
		case <-deadline:
			sub.Stop()
			t.Fatal("subscriber never handled the message")
		case <-time.After(5 * time.Millisecond):
		}
	}
	sub.Stop()

	if ok, _ := suppression.IsSuppressed(context.Background(), store, "angry@example.com"); !ok {
		t.Error("expected complaint to be recorded")
	}
}
