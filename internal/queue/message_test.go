package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	before := time.Now().UTC()
	msg := NewMessage("order-42-receipt", Payload{Recipient: "a@example.com", Subject: "Receipt"})

	if msg.ID != "order-42-receipt" {
		t.Errorf("ID = %q, want order-42-receipt", msg.ID)
	}
	if msg.ReceiveCount != 0 {
		t.Errorf("ReceiveCount = %d, want 0", msg.ReceiveCount)
	}
	if msg.EnqueuedAt.Before(before) {
		t.Errorf("EnqueuedAt %v is before %v", msg.EnqueuedAt, before)
	}
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("orders", "42:receipt")
	b := DeterministicID("orders", "42:receipt")
	c := DeterministicID("orders", "43:receipt")
	d := DeterministicID("order", "s42:receipt")

	if a != b {
		t.Errorf("expected identical IDs for the same event, got %s and %s", a, b)
	}
	if a == c {
		t.Error("expected different IDs for different events")
	}
	if a == d {
		t.Error("expected scope and key to be separated")
	}
	if len(a) != 36 {
		t.Errorf("expected UUID length 36, got %d", len(a))
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"valid", Message{ID: "m1", Payload: Payload{Recipient: "a@example.com"}}, nil},
		{"empty id", Message{ID: " ", Payload: Payload{Recipient: "a@example.com"}}, ErrEmptyID},
		{"no recipient", Message{ID: "m1"}, ErrNoRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMessage_JSONFieldNames(t *testing.T) {
	msg := Message{ID: "m1", Payload: Payload{Recipient: "a@example.com", BodyRef: "bodies/m1"}, ReceiveCount: 2}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "payload", "receive_count", "enqueued_at"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected key %q in %s", key, data)
		}
	}
	payload := raw["payload"].(map[string]interface{})
	if payload["body_ref"] != "bodies/m1" {
		t.Errorf("expected body_ref in payload, got %v", payload)
	}
	if _, ok := payload["text_body"]; ok {
		t.Error("expected empty text_body to be omitted")
	}
}

func TestMessage_HasInlineBody(t *testing.T) {
	if (&Message{Payload: Payload{BodyRef: "x"}}).HasInlineBody() {
		t.Error("body reference is not inline")
	}
	if !(&Message{Payload: Payload{HTMLBody: "<p>hi</p>"}}).HasInlineBody() {
		t.Error("html body is inline")
	}
}
