package provider

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestStdout_Send(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Stdout{writer: &buf, now: func() time.Time { return now }}

	receipt, err := p.Send(context.Background(), &Message{
		ID:       "test-123",
		From:     "sender@example.com",
		To:       "user@example.com",
		Subject:  "Test Subject",
		Headers:  map[string]string{"X-Custom": "value"},
		TextBody: "Hello, World!",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if receipt.ProviderMessageID != "stdout-test-123" {
		t.Errorf("expected provider message ID stdout-test-123, got %s", receipt.ProviderMessageID)
	}
	if !receipt.AcceptedAt.Equal(now) {
		t.Errorf("expected accepted at %v, got %v", now, receipt.AcceptedAt)
	}

	out := buf.String()
	for _, want := range []string{"test-123", "user@example.com", "Test Subject", "X-Custom: value", "Text:    (13 bytes)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestStdout_WriteError(t *testing.T) {
	p := &Stdout{writer: failingWriter{}, now: time.Now}
	if _, err := p.Send(context.Background(), &Message{ID: "m"}); err == nil {
		t.Error("expected write error")
	}
}

func TestStdout_GetName(t *testing.T) {
	if got := NewStdout().GetName(); got != "stdout" {
		t.Errorf("expected name stdout, got %s", got)
	}
}
