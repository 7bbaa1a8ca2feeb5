package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Stdout writes messages to a writer instead of delivering them. Intended
// for development; it never fails unless the write does.
type Stdout struct {
	mu     sync.Mutex
	writer io.Writer
	now    func() time.Time
}

// NewStdout creates a Stdout provider writing to os.Stdout.
func NewStdout() *Stdout {
	return &Stdout{writer: os.Stdout, now: time.Now}
}

func (s *Stdout) GetName() string { return "stdout" }

func (s *Stdout) Send(_ context.Context, msg *Message) (*Receipt, error) {
	var b strings.Builder
	b.WriteString("--- stdout provider: message ---\n")
	fmt.Fprintf(&b, "ID:      %s\n", msg.ID)
	fmt.Fprintf(&b, "From:    %s\n", msg.From)
	fmt.Fprintf(&b, "To:      %s\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	for k, v := range msg.Headers {
		fmt.Fprintf(&b, "Header:  %s: %s\n", k, v)
	}
	fmt.Fprintf(&b, "Text:    (%d bytes)\n", len(msg.TextBody))
	fmt.Fprintf(&b, "HTML:    (%d bytes)\n", len(msg.HTMLBody))
	b.WriteString("--- end ---\n")

	s.mu.Lock()
	_, err := io.WriteString(s.writer, b.String())
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("stdout: write: %w", err)
	}

	return &Receipt{
		ProviderMessageID: "stdout-" + msg.ID,
		Provider:          s.GetName(),
		AcceptedAt:        s.now(),
	}, nil
}

func (s *Stdout) HealthCheck(_ context.Context) error {
	return nil
}
