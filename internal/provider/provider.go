// Package provider delivers rendered messages through an outbound email
// service and classifies its failures as transient or permanent.
package provider

import (
	"context"
	"time"
)

// Provider sends one message per call. Implementations do not retry; the
// queue's redelivery is the retry mechanism.
type Provider interface {
	// Send delivers msg and returns the provider's receipt, or an error
	// that IsPermanent/IsTransient can classify.
	Send(ctx context.Context, msg *Message) (*Receipt, error)
	// GetName returns the provider's identifier (e.g. "ses", "smtp").
	GetName() string
	// HealthCheck verifies the provider is reachable and able to send.
	HealthCheck(ctx context.Context) error
}

// Message is a single-recipient email ready for delivery.
type Message struct {
	ID       string
	From     string
	To       string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
	Tags     map[string]string
}

// Receipt is the provider's acknowledgement of an accepted message.
type Receipt struct {
	ProviderMessageID string
	Provider          string
	AcceptedAt        time.Time
}
