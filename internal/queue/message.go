package queue

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyID     = errors.New("queue: message id is required")
	ErrNoRecipient = errors.New("queue: message recipient is required")
)

// idNamespace scopes deterministic message IDs to this system.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:notify-relay:message"))

// Payload is the producer-supplied content of a notification. Either BodyRef
// (a key into the message body store) or an inline body is set.
type Payload struct {
	Recipient string            `json:"recipient"`
	From      string            `json:"from,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	BodyRef   string            `json:"body_ref,omitempty"`
	TextBody  string            `json:"text_body,omitempty"`
	HTMLBody  string            `json:"html_body,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is a unit of work on the queue. ID is assigned by the producer and
// stays the same across redeliveries and re-enqueues of the same send intent.
// ReceiveCount is maintained by the queue.
type Message struct {
	ID           string    `json:"id"`
	Payload      Payload   `json:"payload"`
	ReceiveCount int       `json:"receive_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// NewMessage creates a Message for the given producer ID.
func NewMessage(id string, payload Payload) *Message {
	return &Message{
		ID:         id,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// DeterministicID derives a stable message ID from an application event key,
// so that re-publishing the same event produces the same ID.
func DeterministicID(scope, eventKey string) string {
	return uuid.NewSHA1(idNamespace, []byte(scope+"\x00"+eventKey)).String()
}

// Validate checks the fields every consumer relies on.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(m.Payload.Recipient) == "" {
		return ErrNoRecipient
	}
	return nil
}

// HasInlineBody reports whether the message carries its body inline rather
// than as a body store reference.
func (m *Message) HasInlineBody() bool {
	return m.Payload.TextBody != "" || m.Payload.HTMLBody != ""
}
