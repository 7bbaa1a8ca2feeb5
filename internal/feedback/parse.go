package feedback

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Sources accepted by Parse.
const (
	SourceSES      = "ses"
	SourceSendGrid = "sendgrid"
	SourceMailgun  = "mailgun"
)

// Parse decodes a notification in the given source format.
func Parse(source string, data []byte) ([]OutcomeEvent, error) {
	switch source {
	case SourceSES:
		return ParseSNS(data)
	case SourceSendGrid:
		return ParseSendGrid(data)
	case SourceMailgun:
		return ParseMailgun(data)
	default:
		return nil, fmt.Errorf("unsupported feedback format: %s", source)
	}
}

// --- SES (via SNS) ---

type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesNotification struct {
	NotificationType string        `json:"notificationType"`
	EventType        string        `json:"eventType"`
	Mail             sesMail       `json:"mail"`
	Bounce           *sesBounce    `json:"bounce,omitempty"`
	Complaint        *sesComplaint `json:"complaint,omitempty"`
}

type sesMail struct {
	MessageID string `json:"messageId"`
}

type sesRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	DiagnosticCode string `json:"diagnosticCode,omitempty"`
}

type sesBounce struct {
	BounceType        string         `json:"bounceType"`
	BounceSubType     string         `json:"bounceSubType"`
	BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
	Timestamp         time.Time      `json:"timestamp"`
	FeedbackID        string         `json:"feedbackId"`
}

type sesComplaint struct {
	ComplainedRecipients  []sesRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string         `json:"complaintFeedbackType"`
	Timestamp             time.Time      `json:"timestamp"`
	FeedbackID            string         `json:"feedbackId"`
}

// ParseSNS decodes an SES bounce or complaint notification, either wrapped
// in an SNS envelope or delivered raw. Only permanent bounces produce
// events. A subscription handshake yields *SubscriptionConfirmation.
func ParseSNS(data []byte) ([]OutcomeEvent, error) {
	var env snsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	inner := data
	switch env.Type {
	case "SubscriptionConfirmation":
		return nil, &SubscriptionConfirmation{TopicArn: env.TopicArn, SubscribeURL: env.SubscribeURL}
	case "UnsubscribeConfirmation":
		return nil, fmt.Errorf("%w: sns %s", ErrUnsupportedEvent, env.Type)
	case "Notification":
		inner = []byte(env.Message)
	case "":
	default:
		return nil, fmt.Errorf("%w: sns type %q", ErrUnsupportedEvent, env.Type)
	}

	var n sesNotification
	if err := json.Unmarshal(inner, &n); err != nil {
		return nil, fmt.Errorf("%w: ses notification: %v", ErrMalformedEvent, err)
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	switch kind {
	case "Bounce":
		if n.Bounce == nil {
			return nil, fmt.Errorf("%w: bounce without details", ErrMalformedEvent)
		}
		if n.Bounce.BounceType != "Permanent" {
			return nil, fmt.Errorf("%w: %s bounce", ErrUnsupportedEvent, strings.ToLower(n.Bounce.BounceType))
		}
		detail := n.Bounce.BounceType + ": " + n.Bounce.BounceSubType
		return sesEvents(KindBounce, n.Bounce.BouncedRecipients, n.Bounce.Timestamp, n.Mail.MessageID, detail)

	case "Complaint":
		if n.Complaint == nil {
			return nil, fmt.Errorf("%w: complaint without details", ErrMalformedEvent)
		}
		return sesEvents(KindComplaint, n.Complaint.ComplainedRecipients, n.Complaint.Timestamp, n.Mail.MessageID, n.Complaint.ComplaintFeedbackType)

	default:
		return nil, fmt.Errorf("%w: ses %q", ErrUnsupportedEvent, kind)
	}
}

func sesEvents(kind Kind, recipients []sesRecipient, at time.Time, messageID, detail string) ([]OutcomeEvent, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: %s without recipients", ErrMalformedEvent, kind)
	}
	events := make([]OutcomeEvent, 0, len(recipients))
	for _, r := range recipients {
		d := detail
		if r.DiagnosticCode != "" {
			d += " (" + r.DiagnosticCode + ")"
		}
		events = append(events, OutcomeEvent{
			Recipient:         r.EmailAddress,
			Kind:              kind,
			OccurredAt:        at,
			Source:            SourceSES,
			ProviderMessageID: messageID,
			Detail:            d,
		})
	}
	return events, nil
}

// --- SendGrid ---

type sendGridEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	Type        string `json:"type"`
	SGMessageID string `json:"sg_message_id"`
	Reason      string `json:"reason"`
	Timestamp   int64  `json:"timestamp"`
}

// ParseSendGrid decodes a SendGrid event webhook batch. Events other than
// hard bounces and spam reports are skipped, so a batch may yield nothing.
func ParseSendGrid(data []byte) ([]OutcomeEvent, error) {
	var batch []sendGridEvent
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var events []OutcomeEvent
	for _, e := range batch {
		var kind Kind
		switch {
		case e.Event == "bounce" && e.Type != "blocked":
			kind = KindBounce
		case e.Event == "spamreport":
			kind = KindComplaint
		default:
			continue
		}
		events = append(events, OutcomeEvent{
			Recipient:         e.Email,
			Kind:              kind,
			OccurredAt:        time.Unix(e.Timestamp, 0).UTC(),
			Source:            SourceSendGrid,
			ProviderMessageID: e.SGMessageID,
			Detail:            e.Reason,
		})
	}
	return events, nil
}

// --- Mailgun ---

type mailgunWebhookPayload struct {
	EventData *mailgunEventData `json:"event-data"`
}

type mailgunEventData struct {
	Event          string                `json:"event"`
	Severity       string                `json:"severity"`
	Recipient      string                `json:"recipient"`
	Timestamp      float64               `json:"timestamp"`
	Message        mailgunMessage        `json:"message"`
	DeliveryStatus mailgunDeliveryStatus `json:"delivery-status"`
}

type mailgunMessage struct {
	Headers mailgunHeaders `json:"headers"`
}

type mailgunHeaders struct {
	MessageID string `json:"message-id"`
}

type mailgunDeliveryStatus struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ParseMailgun decodes a Mailgun webhook. Permanent failures become bounces
// and "complained" becomes a complaint.
func ParseMailgun(data []byte) ([]OutcomeEvent, error) {
	var payload mailgunWebhookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if payload.EventData == nil {
		return nil, fmt.Errorf("%w: missing event-data", ErrMalformedEvent)
	}
	e := payload.EventData

	var kind Kind
	switch {
	case e.Event == "failed" && e.Severity == "permanent":
		kind = KindBounce
	case e.Event == "complained":
		kind = KindComplaint
	default:
		return nil, fmt.Errorf("%w: mailgun %s %s", ErrUnsupportedEvent, e.Severity, e.Event)
	}

	sec, frac := math.Modf(e.Timestamp)
	return []OutcomeEvent{{
		Recipient:         e.Recipient,
		Kind:              kind,
		OccurredAt:        time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Source:            SourceMailgun,
		ProviderMessageID: e.Message.Headers.MessageID,
		Detail:            e.DeliveryStatus.Message,
	}}, nil
}
