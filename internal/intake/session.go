package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/mail"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/metrics"
	"github.com/sungwon/notify-relay/internal/msgstore"
	"github.com/sungwon/notify-relay/internal/queue"
	"github.com/sungwon/notify-relay/internal/suppression"
)

// Session handles a single SMTP connection and implements the go-smtp Session
// interface. Each accepted DATA becomes one queue message per recipient.
type Session struct {
	ctx        context.Context
	log        zerolog.Logger
	backend    *Backend
	sender     string
	recipients []string
}

// Mail handles the MAIL FROM command. The sender domain must be in the
// configured allow list when one is set.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	addr, err := parseAddress(from)
	if err != nil {
		s.log.Warn().Str("from", logger.MaskAddress(from)).Msg("invalid sender address format")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
		}
	}

	senderDomain := domainFromEmail(addr)
	if !s.isDomainAllowed(senderDomain) {
		s.log.Warn().
			Str("domain", senderDomain).
			Strs("allowed", s.backend.cfg.AllowedSenderDomains).
			Msg("sender domain not allowed")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Sender domain not allowed",
		}
	}

	s.sender = addr
	s.log.Debug().Str("from", logger.MaskAddress(addr)).Msg("MAIL FROM accepted")
	return nil
}

// Rcpt handles the RCPT TO command. Repeated recipients are accepted once.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr, err := parseAddress(to)
	if err != nil {
		s.log.Warn().Str("to", logger.MaskAddress(to)).Msg("invalid recipient address format")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "Invalid recipient address",
		}
	}

	normalized := suppression.NormalizeAddress(addr)
	for _, r := range s.recipients {
		if suppression.NormalizeAddress(r) == normalized {
			return nil
		}
	}

	if len(s.recipients) >= s.backend.cfg.MaxRecipients {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	s.recipients = append(s.recipients, addr)
	s.log.Debug().Str("to", logger.MaskAddress(addr)).Msg("RCPT TO accepted")
	return nil
}

// Data handles the DATA command. Message body content is never logged.
func (s *Session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read message data")
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	parsed, err := parseMessage(raw)
	if err == nil && parsed.TextBody == "" && parsed.HTMLBody == "" {
		err = errNoBody
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("rejecting unparseable message")
		metrics.IntakeMessagesTotal.WithLabelValues("rejected").Add(float64(len(s.recipients)))
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Message content not accepted",
		}
	}

	msgs := s.buildMessages(parsed, raw)

	ctx, cancel := context.WithTimeout(s.ctx, s.backend.cfg.EnqueueTimeout)
	defer cancel()

	for _, msg := range msgs {
		if err := s.enqueue(ctx, msg, parsed); err != nil {
			s.log.Error().Err(err).
				Str("message_id", msg.ID).
				Str("to", logger.MaskAddress(msg.Payload.Recipient)).
				Msg("failed to enqueue message")
			metrics.IntakeMessagesTotal.WithLabelValues("error").Inc()
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "Error queuing message",
			}
		}
		metrics.IntakeMessagesTotal.WithLabelValues("enqueued").Inc()
	}

	s.log.Info().
		Str("smtp_message_id", parsed.MessageID).
		Int("recipient_count", len(msgs)).
		Int("attachments_dropped", parsed.Attachments).
		Msg("message enqueued")

	return nil
}

// buildMessages derives one queue message per recipient. IDs depend only on
// the Message-Id (or the raw content when absent) and the recipient, so a
// client resubmitting after a temporary failure produces the same IDs.
func (s *Session) buildMessages(parsed *parsedMessage, raw []byte) []*queue.Message {
	eventKey := parsed.MessageID
	if eventKey == "" {
		sum := sha256.Sum256(raw)
		eventKey = "sha256:" + hex.EncodeToString(sum[:])
	}

	from := parsed.From
	if from == "" {
		from = s.sender
	}

	metadata := map[string]string{"source": "smtp"}
	if parsed.MessageID != "" {
		metadata["smtp_message_id"] = parsed.MessageID
	}

	msgs := make([]*queue.Message, 0, len(s.recipients))
	for _, rcpt := range s.recipients {
		id := queue.DeterministicID(s.backend.cfg.Scope, eventKey+"/"+suppression.NormalizeAddress(rcpt))
		msgs = append(msgs, queue.NewMessage(id, queue.Payload{
			Recipient: rcpt,
			From:      from,
			Subject:   parsed.Subject,
			Metadata:  metadata,
		}))
	}
	return msgs
}

func (s *Session) enqueue(ctx context.Context, msg *queue.Message, parsed *parsedMessage) error {
	if s.backend.cfg.StoreBodies && s.backend.bodies != nil {
		ref := s.backend.cfg.Scope + "/" + msg.ID + ".json"
		body := msgstore.Body{Text: parsed.TextBody, HTML: parsed.HTMLBody}
		if err := msgstore.PutBody(ctx, s.backend.bodies, ref, body); err != nil {
			return err
		}
		msg.Payload.BodyRef = ref
	} else {
		msg.Payload.TextBody = parsed.TextBody
		msg.Payload.HTMLBody = parsed.HTMLBody
	}
	return s.backend.enqueuer.Enqueue(ctx, msg)
}

// Reset is called between messages in the same session.
func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

// Logout is called when the client disconnects.
func (s *Session) Logout() error {
	s.backend.release()
	s.log.Debug().Msg("session closed")
	return nil
}

// isDomainAllowed reports whether domain is in the allow list. An empty list
// allows every domain.
func (s *Session) isDomainAllowed(domain string) bool {
	allowed := s.backend.cfg.AllowedSenderDomains
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// parseAddress accepts both bracketed and bare addresses.
func parseAddress(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		addr, err = mail.ParseAddress("<" + s + ">")
		if err != nil {
			return "", err
		}
	}
	return addr.Address, nil
}

// domainFromEmail extracts the domain part from an email address.
func domainFromEmail(email string) string {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}
