package intake

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// errNoBody is returned for a message without a text or HTML part.
var errNoBody = errors.New("message has no text or html body")

// parsedMessage holds what the intake keeps of a submitted RFC 5322 message.
// Attachments are counted but not carried: queued payloads hold text and
// HTML only.
type parsedMessage struct {
	MessageID   string
	From        string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments int
}

var wordDecoder = new(mime.WordDecoder)

// parseMessage extracts the subject, sender, Message-Id and the first text
// and HTML parts of raw, walking nested multiparts.
func parseMessage(raw []byte) (*parsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	parsed := &parsedMessage{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
	}
	if from, err := msg.Header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].Address
	}

	contentType := msg.Header.Get("Content-Type")
	transferEncoding := msg.Header.Get("Content-Transfer-Encoding")

	if contentType == "" {
		// No Content-Type header; treat as text/plain per RFC 2045.
		body, err := readBody(msg.Body, transferEncoding)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		parsed.TextBody = string(body)
		return parsed, nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse Content-Type: %w", err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart message missing boundary")
		}
		if err := walkMultipart(msg.Body, boundary, parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	}

	body, err := readBody(msg.Body, transferEncoding)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	switch {
	case mediaType == "text/html":
		parsed.HTMLBody = string(body)
	case strings.HasPrefix(mediaType, "text/"):
		parsed.TextBody = string(body)
	default:
		parsed.Attachments++
	}
	return parsed, nil
}

func walkMultipart(r io.Reader, boundary string, parsed *parsedMessage) error {
	mr := multipart.NewReader(r, boundary)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read next part: %w", err)
		}

		mediaType := "text/plain"
		var params map[string]string
		if ct := part.Header.Get("Content-Type"); ct != "" {
			mediaType, params, err = mime.ParseMediaType(ct)
			if err != nil {
				mediaType = "application/octet-stream"
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				if err := walkMultipart(part, nested, parsed); err != nil {
					return err
				}
			}
			continue
		}

		if isAttachment(part) {
			parsed.Attachments++
			continue
		}

		body, err := readBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("read part body: %w", err)
		}

		switch {
		case mediaType == "text/plain" && parsed.TextBody == "":
			parsed.TextBody = string(body)
		case mediaType == "text/html" && parsed.HTMLBody == "":
			parsed.HTMLBody = string(body)
		default:
			parsed.Attachments++
		}
	}
}

func isAttachment(part *multipart.Part) bool {
	disposition := part.Header.Get("Content-Disposition")
	if disposition == "" {
		return false
	}
	dispType, _, err := mime.ParseMediaType(disposition)
	return err == nil && strings.EqualFold(dispType, "attachment")
}

// readBody reads the full contents of r, decoding the Content-Transfer-Encoding
// (base64 or quoted-printable) when applicable.
func readBody(r io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// decodeHeader decodes RFC 2047 encoded-words, returning s unchanged when it
// cannot be decoded.
func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
