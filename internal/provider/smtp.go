package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// SMTP relays messages to an SMTP server (an ESP's SMTP endpoint or a
// local MTA). STARTTLS is used whenever the server advertises it.
type SMTP struct {
	addr      string
	host      string
	helo      string
	from      string
	username  string
	password  string
	tlsConfig *tls.Config
	dialer    *net.Dialer
	now       func() time.Time
}

// NewSMTP creates an SMTP provider from cfg.
func NewSMTP(cfg Config) (*SMTP, error) {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil, errors.New("smtp: host is required")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("smtp: invalid port %d", port)
	}
	helo := cfg.SMTPHelo
	if helo == "" {
		helo = "localhost"
	}

	return &SMTP{
		addr:      net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(port)),
		host:      cfg.SMTPHost,
		helo:      helo,
		from:      cfg.From,
		username:  cfg.SMTPUsername,
		password:  cfg.SMTPPassword,
		tlsConfig: &tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12},
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
	}, nil
}

func (s *SMTP) GetName() string { return "smtp" }

func (s *SMTP) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	from := msg.From
	if from == "" {
		from = s.from
	}
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, &ProviderError{Provider: s.GetName(), Message: "invalid from address: " + from, Permanent: true, Err: err}
	}
	toAddr, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, &ProviderError{Provider: s.GetName(), Message: "invalid recipient address", Permanent: true, Err: err}
	}

	messageID := fmt.Sprintf("<%s@%s>", msg.ID, s.helo)
	data, err := buildMIME(msg, fromAddr, toAddr, messageID, s.now())
	if err != nil {
		return nil, &ProviderError{Provider: s.GetName(), Message: err.Error(), Permanent: true, Err: err}
	}

	c, err := s.connect(ctx)
	if err != nil {
		return nil, ClassifySMTPError(s.GetName(), err)
	}
	defer c.Close()

	if err := s.deliver(c, fromAddr.Address, toAddr.Address, data); err != nil {
		return nil, ClassifySMTPError(s.GetName(), err)
	}

	return &Receipt{
		ProviderMessageID: messageID,
		Provider:          s.GetName(),
		AcceptedAt:        s.now(),
	}, nil
}

// connect dials, greets, upgrades to TLS when offered and authenticates
// when credentials are configured. The connection deadline follows ctx.
func (s *SMTP) connect(ctx context.Context) (*gosmtp.Client, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := gosmtp.NewClient(conn)
	if err := c.Hello(s.helo); err != nil {
		c.Close()
		return nil, err
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(s.tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (s *SMTP) deliver(c *gosmtp.Client, from, to string, data []byte) error {
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	if err := c.Rcpt(to, nil); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// HealthCheck opens a session and issues NOOP.
func (s *SMTP) HealthCheck(ctx context.Context) error {
	c, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	defer c.Close()
	if err := c.Noop(); err != nil {
		return fmt.Errorf("smtp: noop: %w", err)
	}
	return c.Quit()
}

// buildMIME renders msg as an RFC 5322 message. A message with both text
// and HTML becomes multipart/alternative.
func buildMIME(msg *Message, from, to *mail.Address, messageID string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	hdr := textproto.MIMEHeader{}
	hdr.Set("From", from.String())
	hdr.Set("To", to.String())
	hdr.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	hdr.Set("Date", now.Format(time.RFC1123Z))
	hdr.Set("Message-ID", messageID)
	hdr.Set("MIME-Version", "1.0")
	for k, v := range msg.Headers {
		if hdr.Get(k) == "" {
			hdr.Set(k, v)
		}
	}

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		for _, part := range []struct{ ctype, content string }{
			{"text/plain; charset=utf-8", msg.TextBody},
			{"text/html; charset=utf-8", msg.HTMLBody},
		} {
			pw, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {part.ctype},
				"Content-Transfer-Encoding": {"quoted-printable"},
			})
			if err != nil {
				return nil, err
			}
			if err := writeQP(pw, part.content); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		hdr.Set("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		writeHeader(&buf, hdr)
		buf.Write(body.Bytes())

	case msg.HTMLBody != "":
		hdr.Set("Content-Type", "text/html; charset=utf-8")
		hdr.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, hdr)
		if err := writeQP(&buf, msg.HTMLBody); err != nil {
			return nil, err
		}

	case msg.TextBody != "":
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		hdr.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, hdr)
		if err := writeQP(&buf, msg.TextBody); err != nil {
			return nil, err
		}

	default:
		return nil, errors.New("message has no body")
	}

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, hdr textproto.MIMEHeader) {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range hdr[k] {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func writeQP(w io.Writer, s string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(s)); err != nil {
		return err
	}
	return qp.Close()
}
