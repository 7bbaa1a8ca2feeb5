// Package intake accepts notifications over SMTP and enqueues one delivery
// message per recipient.
package intake

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/metrics"
	"github.com/sungwon/notify-relay/internal/msgstore"
	"github.com/sungwon/notify-relay/internal/queue"
)

const (
	defaultMaxConnections = 100
	defaultMaxRecipients  = 100
	defaultScope          = "smtp"
	defaultEnqueueTimeout = 10 * time.Second
)

// Config controls session limits and how submitted mail is turned into
// queue messages.
type Config struct {
	MaxConnections       int
	MaxRecipients        int
	AllowedSenderDomains []string
	// Scope namespaces message IDs derived from Message-Id headers.
	Scope          string
	StoreBodies    bool
	EnqueueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = defaultMaxRecipients
	}
	if strings.TrimSpace(c.Scope) == "" {
		c.Scope = defaultScope
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	return c
}

// Backend implements the go-smtp Backend interface.
// It manages session creation and enforces connection limits.
type Backend struct {
	enqueuer queue.Enqueuer
	bodies   msgstore.Store
	cfg      Config
	log      zerolog.Logger
	active   atomic.Int64
}

// NewBackend creates an intake backend. bodies may be nil unless
// cfg.StoreBodies is set.
func NewBackend(enqueuer queue.Enqueuer, bodies msgstore.Store, cfg Config, log zerolog.Logger) *Backend {
	return &Backend{
		enqueuer: enqueuer,
		bodies:   bodies,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// NewSession is called after a client sends EHLO/HELO. It enforces connection
// limits and creates a new Session for the connection.
func (b *Backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	current := b.active.Add(1)
	if int(current) > b.cfg.MaxConnections {
		b.active.Add(-1)
		b.log.Warn().
			Int64("active", current-1).
			Int("max", b.cfg.MaxConnections).
			Msg("connection limit reached")
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections",
		}
	}
	metrics.IntakeSessionsActive.Inc()

	remote := ""
	if conn != nil {
		remote = conn.Hostname()
	}
	return b.newSession(remote), nil
}

func (b *Backend) newSession(remote string) *Session {
	correlationID := logger.NewCorrelationID()
	sessionLog := b.log.With().
		Str("correlation_id", correlationID).
		Str("remote_addr", remote).
		Logger()

	ctx := logger.WithCorrelationID(context.Background(), correlationID)
	ctx = logger.WithLogger(ctx, sessionLog)

	sessionLog.Debug().Msg("new SMTP session")

	return &Session{
		ctx:     ctx,
		log:     sessionLog,
		backend: b,
	}
}

// ActiveSessions returns the current number of active SMTP sessions.
func (b *Backend) ActiveSessions() int64 {
	return b.active.Load()
}

func (b *Backend) release() {
	b.active.Add(-1)
	metrics.IntakeSessionsActive.Dec()
}
