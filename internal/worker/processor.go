// Package worker consumes batches from the queue. Processor decides a
// verdict for every message of a batch; Runner pulls batches, bounds them
// with a limiter and reports the verdicts back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sungwon/notify-relay/internal/idempotency"
	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/metrics"
	"github.com/sungwon/notify-relay/internal/msgstore"
	"github.com/sungwon/notify-relay/internal/provider"
	"github.com/sungwon/notify-relay/internal/queue"
	"github.com/sungwon/notify-relay/internal/suppression"
)

// bodyFetchBackoff spaces out body store read retries.
var bodyFetchBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
}

// Config holds the timeouts and limits of a Processor.
type Config struct {
	// StaleAfter is how long an IN_PROGRESS claim is honoured before another
	// worker may take it over. It must be shorter than the queue visibility
	// timeout.
	StaleAfter   time.Duration
	ClaimTimeout time.Duration
	SendTimeout  time.Duration
	// Parallelism bounds concurrently processed messages within one batch.
	Parallelism      int
	BodyFetchRetries int
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 10
	}
	if c.BodyFetchRetries < 0 {
		c.BodyFetchRetries = 0
	}
	if c.BodyFetchRetries > len(bodyFetchBackoff) {
		c.BodyFetchRetries = len(bodyFetchBackoff)
	}
	return c
}

// Processor implements processBatch: dedup, suppression check, send and
// outcome recording for every message, each independently.
type Processor struct {
	claims       idempotency.Store
	suppressions suppression.Store
	bodies       msgstore.Store
	provider     provider.Provider
	retry        *queue.RetryStrategy
	cfg          Config
	log          zerolog.Logger
	now          func() time.Time
}

// NewProcessor creates a Processor. bodies may be nil when every message
// carries its body inline.
func NewProcessor(
	claims idempotency.Store,
	suppressions suppression.Store,
	bodies msgstore.Store,
	p provider.Provider,
	retry *queue.RetryStrategy,
	cfg Config,
	log zerolog.Logger,
) *Processor {
	if retry == nil {
		retry = queue.NewRetryStrategy()
	}
	return &Processor{
		claims:       claims,
		suppressions: suppressions,
		bodies:       bodies,
		provider:     p,
		retry:        retry,
		cfg:          cfg.withDefaults(),
		log:          log,
		now:          time.Now,
	}
}

// ProcessBatch returns one verdict per message. A failure or panic while
// processing one message never affects the verdict of another.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []queue.Message) BatchResult {
	start := time.Now()
	metrics.InflightBatches.Inc()
	defer func() {
		metrics.InflightBatches.Dec()
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	result := make(BatchResult, len(msgs))
	var mu sync.Mutex

	// A batch can carry the same ID twice; the verdict is shared by both.
	seen := make(map[string]struct{}, len(msgs))

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Parallelism)
	for i := range msgs {
		msg := &msgs[i]
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		g.Go(func() error {
			v := p.processSafely(ctx, msg)
			metrics.VerdictsTotal.WithLabelValues(v.label(), string(v.Outcome)).Inc()

			mu.Lock()
			result[msg.ID] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// processSafely turns a panic into a retryable Fail for that message only.
func (p *Processor) processSafely(ctx context.Context, msg *queue.Message) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("message_id", msg.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic while processing message")
			v = fail(OutcomePanic, queue.KindPanic, fmt.Sprintf("panic: %v", r), p.transientDelay(msg))
		}
	}()
	return p.process(ctx, msg)
}

func (p *Processor) process(ctx context.Context, msg *queue.Message) Verdict {
	log := p.log.With().
		Str("message_id", msg.ID).
		Str("recipient", logger.MaskAddress(msg.Payload.Recipient)).
		Int("receive_count", msg.ReceiveCount).
		Logger()

	if err := msg.Validate(); err != nil {
		log.Error().Err(err).Msg("malformed message, dropping")
		if msg.ID != "" {
			p.markPermanent(ctx, log, msg.ID, err.Error())
		}
		return ack(OutcomePermanent)
	}

	if v, claimed := p.claim(ctx, log, msg); !claimed {
		return v
	}

	suppressed, err := p.isSuppressed(ctx, msg.Payload.Recipient)
	if err != nil {
		log.Warn().Err(err).Msg("suppression lookup failed")
		return fail(OutcomeInternal, queue.KindInternal, "suppression lookup: "+err.Error(), p.transientDelay(msg))
	}
	if suppressed {
		if err := p.markCompleted(ctx, msg.ID, ""); err != nil {
			log.Warn().Err(err).Msg("failed to record suppressed message")
			return fail(OutcomeInternal, queue.KindInternal, "record suppressed: "+err.Error(), p.transientDelay(msg))
		}
		log.Info().Msg("recipient suppressed, skipping send")
		return ack(OutcomeSuppressed)
	}

	body, err := p.resolveBody(ctx, log, msg)
	if err != nil {
		if isPermanentBodyError(err) {
			log.Error().Err(err).Str("body_ref", msg.Payload.BodyRef).Msg("message body unusable")
			p.markPermanent(ctx, log, msg.ID, err.Error())
			return ack(OutcomePermanent)
		}
		log.Warn().Err(err).Str("body_ref", msg.Payload.BodyRef).Msg("message body unavailable")
		return fail(OutcomeTransient, queue.KindTransient, "body fetch: "+err.Error(), p.transientDelay(msg))
	}

	return p.send(ctx, log, msg, body)
}

// claim resolves the idempotency record. It reports claimed=false together
// with the final verdict when the message must not be sent by this worker.
func (p *Processor) claim(ctx context.Context, log zerolog.Logger, msg *queue.Message) (Verdict, bool) {
	now := p.now()

	claimCtx, cancel := context.WithTimeout(ctx, p.cfg.ClaimTimeout)
	res, err := p.claims.TryClaim(claimCtx, msg.ID, now)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("idempotency claim failed")
		return fail(OutcomeInternal, queue.KindInternal, "claim: "+err.Error(), p.transientDelay(msg)), false
	}
	metrics.ClaimsTotal.WithLabelValues(res.Outcome.String()).Inc()

	switch res.Outcome {
	case idempotency.NewClaim:
		return Verdict{}, true

	case idempotency.AlreadyCompleted:
		log.Info().Str("receipt_id", res.ReceiptID).Msg("duplicate delivery of completed message")
		v := ack(OutcomeDuplicate)
		v.ReceiptID = res.ReceiptID
		return v, false

	case idempotency.AlreadyFailed:
		log.Info().Str("reason", res.Reason).Msg("duplicate delivery of permanently failed message")
		return ack(OutcomeDuplicate), false
	}

	age := now.Sub(res.Since)
	if age < p.cfg.StaleAfter {
		log.Debug().Dur("claim_age", age).Msg("message is being processed elsewhere")
		return fail(OutcomeConflict, queue.KindClaimConflict, "claimed by another worker", p.cfg.StaleAfter-age), false
	}

	claimCtx, cancel = context.WithTimeout(ctx, p.cfg.ClaimTimeout)
	ok, err := p.claims.TakeOver(claimCtx, msg.ID, res.Since, now)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("stale claim takeover failed")
		return fail(OutcomeInternal, queue.KindInternal, "takeover: "+err.Error(), p.transientDelay(msg)), false
	}
	if !ok {
		return fail(OutcomeConflict, queue.KindClaimConflict, "stale claim taken over by another worker", p.cfg.StaleAfter), false
	}
	metrics.ClaimsTotal.WithLabelValues("takeover").Inc()
	log.Info().Dur("claim_age", age).Msg("took over stale claim")
	return Verdict{}, true
}

func (p *Processor) isSuppressed(ctx context.Context, recipient string) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.ClaimTimeout)
	defer cancel()
	return suppression.IsSuppressed(lookupCtx, p.suppressions, recipient)
}

func (p *Processor) send(ctx context.Context, log zerolog.Logger, msg *queue.Message, body msgstore.Body) Verdict {
	pm := &provider.Message{
		ID:       msg.ID,
		From:     msg.Payload.From,
		To:       msg.Payload.Recipient,
		Subject:  msg.Payload.Subject,
		TextBody: body.Text,
		HTMLBody: body.HTML,
		Tags:     msg.Payload.Metadata,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	receipt, err := p.provider.Send(sendCtx, pm)
	cancel()

	log = log.With().Str("provider", p.provider.GetName()).Logger()

	if err != nil {
		if provider.IsPermanent(err) {
			log.Error().Err(err).Msg("permanent send failure")
			p.markPermanent(ctx, log, msg.ID, err.Error())
			return ack(OutcomePermanent)
		}
		log.Warn().Err(err).Msg("transient send failure, will retry")
		return fail(OutcomeTransient, queue.KindTransient, err.Error(), p.transientDelay(msg))
	}

	// The message has left; a failed write here must not cause a re-send.
	if err := p.markCompleted(ctx, msg.ID, receipt.ProviderMessageID); err != nil {
		log.Error().Err(err).Str("receipt_id", receipt.ProviderMessageID).Msg("sent but failed to record completion")
	}
	log.Info().Str("receipt_id", receipt.ProviderMessageID).Msg("message sent")

	v := ack(OutcomeSent)
	v.ReceiptID = receipt.ProviderMessageID
	return v
}

// markCompleted and markPermanent run detached from ctx cancellation so a
// shutdown between send and record does not lose the outcome.
func (p *Processor) markCompleted(ctx context.Context, id, receipt string) error {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ClaimTimeout)
	defer cancel()
	return p.claims.MarkCompleted(markCtx, id, receipt)
}

func (p *Processor) markPermanent(ctx context.Context, log zerolog.Logger, id, reason string) {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ClaimTimeout)
	defer cancel()
	if err := p.claims.MarkPermanentFailure(markCtx, id, reason); err != nil {
		log.Error().Err(err).Msg("failed to record permanent failure")
	}
}

var errNoBody = errors.New("message has neither an inline body nor a body reference")

// resolveBody returns the inline body or loads the referenced one, retrying
// store reads that may succeed later.
func (p *Processor) resolveBody(ctx context.Context, log zerolog.Logger, msg *queue.Message) (msgstore.Body, error) {
	if msg.HasInlineBody() {
		return msgstore.Body{Text: msg.Payload.TextBody, HTML: msg.Payload.HTMLBody}, nil
	}
	if msg.Payload.BodyRef == "" {
		return msgstore.Body{}, errNoBody
	}
	if p.bodies == nil {
		return msgstore.Body{}, errors.New("no body store configured")
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := msgstore.GetBody(ctx, p.bodies, msg.Payload.BodyRef)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if isPermanentBodyError(err) || attempt >= p.cfg.BodyFetchRetries {
			break
		}
		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Msg("body store read failed, retrying")

		select {
		case <-ctx.Done():
			return msgstore.Body{}, ctx.Err()
		case <-time.After(bodyFetchBackoff[attempt]):
		}
	}
	return msgstore.Body{}, lastErr
}

func isPermanentBodyError(err error) bool {
	return errors.Is(err, errNoBody) ||
		errors.Is(err, msgstore.ErrNotFound) ||
		errors.Is(err, msgstore.ErrMalformed) ||
		errors.Is(err, msgstore.ErrInvalidRef)
}

// transientDelay keeps a failed message invisible at least until its claim
// turns stale, so the redelivery can take it over.
func (p *Processor) transientDelay(msg *queue.Message) time.Duration {
	d := p.retry.NextBackoff(msg.ReceiveCount)
	if d < p.cfg.StaleAfter {
		return p.cfg.StaleAfter
	}
	return d
}
