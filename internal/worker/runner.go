package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/limiter"
	"github.com/sungwon/notify-relay/internal/queue"
)

// BatchProcessor decides a verdict for every message of a batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, msgs []queue.Message) BatchResult
}

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	Pollers         int
	BatchSize       int
	PollInterval    time.Duration
	ReceiveTimeout  time.Duration
	ReportTimeout   time.Duration
	ShutdownTimeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Pollers <= 0 {
		c.Pollers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 30 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Runner pulls batches from a queue source, processes them under the
// concurrency limiter and reports every verdict back to the source.
type Runner struct {
	source    queue.Source
	processor BatchProcessor
	limiter   limiter.Limiter
	cfg       RunnerConfig
	log       zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRunner creates a Runner.
func NewRunner(source queue.Source, processor BatchProcessor, lim limiter.Limiter, cfg RunnerConfig, log zerolog.Logger) *Runner {
	return &Runner{
		source:    source,
		processor: processor,
		limiter:   lim,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Start launches the configured number of poller goroutines.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for i := range r.cfg.Pollers {
		r.wg.Add(1)
		go r.poll(ctx, fmt.Sprintf("poller-%d", i))
	}

	r.log.Info().
		Int("pollers", r.cfg.Pollers).
		Int("batch_size", r.cfg.BatchSize).
		Msg("runner started")
}

// Stop stops polling and waits up to the shutdown timeout for in-flight
// batches to be processed and reported.
func (r *Runner) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		r.log.Info().Msg("runner stopped gracefully")
	case <-timer.C:
		r.log.Warn().Msg("runner shutdown timed out")
	case <-ctx.Done():
		r.log.Warn().Err(ctx.Err()).Msg("runner shutdown aborted")
	}
}

func (r *Runner) poll(ctx context.Context, name string) {
	defer r.wg.Done()

	log := r.log.With().Str("poller", name).Logger()
	log.Debug().Msg("poller started")

	for {
		if ctx.Err() != nil {
			log.Debug().Msg("poller stopping")
			return
		}

		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("batch cycle failed")
		}
		if err == nil && n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// RunOnce runs a single cycle: acquire a limiter slot, receive a batch,
// process it and report the verdicts. It returns the number of deliveries
// handled. Processing and reporting are not interrupted by ctx cancellation
// once a batch has been received.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	release, err := r.limiter.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire limiter slot: %w", err)
	}
	defer release()

	recvCtx, cancel := context.WithTimeout(ctx, r.cfg.ReceiveTimeout)
	deliveries, err := r.source.Receive(recvCtx, r.cfg.BatchSize)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("receive batch: %w", err)
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	// The same ID may be queued more than once; process it once and apply
	// its verdict to every copy.
	msgs := make([]queue.Message, 0, len(deliveries))
	seen := make(map[string]bool, len(deliveries))
	for _, d := range deliveries {
		if seen[d.Message.ID] {
			continue
		}
		seen[d.Message.ID] = true
		msgs = append(msgs, d.Message)
	}

	result := r.processor.ProcessBatch(context.WithoutCancel(ctx), msgs)
	r.report(context.WithoutCancel(ctx), deliveries, result)
	return len(deliveries), nil
}

func (r *Runner) report(ctx context.Context, deliveries []queue.Delivery, result BatchResult) {
	for _, d := range deliveries {
		v, ok := result[d.Message.ID]
		if !ok {
			v = fail(OutcomeInternal, queue.KindInternal, "no verdict produced", 0)
		}

		reportCtx, cancel := context.WithTimeout(ctx, r.cfg.ReportTimeout)
		var err error
		if v.Ack {
			err = r.source.Ack(reportCtx, d)
		} else {
			err = r.source.Fail(reportCtx, d, v.Failure)
		}
		cancel()

		switch {
		case errors.Is(err, queue.ErrStaleReceipt):
			r.log.Warn().
				Str("message_id", d.Message.ID).
				Str("verdict", v.label()).
				Msg("lease expired before verdict was reported")
		case err != nil:
			r.log.Error().Err(err).
				Str("message_id", d.Message.ID).
				Str("verdict", v.label()).
				Msg("failed to report verdict")
		}
	}
}
