package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sampler reports a point-in-time size, such as a queue depth or a store's
// record count.
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (float64, error)

func (f SamplerFunc) Sample(ctx context.Context) (float64, error) { return f(ctx) }

// Gauge is the subset of prometheus.Gauge the collector writes to.
type Gauge interface {
	Set(float64)
}

type sampled struct {
	name    string
	sampler Sampler
	gauge   Gauge
}

// Collector periodically copies sampled sizes into gauges. Stores expose
// sizes through methods that may hit the network, so they are polled here
// instead of on every scrape.
type Collector struct {
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
	items    []sampled
}

// NewCollector creates a Collector polling every interval.
func NewCollector(interval time.Duration, log zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{interval: interval, timeout: 5 * time.Second, log: log}
}

// Track registers a sampler feeding gauge.
func (c *Collector) Track(name string, s Sampler, g Gauge) {
	c.items = append(c.items, sampled{name: name, sampler: s, gauge: g})
}

// CollectOnce samples every tracked source once.
func (c *Collector) CollectOnce(ctx context.Context) {
	for _, it := range c.items {
		sctx, cancel := context.WithTimeout(ctx, c.timeout)
		v, err := it.sampler.Sample(sctx)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("metric", it.name).Msg("metric sample failed")
			continue
		}
		it.gauge.Set(v)
	}
}

// Run samples on every tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.CollectOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}
