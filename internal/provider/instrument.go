package provider

import (
	"context"
	"time"

	"github.com/sungwon/notify-relay/internal/metrics"
)

type instrumented struct {
	Provider
}

// Instrument records send counts and latency for p.
func Instrument(p Provider) Provider {
	return &instrumented{Provider: p}
}

func (i *instrumented) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	name := i.GetName()
	start := time.Now()
	receipt, err := i.Provider.Send(ctx, msg)
	metrics.SendDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	result := "success"
	switch {
	case err == nil:
	case IsPermanent(err):
		result = "permanent"
	default:
		result = "transient"
	}
	metrics.SendsTotal.WithLabelValues(name, result).Inc()
	return receipt, err
}
