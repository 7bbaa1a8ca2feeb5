package queue

import (
	"math/rand/v2"
	"time"
)

// DefaultSchedule is the base redelivery delay per receive attempt.
var DefaultSchedule = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// RetryStrategy spaces out redeliveries of transiently failed messages.
type RetryStrategy struct {
	Schedule []time.Duration
	// Jitter returns a value in [0,1). Nil means math/rand.
	Jitter func() float64
}

// NewRetryStrategy returns a RetryStrategy using DefaultSchedule.
func NewRetryStrategy() *RetryStrategy {
	return &RetryStrategy{Schedule: DefaultSchedule}
}

// NextBackoff returns the delay before redelivering a message that has been
// received receiveCount times. Jitter is applied as base * (0.5 + rand*0.5).
func (r *RetryStrategy) NextBackoff(receiveCount int) time.Duration {
	if len(r.Schedule) == 0 {
		return 0
	}
	idx := receiveCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.Schedule) {
		idx = len(r.Schedule) - 1
	}

	jitter := rand.Float64
	if r.Jitter != nil {
		jitter = r.Jitter
	}

	base := r.Schedule[idx]
	return time.Duration(float64(base) * (0.5 + jitter()*0.5))
}
