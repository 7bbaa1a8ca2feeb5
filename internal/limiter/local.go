package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Local is an in-process Limiter backed by a weighted semaphore.
type Local struct {
	sem *semaphore.Weighted
}

// NewLocal creates a Local limiter with max slots.
func NewLocal(max int) *Local {
	if max <= 0 {
		max = 1
	}
	return &Local{sem: semaphore.NewWeighted(int64(max))}
}

func (l *Local) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	observeWait(start)

	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}
