package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultCheckTimeout  = 10 * time.Second
	unhealthyThreshold   = 3
)

// HealthStatus is the current health state of a provider.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// HealthChecker periodically checks providers and tracks their status. A
// provider becomes unhealthy after unhealthyThreshold consecutive failures
// and healthy again after one success.
type HealthChecker struct {
	mu            sync.RWMutex
	providers     []Provider
	statuses      map[string]*HealthStatus
	checkInterval time.Duration
	checkTimeout  time.Duration
	stopCh        chan struct{}
	stopped       chan struct{}
}

func NewHealthChecker(providers ...Provider) *HealthChecker {
	return &HealthChecker{
		providers:     providers,
		statuses:      make(map[string]*HealthStatus),
		checkInterval: defaultCheckInterval,
		checkTimeout:  defaultCheckTimeout,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Start begins the background check loop.
func (hc *HealthChecker) Start() {
	go hc.run()
}

// Stop terminates the check loop and waits for it to finish.
func (hc *HealthChecker) Stop() {
	close(hc.stopCh)
	<-hc.stopped
}

// IsHealthy reports whether a provider is healthy. Unchecked providers are
// not.
func (hc *HealthChecker) IsHealthy(name string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	status, ok := hc.statuses[name]
	return ok && status.Healthy
}

// GetAllStatuses returns a snapshot of every provider's status.
func (hc *HealthChecker) GetAllStatuses() map[string]HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	result := make(map[string]HealthStatus, len(hc.statuses))
	for name, status := range hc.statuses {
		result[name] = *status
	}
	return result
}

// Ready returns an error naming the first unhealthy provider. It is the
// readiness probe hook.
func (hc *HealthChecker) Ready(_ context.Context) error {
	for _, p := range hc.providers {
		if !hc.IsHealthy(p.GetName()) {
			status := hc.GetAllStatuses()[p.GetName()]
			return fmt.Errorf("provider %s unhealthy: %s", p.GetName(), status.LastError)
		}
	}
	return nil
}

func (hc *HealthChecker) run() {
	defer close(hc.stopped)

	hc.checkAll()

	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.checkAll()
		}
	}
}

func (hc *HealthChecker) checkAll() {
	for _, p := range hc.providers {
		hc.checkProvider(p)
	}
}

func (hc *HealthChecker) checkProvider(p Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	defer cancel()

	err := p.HealthCheck(ctx)
	name := p.GetName()

	hc.mu.Lock()
	defer hc.mu.Unlock()

	status, ok := hc.statuses[name]
	if !ok {
		status = &HealthStatus{Healthy: true}
		hc.statuses[name] = status
	}
	status.LastCheck = time.Now()

	if err != nil {
		status.ConsecutiveFailures++
		status.LastError = err.Error()
		if status.ConsecutiveFailures >= unhealthyThreshold {
			status.Healthy = false
		}
		return
	}
	status.ConsecutiveFailures = 0
	status.Healthy = true
	status.LastError = ""
}
