package health

import (
	"context"
	"time"
)

// DefaultCheckTimeout bounds each individual check.
const DefaultCheckTimeout = 2 * time.Second

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		liveChecks:  make(map[string]CheckFunc),
		started:     time.Now(),
		timeout:     DefaultCheckTimeout,
	}
}

// SetTimeout changes the per-check deadline.
func (hc *HealthChecker) SetTimeout(d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if d > 0 {
		hc.timeout = d
	}
}

// RegisterCheck registers a check reported by /health
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// RegisterReadinessCheck registers a readiness check
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

// RegisterLivenessCheck registers a liveness check
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.liveChecks[name] = check
}

func (hc *HealthChecker) Check(ctx context.Context) Response {
	return hc.run(ctx, func() map[string]CheckFunc { return hc.checks })
}

func (hc *HealthChecker) CheckReadiness(ctx context.Context) Response {
	return hc.run(ctx, func() map[string]CheckFunc { return hc.readyChecks })
}

func (hc *HealthChecker) CheckLiveness(ctx context.Context) Response {
	return hc.run(ctx, func() map[string]CheckFunc { return hc.liveChecks })
}

// run copies the selected check set under the read lock and executes the
// checks outside it, so a slow check never blocks registration.
func (hc *HealthChecker) run(ctx context.Context, pick func() map[string]CheckFunc) Response {
	hc.mu.RLock()
	set := make(map[string]CheckFunc, len(pick()))
	for name, fn := range pick() {
		set[name] = fn
	}
	timeout := hc.timeout
	hc.mu.RUnlock()

	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(set)),
		Uptime:    time.Since(hc.started).Seconds(),
	}

	for name, fn := range set {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		check := fn(checkCtx)
		cancel()
		if check.Name == "" {
			check.Name = name
		}
		check.Duration = time.Since(start)
		check.LastChecked = start
		response.Checks[name] = check

		// worst status wins
		switch {
		case check.Status == StatusUnhealthy:
			response.Status = StatusUnhealthy
		case check.Status == StatusDegraded && response.Status != StatusUnhealthy:
			response.Status = StatusDegraded
		}
	}

	return response
}
