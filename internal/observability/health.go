package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from registered dependency checks.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	logger  *slog.Logger
	started time.Time
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status        string                 `json:"status"` // "ok" or "degraded"
	UptimeSeconds int64                  `json:"uptime_seconds,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger, started: time.Now()}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// Names returns the registered check names in sorted order.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// CheckHealth returns liveness status. It is "ok" whenever the process can answer.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok", UptimeSeconds: int64(time.Since(h.started).Seconds())}
}

// CheckReady runs all registered checks concurrently and returns aggregate
// readiness: "ok" only if every check passes, "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(checkCtx)
			results[i] = CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
			}
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i].Status == "ok" {
			continue
		}
		status.Status = "degraded"
		if h.logger != nil {
			h.logger.WarnContext(ctx, "readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", results[i].Message),
			)
		}
	}

	return status
}
