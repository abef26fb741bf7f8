package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/config"
)

// minSamples is the number of observations below which no rate is reported.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
// Operations are free-form keys such as "llm_openai" or "sandbox_run".
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	alerting  map[string]bool
	window    time.Duration
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	windowSecs := cfg.WindowSeconds
	if windowSecs <= 0 {
		windowSecs = 300
	}

	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerting:  make(map[string]bool),
		window:    time.Duration(windowSecs) * time.Second,
		threshold: cfg.ErrorRateThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errors, operation).add(a.now())
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successes, operation).add(a.now())
	a.checkErrorRate(operation)
}

// ErrorRate returns the error ratio of operation within the window and the
// number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rateLocked(operation)
}

func (a *AnomalyDetector) rateLocked(operation string) (float64, int) {
	now := a.now()
	errs := a.getOrCreateWindow(a.errors, operation).count(now)
	total := errs + a.getOrCreateWindow(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

// checkErrorRate logs once when the error rate crosses the threshold and once
// when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	if a.threshold <= 0 {
		return
	}

	rate, total := a.rateLocked(operation)
	if total < minSamples {
		return
	}

	high := rate > a.threshold
	if high == a.alerting[operation] {
		return
	}
	a.alerting[operation] = high
	if a.logger == nil {
		return
	}
	if high {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	} else {
		a.logger.Info("error rate recovered",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends an observation and prunes expired entries.
func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

// count returns the number of observations within the window.
func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
