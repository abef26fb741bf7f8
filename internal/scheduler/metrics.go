package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the maintenance jobs.
type Metrics struct {
	JobRuns         *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	WarmEvicted     prometheus.Counter
	SandboxesReaped prometheus.Counter
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent007",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total maintenance job runs by job and status.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agent007",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"job"}),
		WarmEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent007",
			Subsystem: "scheduler",
			Name:      "warm_evicted_total",
			Help:      "Total warm pool entries evicted after their TTL.",
		}),
		SandboxesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent007",
			Subsystem: "scheduler",
			Name:      "sandboxes_reaped_total",
			Help:      "Total idle sandboxes destroyed by the reaper.",
		}),
	}

	reg.MustRegister(
		m.JobRuns,
		m.JobDuration,
		m.WarmEvicted,
		m.SandboxesReaped,
	)

	return m
}

func (m *Metrics) observe(job string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

func (m *Metrics) evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.WarmEvicted.Add(float64(n))
}

func (m *Metrics) reaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.SandboxesReaped.Add(float64(n))
}
