package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the warm pool.
type Metrics struct {
	WarmRequests      *prometheus.CounterVec
	Claims            *prometheus.CounterVec
	Evictions         prometheus.Counter
	ProvisionFailures prometheus.Counter
	ProvisionDuration prometheus.Histogram
	Entries           *prometheus.GaugeVec
}

// NewMetrics creates and registers pool metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		WarmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent007",
			Subsystem: "pool",
			Name:      "warm_requests_total",
			Help:      "Total warm requests by result (started, existing).",
		}, []string{"result"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent007",
			Subsystem: "pool",
			Name:      "claims_total",
			Help:      "Total claim attempts by outcome (hit, miss).",
		}, []string{"outcome"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent007",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Total entries removed for exceeding the TTL.",
		}),
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent007",
			Subsystem: "pool",
			Name:      "provision_failures_total",
			Help:      "Total background provisioning tasks that failed.",
		}),
		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent007",
			Subsystem: "pool",
			Name:      "provision_duration_seconds",
			Help:      "Duration of background sandbox provisioning.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent007",
			Subsystem: "pool",
			Name:      "entries",
			Help:      "Current pool entries by state (warming, ready).",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.WarmRequests,
		m.Claims,
		m.Evictions,
		m.ProvisionFailures,
		m.ProvisionDuration,
		m.Entries,
	)

	return m
}

func (m *Metrics) warmRequest(result string) {
	if m == nil {
		return
	}
	m.WarmRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) claim(outcome string) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

func (m *Metrics) observeProvision(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProvisionDuration.Observe(d.Seconds())
	if err != nil {
		m.ProvisionFailures.Inc()
	}
}
