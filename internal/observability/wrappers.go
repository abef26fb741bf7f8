package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalii-dynamiq/agent007/internal/llm"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	ctx, span := StartSpan(ctx, p.tracer, "llm.send_message",
		attribute.String("llm.provider", provider),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	)

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	} else if resp != nil {
		span.SetAttributes(attribute.String("llm.stop_reason", resp.StopReason))
	}
	EndSpan(span, err)

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if err != nil {
		p.anomaly.RecordError("llm_" + provider)
	} else {
		p.anomaly.RecordSuccess("llm_" + provider)
	}

	return resp, err
}

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a sandbox.Backend with metrics, tracing, and anomaly detection.
type InstrumentedBackend struct {
	inner   sandbox.Backend
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a sandbox backend with observability.
func NewInstrumentedBackend(inner sandbox.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (b *InstrumentedBackend) Name() string { return b.inner.Name() }

// Ping forwards to the wrapped backend when it supports health checks.
func (b *InstrumentedBackend) Ping(ctx context.Context) error {
	if p, ok := b.inner.(sandbox.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (b *InstrumentedBackend) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	var id string
	err := b.observe(ctx, "create", "", func(ctx context.Context) error {
		var err error
		id, err = b.inner.Create(ctx, opts)
		return err
	})
	return id, err
}

func (b *InstrumentedBackend) Connect(ctx context.Context, id string) error {
	return b.observe(ctx, "connect", id, func(ctx context.Context) error {
		return b.inner.Connect(ctx, id)
	})
}

func (b *InstrumentedBackend) Run(ctx context.Context, id string, cmd sandbox.Command) (*sandbox.CommandResult, error) {
	var res *sandbox.CommandResult
	err := b.observe(ctx, "run", id, func(ctx context.Context) error {
		var err error
		res, err = b.inner.Run(ctx, id, cmd)
		if res != nil && res.ExitCode != 0 {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", res.ExitCode))
		}
		return err
	})
	return res, err
}

func (b *InstrumentedBackend) WriteFile(ctx context.Context, id, path string, data []byte) error {
	return b.observe(ctx, "write_file", id, func(ctx context.Context) error {
		return b.inner.WriteFile(ctx, id, path, data)
	})
}

func (b *InstrumentedBackend) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	var data []byte
	err := b.observe(ctx, "read_file", id, func(ctx context.Context) error {
		var err error
		data, err = b.inner.ReadFile(ctx, id, path)
		return err
	})
	return data, err
}

func (b *InstrumentedBackend) Destroy(ctx context.Context, id string) error {
	return b.observe(ctx, "destroy", id, func(ctx context.Context) error {
		return b.inner.Destroy(ctx, id)
	})
}

func (b *InstrumentedBackend) KeepAlive(ctx context.Context, id string, ttl time.Duration) error {
	return b.observe(ctx, "keep_alive", id, func(ctx context.Context) error {
		return b.inner.KeepAlive(ctx, id, ttl)
	})
}

// observe runs fn inside a span and records its outcome. Connect reporting
// ErrNotFound is an expected answer, not a backend failure.
func (b *InstrumentedBackend) observe(ctx context.Context, op, id string, fn func(context.Context) error) error {
	backend := b.inner.Name()
	attrs := []attribute.KeyValue{attribute.String("sandbox.backend", backend)}
	if id != "" {
		attrs = append(attrs, attribute.String("sandbox.id", id))
	}
	ctx, span := StartSpan(ctx, b.tracer, "sandbox."+op, attrs...)

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	failed := err != nil && !(op == "connect" && errors.Is(err, sandbox.ErrNotFound))
	if failed {
		status = "error"
		EndSpan(span, err)
	} else {
		EndSpan(span, nil)
	}

	if b.metrics != nil {
		b.metrics.SandboxOperationsTotal.WithLabelValues(backend, op, status).Inc()
		b.metrics.SandboxOperationDuration.WithLabelValues(backend, op).Observe(duration)
	}

	if failed {
		b.anomaly.RecordError("sandbox_" + op)
	} else {
		b.anomaly.RecordSuccess("sandbox_" + op)
	}
	return err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider    = (*InstrumentedProvider)(nil)
	_ sandbox.Backend = (*InstrumentedBackend)(nil)
)
