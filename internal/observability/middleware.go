package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency and an http.request span.
// Either argument may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			if tracer != nil {
				ctx, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
				*r = *r.WithContext(ctx)
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				path := routeLabel(r.URL.Path)
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}

// routeLabel collapses per-sandbox paths so label cardinality stays bounded.
func routeLabel(path string) string {
	const prefix = "/sandboxes/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return prefix + "{id}"
	}
	return path
}
