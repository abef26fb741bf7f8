// Package httpapi implements the HTTP surface of agent007.
//
// Security:
//   - Optional API key authentication (Bearer or X-API-Key, constant-time comparison)
//   - Request body size limit
//   - Per-user rate limiting via token bucket on run and warm routes
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/gateway"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/stream"
	"github.com/vitalii-dynamiq/agent007/internal/observability"
	"github.com/vitalii-dynamiq/agent007/internal/pool"
	"github.com/vitalii-dynamiq/agent007/internal/ratelimit"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
)

const (
	defaultMaxRequestSize = 32 << 20 // 32 MB, attached files are base64 in the body
	serviceName           = "agent007"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8000"
	EnableDocs     bool
	APIKeys        []string // Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 32 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Runner executes run requests. *stream.Streamer implements it.
type Runner interface {
	Stream(ctx context.Context, req *stream.Request, emit func(agent.Event) error) (*stream.Result, error)
}

// WarmPool pre-provisions sandboxes. *pool.Pool implements it.
type WarmPool interface {
	RequestWarm(owner string, creds sandbox.Credentials) pool.Status
	PollStatus(owner string) pool.Status
	Forget(sandboxID string) bool
}

// Reserver marks a sandbox busy so no run starts on it. *stream.Streamer
// implements it. Destroy checks the runner for it.
type Reserver interface {
	Reserve(sandboxID string) (release func(), ok bool)
}

// Destroyer removes sandboxes by id. *sandbox.Provisioner implements it.
type Destroyer interface {
	Destroy(ctx context.Context, id string) error
}

var (
	_ Runner    = (*stream.Streamer)(nil)
	_ Reserver  = (*stream.Streamer)(nil)
	_ WarmPool  = (*pool.Pool)(nil)
	_ Destroyer = (*sandbox.Provisioner)(nil)
)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	runner    Runner
	warm      WarmPool
	destroyer Destroyer
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket run endpoint).
	extraRoutes []extraRoute
	okapi       *okapi.Okapi
	mounted     bool
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway. rl may be nil to disable rate limiting.
func NewGateway(cfg Config, runner Runner, warm WarmPool, destroyer Destroyer, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:    cfg,
		runner:    runner,
		warm:      warm,
		destroyer: destroyer,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "agent007",
			Version: "v1.0.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern, behind the same API key check as the JSON routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Handler registers the routes on first use and returns the mux.
func (g *Gateway) Handler() http.Handler {
	g.mount()
	return g.okapi
}

func (g *Gateway) mount() {
	if g.mounted {
		return
	}
	g.mounted = true

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	g.okapi.Get("/health", g.handleHealth,
		okapi.DocSummary("Service health"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	g.okapi.Post("/warm", g.authenticate(g.limitBody(g.handleWarm)),
		okapi.DocSummary("Start provisioning a sandbox for a user"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(WarmRequest{}),
		okapi.DocResponse(WarmResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.okapi.Get("/warm/status/{userId}", g.authenticate(g.handleWarmStatus),
		okapi.DocSummary("Warm sandbox status for a user"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("userId", "string", "User ID"),
		okapi.DocResponse(WarmResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.okapi.Delete("/sandboxes/{sandboxId}", g.authenticate(g.handleDestroy),
		okapi.DocSummary("Destroy a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("sandboxId", "string", "Sandbox ID"),
		okapi.DocResponse(DestroyResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.okapi.Post("/run", g.authenticate(g.limitBody(g.handleRun)),
		okapi.DocSummary("Run the agent and return the final response"),
		okapi.DocTags("Run"),
		okapi.DocRequestBody(stream.Request{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.okapi.Post("/run/stream", g.authenticate(g.limitBody(g.handleRunStream)),
		okapi.DocSummary("Run the agent and stream events via SSE"),
		okapi.DocTags("Run"),
		okapi.DocRequestBody(stream.Request{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket run endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, g.authorizeStd(er.handler).ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mount()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// No write deadline: event streams stay open for the whole run.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /health and the health checks.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok", Service: serviceName})
}

// handleLiveness is the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// WarmRequest is the JSON body for POST /warm.
type WarmRequest struct {
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
	ProxyURL     string `json:"proxyUrl,omitempty"`
}

// WarmResponse reports a user's warm sandbox.
type WarmResponse struct {
	Status    string `json:"status"`
	SandboxID string `json:"sandboxId,omitempty"`
	Ready     bool   `json:"ready"`
	Message   string `json:"message"`
}

func newWarmResponse(st pool.Status) WarmResponse {
	resp := WarmResponse{Status: string(st.State), SandboxID: st.SandboxID, Ready: st.Ready}
	switch st.State {
	case pool.StateReady:
		resp.Message = "Sandbox is ready"
	case pool.StateWarming:
		resp.Message = "Sandbox is warming up"
	default:
		resp.Message = "No warm sandbox"
	}
	return resp
}

func (g *Gateway) handleWarm(c *okapi.Context) error {
	var req WarmRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.UserID == "" {
		return c.AbortBadRequest("userId is required")
	}
	if err := g.allow(req.UserID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	st := g.warm.RequestWarm(req.UserID, sandbox.Credentials{
		UserID:       req.UserID,
		SessionToken: req.SessionToken,
		ProxyURL:     req.ProxyURL,
	})
	g.logger.InfoContext(c.Context(), "warm requested",
		slog.String("user_id", req.UserID),
		slog.String("state", string(st.State)),
	)
	return c.OK(newWarmResponse(st))
}

func (g *Gateway) handleWarmStatus(c *okapi.Context) error {
	userID := c.Param("userId")
	if userID == "" {
		return c.AbortBadRequest("userId is required")
	}
	return c.OK(newWarmResponse(g.warm.PollStatus(userID)))
}

// DestroyResponse is the JSON response for DELETE /sandboxes/{sandboxId}.
type DestroyResponse struct {
	SandboxID string `json:"sandboxId"`
	Status    string `json:"status"`
}

func (g *Gateway) handleDestroy(c *okapi.Context) error {
	id := c.Param("sandboxId")
	if id == "" {
		return c.AbortBadRequest("sandboxId is required")
	}
	// Hold the run guard for the whole destroy so no run starts on the sandbox.
	if r, ok := g.runner.(Reserver); ok {
		release, ok := r.Reserve(id)
		if !ok {
			return c.JSON(http.StatusConflict, okapi.M{"error": stream.ErrSandboxBusy.Error()})
		}
		defer release()
	}
	if g.warm.Forget(id) {
		g.logger.InfoContext(c.Context(), "destroying a warm sandbox", slog.String("sandbox_id", id))
	}
	if err := g.destroyer.Destroy(c.Context(), id); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
		}
		g.logger.ErrorContext(c.Context(), "sandbox destroy failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("destroy failed")
	}
	g.logger.InfoContext(c.Context(), "sandbox destroyed", slog.String("sandbox_id", id))
	return c.OK(DestroyResponse{SandboxID: id, Status: "destroyed"})
}

// RunResponse is the JSON response for POST /run.
type RunResponse struct {
	Response  string `json:"response"`
	SandboxID string `json:"sandboxId,omitempty"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	var req stream.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if err := req.Validate(); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.allow(g.limitKey(c, req.UserID)); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	res, err := g.runner.Stream(c.Context(), &req, func(agent.Event) error { return nil })
	if err != nil {
		if errors.Is(err, stream.ErrSandboxBusy) {
			return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
		}
		g.logger.ErrorContext(c.Context(), "run failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("run failed")
	}
	return c.OK(RunResponse{Response: res.Response, SandboxID: res.SandboxID})
}

func (g *Gateway) handleRunStream(c *okapi.Context) error {
	var req stream.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if err := req.Validate(); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.allow(g.limitKey(c, req.UserID)); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	sse := newSSEWriter(c.Response())
	_, err := g.runner.Stream(c.Context(), &req, sse.Write)
	if err != nil && !sse.Started() {
		if errors.Is(err, stream.ErrSandboxBusy) {
			return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
		}
		return c.AbortInternalServerError("run failed")
	}
	if err != nil {
		g.logger.WarnContext(c.Context(), "event stream ended with error",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// --- Authentication ---

// authenticate rejects requests without a configured API key. With no keys
// configured every request passes.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !g.validKey(c.Header("Authorization"), c.Header("X-API-Key")) {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		return next(c)
	}
}

// authorizeStd is authenticate for plain http handlers.
func (g *Gateway) authorizeStd(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.validKey(r.Header.Get("Authorization"), r.Header.Get("X-API-Key")) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) validKey(authHeader, apiKeyHeader string) bool {
	if len(g.config.APIKeys) == 0 {
		return true
	}
	presented := apiKeyHeader
	if strings.HasPrefix(authHeader, "Bearer ") {
		presented = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if presented == "" {
		return false
	}
	ok := false
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// --- Helpers ---

// limitBody buffers the request body up to MaxRequestSize and answers 413
// when it is larger.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		limit := g.config.MaxRequestSize
		if r.ContentLength > limit {
			return tooLarge(c, limit)
		}
		data, err := io.ReadAll(http.MaxBytesReader(c.Response(), r.Body, limit))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return tooLarge(c, limit)
			}
			return c.AbortBadRequest("reading request body", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		return next(c)
	}
}

func tooLarge(c *okapi.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, okapi.M{
		"error": fmt.Sprintf("request body exceeds %d bytes", limit),
	})
}

func (g *Gateway) allow(key string) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(key)
}

// limitKey buckets anonymous requests by client address.
func (g *Gateway) limitKey(c *okapi.Context, userID string) string {
	if userID != "" {
		return userID
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}
