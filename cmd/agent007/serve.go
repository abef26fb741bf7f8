package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/vitalii-dynamiq/agent007/internal/config"
	"github.com/vitalii-dynamiq/agent007/internal/gateway"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/httpapi"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/ws"
	"github.com/vitalii-dynamiq/agent007/internal/ratelimit"
	"github.com/vitalii-dynamiq/agent007/internal/scheduler"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent HTTP server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `agent007 --config path` and `agent007 serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

// runServe starts the HTTP API, the optional WebSocket endpoint and the
// maintenance scheduler, and blocks until a shutdown signal arrives.
func runServe(_ *cobra.Command, _ []string) error {
	path := goutils.Env("AGENT007_CONFIG", serveConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger := newLogger(cfg.Logging)
	logger.Info("starting agent007",
		slog.String("version", version),
		slog.String("config", path),
		slog.String("storage", cfg.StorageDriverName()),
		slog.String("sandbox", cfg.Sandbox.Type),
	)

	comp, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comp.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Server.RateLimit.BurstSize,
		})
	}

	// Maintenance jobs.
	if !cfg.Scheduler.Disabled {
		opts := []scheduler.Option{
			scheduler.WithReaper(comp.Store, comp.Provisioner, cfg.SandboxLifetime(), comp.Streamer.Reserve),
		}
		if limiter != nil {
			opts = append(opts, scheduler.WithLimiter(limiter))
		}
		if m := comp.Obs.MetricsOrNil(); m != nil {
			opts = append(opts, scheduler.WithMetrics(scheduler.NewMetrics(m.Registry)))
		}
		sched, err := scheduler.New(comp.Pool, cfg.EvictionSchedule(), cfg.ReaperSchedule(), logger, opts...)
		if err != nil {
			return err
		}
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
	}

	gw := buildGateway(cfg, comp, limiter)

	errs := make(chan error, 1)
	go func(g gateway.Gateway) {
		errs <- g.Start(ctx)
	}(gw)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			return fmt.Errorf("http gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// buildGateway creates the HTTP API and mounts the WebSocket endpoint when enabled.
func buildGateway(cfg *config.Config, comp *Components, limiter *ratelimit.Limiter) *httpapi.Gateway {
	httpCfg := httpapi.Config{
		ListenAddr:     cfg.ListenAddr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        cfg.Server.APIKeys,
		MaxRequestSize: cfg.MaxRequestSize(),
	}
	if obs := comp.Obs; obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		httpCfg.Tracer = obs.SpanTracer()
		if cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, comp.Streamer, comp.Pool, comp.Provisioner, limiter, comp.Logger)
	if cfg.Server.EnableDocs {
		gw.WithOpenAPIDocs()
	}

	if wsCfg := cfg.Server.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer := ws.NewServer(comp.Streamer, wsCfg.WSHeartbeatInterval(), comp.Logger)
		gw.WithHandler(wsCfg.WSPath(), wsServer.Handler())
		comp.Logger.Debug("websocket endpoint mounted", slog.String("path", wsCfg.WSPath()))
	}

	comp.Logger.Debug("http gateway configured",
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("auth", len(httpCfg.APIKeys) > 0),
		slog.Bool("rate_limit", limiter != nil),
		slog.Bool("docs", httpCfg.EnableDocs),
	)
	return gw
}
