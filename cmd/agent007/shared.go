package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/config"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/stream"
	"github.com/vitalii-dynamiq/agent007/internal/llm"
	"github.com/vitalii-dynamiq/agent007/internal/llm/anthropic"
	"github.com/vitalii-dynamiq/agent007/internal/llm/openai"
	"github.com/vitalii-dynamiq/agent007/internal/observability"
	"github.com/vitalii-dynamiq/agent007/internal/pool"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
	"github.com/vitalii-dynamiq/agent007/internal/storage"
	pgstore "github.com/vitalii-dynamiq/agent007/internal/storage/postgres"
	sqlitestore "github.com/vitalii-dynamiq/agent007/internal/storage/sqlite"
	"github.com/vitalii-dynamiq/agent007/internal/tools"
	"github.com/vitalii-dynamiq/agent007/internal/tools/file"
	mcptools "github.com/vitalii-dynamiq/agent007/internal/tools/mcp"
	"github.com/vitalii-dynamiq/agent007/internal/tools/shell"
)

// Components holds the subsystems the serve command wires together.
// Built once by initComponents, torn down by Cleanup.
type Components struct {
	Config *config.Config
	Logger *slog.Logger

	Obs         *observability.Observability
	Store       storage.Store
	Backend     sandbox.Backend
	Provisioner *sandbox.Provisioner
	Pool        *pool.Pool
	Tools       *tools.Registry
	Agent       *agent.Agent
	Streamer    *stream.Streamer

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// initComponents performs all initialization the server needs.
// Callers must call c.Cleanup() when done.
func initComponents(cfg *config.Config, logger *slog.Logger) (_ *Components, err error) {
	c := &Components{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			c.Cleanup()
		}
	}()

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// LLM provider.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	if m := obs.MetricsOrNil(); m != nil {
		provider = observability.NewInstrumentedProvider(provider, m, obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Sandbox backend and provisioner.
	backend, err := initBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox backend: %w", err)
	}
	if m := obs.MetricsOrNil(); m != nil {
		backend = observability.NewInstrumentedBackend(backend, m, obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	c.Backend = backend

	c.Provisioner = sandbox.NewProvisioner(backend, logger,
		sandbox.WithStore(store),
		sandbox.WithLifetime(cfg.SandboxLifetime()),
		sandbox.WithSetupSteps(setupSteps(cfg.Sandbox.Setup)...),
	)
	logger.Debug("sandbox provisioner initialized",
		slog.String("backend", backend.Name()),
		slog.Duration("lifetime", cfg.SandboxLifetime()),
		slog.Int("setup_steps", len(cfg.Sandbox.Setup)),
	)

	// Warm pool.
	poolOpts := []pool.Option{
		pool.WithTTL(cfg.PoolTTL()),
		pool.WithProvisionTimeout(cfg.ProvisionTimeout()),
	}
	if m := obs.MetricsOrNil(); m != nil {
		poolOpts = append(poolOpts, pool.WithMetrics(pool.NewMetrics(m.Registry)))
	}
	c.Pool = pool.New(c.Provisioner, logger, poolOpts...)
	c.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Pool.Close(closeCtx); err != nil {
			logger.Warn("closing warm pool", slog.String("error", err.Error()))
		}
	})

	// Tools.
	fileCfg := file.Config{MaxFileSizeBytes: cfg.Agent.MaxFileSizeBytes}
	reg := tools.NewRegistry()
	reg.Register(shell.NewTool(cfg.CommandTimeout(), logger))
	reg.Register(file.NewWriteTool(logger))
	reg.Register(file.NewReadTool(fileCfg))
	reg.Register(file.NewReturnTool(fileCfg, logger))
	c.Tools = reg
	logger.Debug("tools registered", slog.Int("count", reg.Len()))

	// Agent and streamer.
	agentOpts := []agent.Option{
		agent.WithMaxIterations(cfg.MaxIterations()),
		agent.WithResultLimits(cfg.ContextResultChars(), cfg.EventResultChars()),
		agent.WithObservability(obs),
	}
	if cfg.Agent.SystemPrompt != "" {
		agentOpts = append(agentOpts, agent.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	c.Agent = agent.New(provider, reg, logger, agentOpts...)

	streamOpts := []stream.Option{
		stream.WithWarmPool(c.Pool),
		stream.WithIdleTimeout(cfg.IdleTimeout()),
		stream.WithBuffer(cfg.EventBuffer()),
		stream.WithMetrics(obs.MetricsOrNil()),
	}
	if cfg.MCPEnabled() {
		streamOpts = append(streamOpts, stream.WithMCPBridge(mcptools.NewBridge(version, cfg.MCPConnectTimeout(), logger)))
		logger.Debug("mcp proxy tools enabled", slog.Duration("connect_timeout", cfg.MCPConnectTimeout()))
	}
	c.Streamer = stream.New(c.Agent, c.Provisioner, logger, streamOpts...)

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		addHealthChecks(obs.Health, cfg.Observability.Health, store, backend)
	}

	return c, nil
}

func addHealthChecks(hc *observability.HealthChecker, cfg *config.HealthConfig, store storage.Store, backend sandbox.Backend) {
	if cfg == nil || cfg.IncludeDB {
		hc.AddCheck("storage", store.Ping)
	}
	if p, ok := backend.(sandbox.Pinger); ok && (cfg == nil || cfg.IncludeSandbox) {
		hc.AddCheck("sandbox", p.Ping)
	}
}

// initStore opens the configured sandbox record store.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverMemory:
		logger.Info("using in-memory sandbox store; records are lost on restart")
		return storage.NewMemoryStore(), nil
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		sc := sqlitestore.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sc, logger)
	}
}

// initBackend creates the sandbox backend selected by sandbox.type.
func initBackend(cfg *config.Config, logger *slog.Logger) (sandbox.Backend, error) {
	sc := cfg.Sandbox
	switch sc.Type {
	case "docker":
		return sandbox.NewDockerBackend(sandbox.DockerConfig{
			Image:          sc.Docker.Image,
			DefaultTimeout: cfg.SandboxCommandTimeout(),
			MemoryMB:       sc.MaxMemoryMB,
			CPUCores:       sc.Docker.CPUCores,
			PIDsLimit:      sc.Docker.PIDsLimit,
			NetworkAllowed: sc.NetworkAllowed,
		}, logger), nil
	default:
		return sandbox.NewProcessBackend(sandbox.ProcessConfig{
			Root:           cfg.SandboxRoot(),
			DefaultTimeout: cfg.SandboxCommandTimeout(),
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: sc.MaxCPUSeconds,
				MaxMemoryMB:   sc.MaxMemoryMB,
			},
		}, logger)
	}
}

func setupSteps(cfgs []config.SetupStepConfig) []sandbox.SetupStep {
	steps := make([]sandbox.SetupStep, len(cfgs))
	for i, s := range cfgs {
		steps[i] = sandbox.SetupStep{
			Name:        s.Name,
			Script:      s.Script,
			Timeout:     s.StepTimeout(),
			Required:    s.Required,
			OnReconnect: s.OnReconnect,
		}
	}
	return steps
}

// newLLMProvider builds the default provider, wrapped in a fallback chain
// when fallbacks are configured.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		if t := cfg.Providers.OpenAI.Temperature; t != nil {
			opts = append(opts, openai.WithTemperature(*t))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "anthropic":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
