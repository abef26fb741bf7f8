// Package config handles loading and validating agent007 configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for agent007.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.agent007/data. Override: AGENT007_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Pool          PoolConfig           `json:"pool" yaml:"pool"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default under DataDir
	Scheduler     SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host                string           `json:"host" yaml:"host"` // Override: AGENT_HOST env var.
	Port                int              `json:"port" yaml:"port"` // Override: AGENT_PORT env var.
	EnableDocs          bool             `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64            `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 32 MB (uploads are inline base64).
	APIKeys             []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Empty = auth disabled. Override: AGENT007_API_KEYS (comma separated).
	RateLimit           RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	IdleTimeoutSeconds  int              `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"` // Max wait for the next run event. Default: 300.
	EventBuffer         int              `json:"event_buffer" yaml:"event_buffer"`                 // Run event channel capacity. Default: 64.
	WebSocket           *WebSocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`   // nil = WebSocket endpoint disabled
}

// RateLimitConfig configures per-user rate limiting on run and warm routes.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = disabled.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WebSocketConfig configures the streaming WebSocket endpoint.
type WebSocketConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	Path                     string `json:"path" yaml:"path"`                                         // Default: "/ws/run".
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
}

// WSPath returns the WebSocket path with a default of "/ws/run".
func (w *WebSocketConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/run"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// ProvidersConfig selects the completion model.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "openai", "anthropic", "ollama". Empty = "openai".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the default fails.
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey      string   `json:"api_key" yaml:"api_key"`                             // Override: OPENAI_API_KEY env var.
	Model       string   `json:"model" yaml:"model"`                                 // Override: LLM_MODEL env var.
	BaseURL     string   `json:"base_url" yaml:"base_url"`                           // Optional. Override: LLM_BASE_URL env var.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"` // nil = provider default.
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"` // Override: ANTHROPIC_API_KEY env var.
	Model  string `json:"model" yaml:"model"`
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// AgentConfig configures the tool-calling loop.
type AgentConfig struct {
	SystemPrompt          string     `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"` // Empty = built-in prompt.
	MaxIterations         int        `json:"max_iterations" yaml:"max_iterations"`                   // Default: 15.
	ContextResultChars    int        `json:"context_result_chars" yaml:"context_result_chars"`       // Tool result cap in the conversation. Default: 8000.
	EventResultChars      int        `json:"event_result_chars" yaml:"event_result_chars"`           // Tool result cap in events. Default: 1000.
	CommandTimeoutSeconds int        `json:"command_timeout_seconds" yaml:"command_timeout_seconds"` // execute_command timeout. Default: 120.
	MaxFileSizeBytes      int64      `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`         // read_file/return_file cap. Default: 10 MB.
	MCP                   *MCPConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = proxy tools disabled
}

// MCPConfig enables discovery of tools on the per-user MCP proxy.
type MCPConfig struct {
	Enabled               bool `json:"enabled" yaml:"enabled"`
	ConnectTimeoutSeconds int  `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"` // Default: 15.
}

// SandboxConfig configures where sandboxes run and how they are prepared.
type SandboxConfig struct {
	Type                string              `json:"type" yaml:"type"`                                   // "process" (default) or "docker".
	Root                string              `json:"root,omitempty" yaml:"root,omitempty"`               // Process backend root. Default: DataDir/sandboxes.
	MaxCPUSeconds       int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // Process backend ulimit -t.
	MaxMemoryMB         int                 `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Memory limit per command/container.
	MaxExecutionSeconds int                 `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Backend default command timeout.
	NetworkAllowed      bool                `json:"network_allowed" yaml:"network_allowed"`
	LifetimeSeconds     int                 `json:"lifetime_seconds" yaml:"lifetime_seconds"` // Keep-alive after a run. Default: 1800.
	Docker              DockerSandboxConfig `json:"docker" yaml:"docker"`
	Setup               []SetupStepConfig   `json:"setup,omitempty" yaml:"setup,omitempty"` // Provisioning scripts run on fresh sandboxes.
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Container image. Default: "agent007-runtime:latest".
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Docker --cpus flag (e.g. 0.5). 0 = 1.0 default.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // Docker --pids-limit flag. 0 = 256 default.
}

// SetupStepConfig is one provisioning script.
type SetupStepConfig struct {
	Name           string `json:"name" yaml:"name"`
	Script         string `json:"script" yaml:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 300.
	Required       bool   `json:"required" yaml:"required"`               // Failure aborts provisioning.
	OnReconnect    bool   `json:"on_reconnect" yaml:"on_reconnect"`       // Also run when reconnecting.
}

// PoolConfig configures the warm sandbox pool.
type PoolConfig struct {
	TTLSeconds              int `json:"ttl_seconds" yaml:"ttl_seconds"`                             // Default: 1500 (25 min).
	ProvisionTimeoutSeconds int `json:"provision_timeout_seconds" yaml:"provision_timeout_seconds"` // Default: 600.
}

// StorageConfig configures the sandbox record store.
// When nil, defaults to SQLite under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: DataDir/agent007.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: AGENT007_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SchedulerConfig configures the maintenance jobs.
type SchedulerConfig struct {
	Disabled         bool   `json:"disabled" yaml:"disabled"`
	EvictionSchedule string `json:"eviction_schedule" yaml:"eviction_schedule"` // Warm pool eviction. Default: "@every 1m".
	ReaperSchedule   string `json:"reaper_schedule" yaml:"reaper_schedule"`     // Idle sandbox reaper. Default: "@every 5m".
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "agent007"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness checks.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

const (
	defaultPort             = 8000
	defaultMaxIterations    = 15
	defaultContextChars     = 8000
	defaultEventChars       = 1000
	defaultIdleTimeout      = 300 * time.Second
	defaultEventBuffer      = 64
	defaultPoolTTL          = 25 * time.Minute
	defaultProvisionTimeout = 10 * time.Minute
	defaultCommandTimeout   = 120 * time.Second
	defaultLifetime         = 30 * time.Minute
	defaultStepTimeout      = 5 * time.Minute
	defaultMCPTimeout       = 15 * time.Second
	defaultMaxRequestSize   = 32 << 20
	defaultEvictionSchedule = "@every 1m"
	defaultReaperSchedule   = "@every 5m"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: defaultPort,
		},
		Providers: ProvidersConfig{
			Default: "openai",
			OpenAI:  OpenAIConfig{Model: "gpt-4o"},
		},
		Sandbox: SandboxConfig{Type: "process"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// DefaultConfigPath returns the default config file path (~/.agent007/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/agent007.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".agent007", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file yields Default(). Environment variables take precedence
// over file values in both cases.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults + env
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	default:
		cfg = &Config{}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		switch c.Providers.Default {
		case "anthropic":
			c.Providers.Anthropic.Model = v
		case "ollama":
			c.Providers.Ollama.Model = v
		default:
			c.Providers.OpenAI.Model = v
		}
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		if c.Providers.Default == "ollama" {
			c.Providers.Ollama.BaseURL = v
		} else {
			c.Providers.OpenAI.BaseURL = v
		}
	}
	if v := os.Getenv("AGENT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("AGENT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGENT_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("AGENT007_API_KEYS"); v != "" {
		c.Server.APIKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, k)
			}
		}
	}
	if v := os.Getenv("AGENT007_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("AGENT007_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".agent007", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "agent007.db")
}

// SandboxRoot returns the process backend root directory.
func (c *Config) SandboxRoot() string {
	if c.Sandbox.Root != "" {
		return c.Sandbox.Root
	}
	return filepath.Join(c.ResolvedDataDir(), "sandboxes")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, port)
}

// MaxRequestSize returns the request body cap.
func (c *Config) MaxRequestSize() int64 {
	if c.Server.MaxRequestSizeBytes > 0 {
		return c.Server.MaxRequestSizeBytes
	}
	return defaultMaxRequestSize
}

// IdleTimeout returns the maximum wait for the next run event.
func (c *Config) IdleTimeout() time.Duration {
	return seconds(c.Server.IdleTimeoutSeconds, defaultIdleTimeout)
}

// EventBuffer returns the run event channel capacity.
func (c *Config) EventBuffer() int {
	if c.Server.EventBuffer > 0 {
		return c.Server.EventBuffer
	}
	return defaultEventBuffer
}

// MaxIterations returns the tool-calling loop budget.
func (c *Config) MaxIterations() int {
	if c.Agent.MaxIterations > 0 {
		return c.Agent.MaxIterations
	}
	return defaultMaxIterations
}

// ContextResultChars returns the tool result cap inside the conversation.
func (c *Config) ContextResultChars() int {
	if c.Agent.ContextResultChars > 0 {
		return c.Agent.ContextResultChars
	}
	return defaultContextChars
}

// EventResultChars returns the tool result cap in emitted events.
func (c *Config) EventResultChars() int {
	if c.Agent.EventResultChars > 0 {
		return c.Agent.EventResultChars
	}
	return defaultEventChars
}

// CommandTimeout returns the execute_command timeout.
func (c *Config) CommandTimeout() time.Duration {
	return seconds(c.Agent.CommandTimeoutSeconds, defaultCommandTimeout)
}

// MCPEnabled reports whether proxy tools are discovered per run.
func (c *Config) MCPEnabled() bool {
	return c.Agent.MCP != nil && c.Agent.MCP.Enabled
}

// MCPConnectTimeout returns the proxy handshake timeout.
func (c *Config) MCPConnectTimeout() time.Duration {
	if c.Agent.MCP == nil {
		return defaultMCPTimeout
	}
	return seconds(c.Agent.MCP.ConnectTimeoutSeconds, defaultMCPTimeout)
}

// SandboxLifetime returns how long a sandbox is kept alive after a run.
func (c *Config) SandboxLifetime() time.Duration {
	return seconds(c.Sandbox.LifetimeSeconds, defaultLifetime)
}

// SandboxCommandTimeout returns the backend default per-command timeout.
func (c *Config) SandboxCommandTimeout() time.Duration {
	return seconds(c.Sandbox.MaxExecutionSeconds, defaultCommandTimeout)
}

// StepTimeout returns the timeout of a setup step.
func (s SetupStepConfig) StepTimeout() time.Duration {
	return seconds(s.TimeoutSeconds, defaultStepTimeout)
}

// PoolTTL returns the maximum age of a warm entry.
func (c *Config) PoolTTL() time.Duration {
	return seconds(c.Pool.TTLSeconds, defaultPoolTTL)
}

// ProvisionTimeout bounds background warm provisioning.
func (c *Config) ProvisionTimeout() time.Duration {
	return seconds(c.Pool.ProvisionTimeoutSeconds, defaultProvisionTimeout)
}

// EvictionSchedule returns the cron spec of the warm pool eviction job.
func (c *Config) EvictionSchedule() string {
	if c.Scheduler.EvictionSchedule != "" {
		return c.Scheduler.EvictionSchedule
	}
	return defaultEvictionSchedule
}

// ReaperSchedule returns the cron spec of the idle sandbox reaper.
func (c *Config) ReaperSchedule() string {
	if c.Scheduler.ReaperSchedule != "" {
		return c.Scheduler.ReaperSchedule
	}
	return defaultReaperSchedule
}

func seconds(n int, def time.Duration) time.Duration {
	if n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		switch name {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("providers.fallback: unsupported provider %q", name)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	switch c.Sandbox.Type {
	case "", "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	// A warm entry must expire before the sandbox behind it does.
	if c.PoolTTL() >= c.SandboxLifetime() {
		return fmt.Errorf("pool.ttl_seconds (%s) must be shorter than sandbox.lifetime_seconds (%s)", c.PoolTTL(), c.SandboxLifetime())
	}
	for i, step := range c.Sandbox.Setup {
		if step.Name == "" || strings.TrimSpace(step.Script) == "" {
			return fmt.Errorf("sandbox.setup[%d]: name and script are required", i)
		}
	}
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set AGENT007_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}
	if !c.Scheduler.Disabled {
		for name, spec := range map[string]string{
			"scheduler.eviction_schedule": c.EvictionSchedule(),
			"scheduler.reaper_schedule":   c.ReaperSchedule(),
		} {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("%s %q: %w", name, spec, err)
			}
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	return nil
}

// validateProvider checks that the selected LLM provider has the required fields.
func (c *Config) validateProvider() error {
	switch c.Providers.Default {
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required (set LLM_MODEL env var)")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("providers.default %q is not supported (use openai, anthropic or ollama)", c.Providers.Default)
	}
	return nil
}
