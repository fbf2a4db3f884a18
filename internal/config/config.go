// Package config handles configuration loading: an optional YAML file with
// environment variable expansion, overlaid by the environment variables that
// form the deployment contract (DATABASE_URL, CREDENTIALS_DIR, ...).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Pool        PoolConfig        `yaml:"pool"`
	Writer      WriterConfig      `yaml:"writer"`
	Notify      NotifyConfig      `yaml:"notify"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	// WriteTimeout must outlive the upstream deadline or streams get cut
	// mid-relay; applyEnv derives it from the upstream timeout when unset.
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ClientAuth      bool          `yaml:"client_auth"`
	DashboardAPIKey string        `yaml:"dashboard_api_key"`
}

// DatabaseConfig holds PostgreSQL settings. The analytics pool serves the
// heavy read queries (rolling sums, conversation loads) so they never starve
// the write path.
type DatabaseConfig struct {
	URL               string `yaml:"url"`
	Enabled           bool   `yaml:"enabled"`
	MaxConns          int32  `yaml:"max_conns"`
	AnalyticsMaxConns int32  `yaml:"analytics_max_conns"`
}

// CredentialsConfig holds tenant credential descriptor settings.
type CredentialsConfig struct {
	Dir string `yaml:"dir"`
}

// UpstreamConfig holds the Anthropic API client settings.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"` // per-request deadline
}

// PoolConfig holds account selection settings.
type PoolConfig struct {
	Window            time.Duration `yaml:"window"`              // rolling usage window
	OutputTokenBudget int64         `yaml:"output_token_budget"` // per account within the window
}

// WriterConfig holds async persistence settings.
type WriterConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// NotifyConfig holds webhook notification settings.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"` // global fallback; descriptors may override per domain
	Timeout    time.Duration `yaml:"timeout"`
	DedupSize  int           `yaml:"dedup_size"`
}

// Prompt-budget defaults. The analysis worker falls back to these when the
// configured values collapse to a non-positive budget, so they must stay the
// single source of truth.
const (
	DefaultMaxContextTokens = 900_000
	DefaultSafetyMargin     = 0.05
)

// AnalysisConfig holds background analysis worker settings.
type AnalysisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"` // defaults to the upstream base URL
	APIKey            string        `yaml:"api_key"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RPM               int           `yaml:"rpm"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	MaxRetries        int           `yaml:"max_retries"`
	JobTimeout        time.Duration `yaml:"job_timeout"` // processing age before the watchdog reclaims a job
	MaxContextTokens  int           `yaml:"max_context_tokens"`
	SafetyMargin      float64       `yaml:"safety_margin"` // fraction of the context held back from the prompt
	HeadMessages      int           `yaml:"head_messages"`
	TailMessages      int           `yaml:"tail_messages"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration baseline before file and environment
// overlays.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			ClientAuth:        true,
		},
		Database: DatabaseConfig{
			Enabled:           true,
			MaxConns:          8,
			AnalyticsMaxConns: 4,
		},
		Credentials: CredentialsConfig{
			Dir: "./credentials",
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.anthropic.com",
			Timeout: 600 * time.Second,
		},
		Pool: PoolConfig{
			Window:            5 * time.Hour,
			OutputTokenBudget: 140_000,
		},
		Writer: WriterConfig{
			QueueSize:    1024,
			DrainTimeout: 30 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout:   2 * time.Second,
			DedupSize: 1000,
		},
		Analysis: AnalysisConfig{
			Model:             "claude-3-5-haiku-latest",
			PollInterval:      10 * time.Second,
			RPM:               10,
			MaxConcurrentJobs: 2,
			MaxRetries:        3,
			JobTimeout:        5 * time.Minute,
			MaxContextTokens:  DefaultMaxContextTokens,
			SafetyMargin:      DefaultSafetyMargin,
			HeadMessages:      5,
			TailMessages:      20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads an optional YAML config file (expanding ${VAR} references),
// then overlays the environment variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the deployment-contract environment variables onto cfg.
// Env vars win over the file; absent vars leave the current value alone.
func (c *Config) applyEnv() {
	if v, ok := envInt("PORT"); ok {
		c.Server.Addr = ":" + strconv.Itoa(v)
	}
	envString("DATABASE_URL", &c.Database.URL)
	envBool("STORAGE_ENABLED", &c.Database.Enabled)
	envString("CREDENTIALS_DIR", &c.Credentials.Dir)
	envString("ANTHROPIC_BASE_URL", &c.Upstream.BaseURL)
	if v, ok := envInt("CLAUDE_API_TIMEOUT_MS"); ok {
		c.Upstream.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("PROXY_SERVER_TIMEOUT_MS"); ok {
		c.Server.WriteTimeout = time.Duration(v) * time.Millisecond
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = c.Upstream.Timeout + 60*time.Second
	}
	envBool("ENABLE_CLIENT_AUTH", &c.Server.ClientAuth)
	envString("DASHBOARD_API_KEY", &c.Server.DashboardAPIKey)

	if v, ok := envInt("POOL_WINDOW_SECONDS"); ok {
		c.Pool.Window = time.Duration(v) * time.Second
	}
	if v, ok := envInt64("POOL_OUTPUT_TOKEN_BUDGET"); ok {
		c.Pool.OutputTokenBudget = v
	}

	envBool("AI_WORKER_ENABLED", &c.Analysis.Enabled)
	envString("AI_ANALYSIS_MODEL", &c.Analysis.Model)
	envString("ANALYSIS_BASE_URL", &c.Analysis.BaseURL)
	envString("ANALYSIS_API_KEY", &c.Analysis.APIKey)
	if v, ok := envInt("AI_WORKER_POLL_INTERVAL_MS"); ok {
		c.Analysis.PollInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("AI_WORKER_RPM"); ok {
		c.Analysis.RPM = v
	}
	if v, ok := envInt("AI_WORKER_MAX_CONCURRENT_JOBS"); ok {
		c.Analysis.MaxConcurrentJobs = v
	}
	if v, ok := envInt("AI_WORKER_MAX_RETRIES"); ok {
		c.Analysis.MaxRetries = v
	}
	if v, ok := envInt("AI_WORKER_JOB_TIMEOUT_MINUTES"); ok {
		c.Analysis.JobTimeout = time.Duration(v) * time.Minute
	}
	if v, ok := envInt("AI_MAX_CONTEXT_TOKENS"); ok {
		c.Analysis.MaxContextTokens = v
	}
	envFloat("AI_TOKENIZER_SAFETY_MARGIN", &c.Analysis.SafetyMargin)
	if v, ok := envInt("AI_HEAD_MESSAGES"); ok {
		c.Analysis.HeadMessages = v
	}
	if v, ok := envInt("AI_TAIL_MESSAGES"); ok {
		c.Analysis.TailMessages = v
	}
	if c.Analysis.BaseURL == "" {
		c.Analysis.BaseURL = c.Upstream.BaseURL
	}

	envString("NOTIFY_WEBHOOK_URL", &c.Notify.WebhookURL)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Endpoint = v
	}
}

// Validate fails fast on configuration the process cannot run with.
func (c *Config) Validate() error {
	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when storage is enabled")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive, got %s", c.Upstream.Timeout)
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout < c.Upstream.Timeout {
		return fmt.Errorf("server write timeout %s is shorter than upstream timeout %s",
			c.Server.WriteTimeout, c.Upstream.Timeout)
	}
	if c.Pool.Window <= 0 || c.Pool.OutputTokenBudget <= 0 {
		return fmt.Errorf("pool window and output token budget must be positive")
	}
	if c.Credentials.Dir == "" {
		return fmt.Errorf("credentials dir must not be empty")
	}
	if info, err := os.Stat(c.Credentials.Dir); err != nil {
		return fmt.Errorf("credentials dir: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("credentials dir %s is not a directory", c.Credentials.Dir)
	}
	if c.Analysis.Enabled && c.Analysis.Model == "" {
		return fmt.Errorf("AI_ANALYSIS_MODEL is required when the analysis worker is enabled")
	}
	if c.Analysis.SafetyMargin < 0 || c.Analysis.SafetyMargin >= 1 {
		return fmt.Errorf("tokenizer safety margin must be in [0, 1), got %v", c.Analysis.SafetyMargin)
	}
	return nil
}

// ValidateWorker checks the subset of configuration the standalone analysis
// worker needs. The worker runs without credentials or upstream relay
// settings, so Validate would reject perfectly good worker deployments.
func (c *Config) ValidateWorker() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Analysis.Model == "" {
		return fmt.Errorf("AI_ANALYSIS_MODEL must not be empty")
	}
	if c.Analysis.SafetyMargin < 0 || c.Analysis.SafetyMargin >= 1 {
		return fmt.Errorf("tokenizer safety margin must be in [0, 1), got %v", c.Analysis.SafetyMargin)
	}
	return nil
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(name string) (int64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string, dst *float64) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return
	}
	*dst = f
}

func envBool(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
