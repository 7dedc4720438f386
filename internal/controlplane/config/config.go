// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/adjutant")
	DataDir string `json:"data_dir"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Auth
	AuthEnabled bool `json:"auth_enabled"`

	// Database settings
	Database DatabaseConfig `json:"database,omitempty"`

	// Timer engine settings
	Timer TimerConfig `json:"timer,omitempty"`

	// Retry policy defaults for new executions
	Retry RetryConfig `json:"retry,omitempty"`

	// Agent runtime settings
	Agent AgentConfig `json:"agent,omitempty"`

	// Read-surface capability allowlist override. Empty means the
	// built-in allowlist.
	CapabilityAllowlist []string `json:"capability_allowlist,omitempty"`

	// Notification settings
	Notify NotifyConfig `json:"notify,omitempty"`

	// OTLP gRPC endpoint for traces. Empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// DatabaseConfig selects the schedule store backend.
type DatabaseConfig struct {
	// Driver is one of sqlite, pgx, mysql.
	Driver string `json:"driver,omitempty"`
	// DSN; for sqlite, empty means <data_dir>/control.db.
	DSN string `json:"dsn,omitempty"`
}

// TimerConfig configures the local timer engine.
type TimerConfig struct {
	TickIntervalSeconds int `json:"tick_interval_seconds"`
}

// RetryConfig configures default retry behaviour for executions.
type RetryConfig struct {
	MaxAttempts        int    `json:"max_attempts"`
	BackoffStrategy    string `json:"backoff_strategy"`
	BackoffBaseSeconds int    `json:"backoff_base_seconds"`
	BackoffMaxSeconds  int    `json:"backoff_max_seconds"`
}

// AgentConfig configures the agent runtime invoker.
type AgentConfig struct {
	// MCPEndpoint is the agent runtime's MCP HTTP endpoint.
	MCPEndpoint string `json:"mcp_endpoint,omitempty"`
	// ToolName overrides the invoked tool (default run_task).
	ToolName string `json:"tool_name,omitempty"`
	// CallTimeoutSeconds bounds a single invocation.
	CallTimeoutSeconds int `json:"call_timeout_seconds,omitempty"`
}

// NotifyConfig configures failure notification channels.
type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack,omitempty"`
	Email   EmailConfig   `json:"email,omitempty"`
	Webhook WebhookConfig `json:"webhook,omitempty"`
	// MaxPerHour limits notifications per schedule per hour (default 10).
	MaxPerHour int `json:"max_per_hour"`
}

// SlackConfig configures the Slack webhook channel.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	Channel    string `json:"channel,omitempty"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	From     string   `json:"from,omitempty"`
	To       []string `json:"to,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// WebhookConfig configures the generic webhook channel.
type WebhookConfig struct {
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RateLimitConfig configures per-key API rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/adjutant",
		LogLevel:   "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Timer: TimerConfig{
			TickIntervalSeconds: 15,
		},
		Retry: RetryConfig{
			MaxAttempts:        3,
			BackoffStrategy:    "exponential",
			BackoffBaseSeconds: 60,
			BackoffMaxSeconds:  3600,
		},
		Agent: AgentConfig{
			ToolName:           "run_task",
			CallTimeoutSeconds: 300,
		},
		Notify: NotifyConfig{
			MaxPerHour: 10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("ADJUTANT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ADJUTANT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ADJUTANT_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("ADJUTANT_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("ADJUTANT_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ADJUTANT_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ADJUTANT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ADJUTANT_TICK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Timer.TickIntervalSeconds = n
		}
	}
	if v := os.Getenv("ADJUTANT_AGENT_MCP_ENDPOINT"); v != "" {
		cfg.Agent.MCPEndpoint = v
	}
	if v := os.Getenv("ADJUTANT_AGENT_TOOL"); v != "" {
		cfg.Agent.ToolName = v
	}
	if v := os.Getenv("ADJUTANT_SLACK_WEBHOOK"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
	}
	if v := os.Getenv("ADJUTANT_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("ADJUTANT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ADJUTANT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// DatabaseDSN resolves the effective DSN, defaulting SQLite into DataDir.
func (c Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.DataDir, "control.db")
}

// AuthDBPath is the SQLite path for the API key store.
func (c Config) AuthDBPath() string {
	return filepath.Join(c.DataDir, "auth.db")
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
