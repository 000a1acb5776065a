// Package config provides configuration management for the agentz control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Streams   StreamsConfig   `mapstructure:"streams"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Safety    SafetyConfig    `mapstructure:"safety"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkerConfig holds worker process limits and buffering behaviour.
type WorkerConfig struct {
	// Binary is the worker executable launched per session. The agent
	// type is passed as a flag, not baked into the binary name.
	Binary string `mapstructure:"binary"`
	// CLITimeoutMs terminates a worker after this many milliseconds.
	CLITimeoutMs int `mapstructure:"cliTimeoutMs"`
	// CLIStartupTimeoutMs bounds the time a worker has to connect back.
	CLIStartupTimeoutMs int `mapstructure:"cliStartupTimeoutMs"`
	// MaxConcurrentAgents caps simultaneously running workers on this host.
	MaxConcurrentAgents int `mapstructure:"maxConcurrentAgents"`
	// MaxOutputSizeBytes caps retained output per session.
	MaxOutputSizeBytes int `mapstructure:"maxOutputSizeBytes"`
	// MaxOutputBufferBytes caps the in-flight ingest buffer.
	MaxOutputBufferBytes int `mapstructure:"maxOutputBufferBytes"`
	// FlushDelayMs and FlushChunkThreshold control ingest buffering:
	// flush after the threshold of pending chunks or the delay, whichever first.
	FlushDelayMs        int `mapstructure:"flushDelayMs"`
	FlushChunkThreshold int `mapstructure:"flushChunkThreshold"`
	// MaxSessionAgeMs and MaxSessionsCount guard the optional retention sweep.
	MaxSessionAgeMs  int64 `mapstructure:"maxSessionAgeMs"`
	MaxSessionsCount int   `mapstructure:"maxSessionsCount"`
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	Enabled bool `mapstructure:"enabled"` // Enable worktree isolation
	// StorePath is the sqlite file holding worktree records.
	StorePath string `mapstructure:"storePath"`
}

// StreamsConfig holds the on-disk event log layout.
type StreamsConfig struct {
	// Root is the directory holding registry, session, and control logs.
	// Defaults to <repo>/.control-plane/streams.
	Root string `mapstructure:"root"`
}

// RateLimitConfig holds sliding-window rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute    int   `mapstructure:"requestsPerMinute"`
	MaxTokensPerRequest  int   `mapstructure:"maxTokensPerRequest"`
	TokensPerMinute      int   `mapstructure:"tokensPerMinute"`
	TokensPerHour        int   `mapstructure:"tokensPerHour"`
	SuspensionDurationMs int64 `mapstructure:"suspensionDurationMs"`
	MaxViolations        int   `mapstructure:"maxViolations"`
}

// SafetyConfig holds best-effort command filtering.
type SafetyConfig struct {
	// AllowedPathPrefix restricts worker working directories. Defaults to
	// the process working directory.
	AllowedPathPrefix string `mapstructure:"allowedPathPrefix"`
	// DangerousCommands is a substring denylist applied to prompts and
	// tool invocations. A safety net, not a security boundary.
	DangerousCommands []string `mapstructure:"dangerousCommands"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CLITimeout returns the worker timeout as a time.Duration.
func (w *WorkerConfig) CLITimeout() time.Duration {
	return time.Duration(w.CLITimeoutMs) * time.Millisecond
}

// CLIStartupTimeout returns the worker startup timeout as a time.Duration.
func (w *WorkerConfig) CLIStartupTimeout() time.Duration {
	return time.Duration(w.CLIStartupTimeoutMs) * time.Millisecond
}

// FlushDelay returns the ingest flush delay as a time.Duration.
func (w *WorkerConfig) FlushDelay() time.Duration {
	return time.Duration(w.FlushDelayMs) * time.Millisecond
}

// MaxSessionAge returns the retention horizon as a time.Duration.
func (w *WorkerConfig) MaxSessionAge() time.Duration {
	return time.Duration(w.MaxSessionAgeMs) * time.Millisecond
}

// SuspensionDuration returns the base suspension as a time.Duration.
func (r *RateLimitConfig) SuspensionDuration() time.Duration {
	return time.Duration(r.SuspensionDurationMs) * time.Millisecond
}

// defaultDangerousCommands is the built-in substring denylist.
func defaultDangerousCommands() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"sudo rm",
		"> /dev/sda",
		"mkfs",
		"dd if=",
		"fork bomb",
		"curl | bash",
		"wget | sh",
		"curl | sh",
	}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentz-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Worker defaults
	v.SetDefault("worker.binary", "agentz-worker")
	v.SetDefault("worker.cliTimeoutMs", 3_600_000)
	v.SetDefault("worker.cliStartupTimeoutMs", 30_000)
	v.SetDefault("worker.maxConcurrentAgents", 3)
	v.SetDefault("worker.maxOutputSizeBytes", 10_000_000)
	v.SetDefault("worker.maxOutputBufferBytes", 1_000_000)
	v.SetDefault("worker.flushDelayMs", 250)
	v.SetDefault("worker.flushChunkThreshold", 10)
	v.SetDefault("worker.maxSessionAgeMs", int64(7*24*time.Hour/time.Millisecond))
	v.SetDefault("worker.maxSessionsCount", 100)

	// Worktree defaults
	v.SetDefault("worktree.enabled", true)
	v.SetDefault("worktree.storePath", "~/.agentz/worktrees.db")

	// Streams defaults - empty root means <repo>/.control-plane/streams
	v.SetDefault("streams.root", "")

	// Rate limit defaults
	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.maxTokensPerRequest", 50_000)
	v.SetDefault("rateLimit.tokensPerMinute", 200_000)
	v.SetDefault("rateLimit.tokensPerHour", 1_000_000)
	v.SetDefault("rateLimit.suspensionDurationMs", int64(15*time.Minute/time.Millisecond))
	v.SetDefault("rateLimit.maxViolations", 5)

	// Safety defaults
	v.SetDefault("safety.allowedPathPrefix", "")
	v.SetDefault("safety.dangerousCommands", defaultDangerousCommands())
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTZ_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentz/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env var names used by operators.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("worker.binary", "WORKER_BINARY", "AGENTZ_WORKER_BINARY")
	_ = v.BindEnv("worker.cliTimeoutMs", "CLI_TIMEOUT_MS", "AGENTZ_WORKER_CLI_TIMEOUT_MS")
	_ = v.BindEnv("worker.cliStartupTimeoutMs", "CLI_STARTUP_TIMEOUT_MS", "AGENTZ_WORKER_CLI_STARTUP_TIMEOUT_MS")
	_ = v.BindEnv("worker.maxConcurrentAgents", "MAX_CONCURRENT_AGENTS", "AGENTZ_WORKER_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("worker.maxOutputSizeBytes", "MAX_OUTPUT_SIZE_BYTES", "AGENTZ_WORKER_MAX_OUTPUT_SIZE_BYTES")
	_ = v.BindEnv("worker.maxOutputBufferBytes", "MAX_OUTPUT_BUFFER_BYTES", "AGENTZ_WORKER_MAX_OUTPUT_BUFFER_BYTES")
	_ = v.BindEnv("worker.flushDelayMs", "FLUSH_DELAY_MS", "AGENTZ_WORKER_FLUSH_DELAY_MS")
	_ = v.BindEnv("worker.flushChunkThreshold", "FLUSH_CHUNK_THRESHOLD", "AGENTZ_WORKER_FLUSH_CHUNK_THRESHOLD")
	_ = v.BindEnv("worker.maxSessionAgeMs", "MAX_SESSION_AGE_MS", "AGENTZ_WORKER_MAX_SESSION_AGE_MS")
	_ = v.BindEnv("worker.maxSessionsCount", "MAX_SESSIONS_COUNT", "AGENTZ_WORKER_MAX_SESSIONS_COUNT")
	_ = v.BindEnv("safety.allowedPathPrefix", "ALLOWED_PATH_PREFIX", "AGENTZ_SAFETY_ALLOWED_PATH_PREFIX")
	_ = v.BindEnv("rateLimit.requestsPerMinute", "RATE_LIMIT_REQUESTS_PER_MINUTE", "AGENTZ_RATELIMIT_REQUESTS_PER_MINUTE")
	_ = v.BindEnv("rateLimit.maxTokensPerRequest", "RATE_LIMIT_MAX_TOKENS_PER_REQUEST", "AGENTZ_RATELIMIT_MAX_TOKENS_PER_REQUEST")
	_ = v.BindEnv("rateLimit.tokensPerMinute", "RATE_LIMIT_TOKENS_PER_MINUTE", "AGENTZ_RATELIMIT_TOKENS_PER_MINUTE")
	_ = v.BindEnv("rateLimit.tokensPerHour", "RATE_LIMIT_TOKENS_PER_HOUR", "AGENTZ_RATELIMIT_TOKENS_PER_HOUR")
	_ = v.BindEnv("rateLimit.suspensionDurationMs", "RATE_LIMIT_SUSPENSION_DURATION_MS", "AGENTZ_RATELIMIT_SUSPENSION_DURATION_MS")
	_ = v.BindEnv("rateLimit.maxViolations", "RATE_LIMIT_MAX_VIOLATIONS", "AGENTZ_RATELIMIT_MAX_VIOLATIONS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentz/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Safety.AllowedPathPrefix == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.Safety.AllowedPathPrefix = wd
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the cross-field constraints on a loaded configuration.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Worker.MaxOutputBufferBytes > cfg.Worker.MaxOutputSizeBytes {
		errs = append(errs, "worker.maxOutputBufferBytes must not exceed worker.maxOutputSizeBytes")
	}
	if cfg.Worker.CLIStartupTimeoutMs >= cfg.Worker.CLITimeoutMs {
		errs = append(errs, "worker.cliStartupTimeoutMs must be less than worker.cliTimeoutMs")
	}
	if cfg.Worker.MaxConcurrentAgents < 1 {
		errs = append(errs, "worker.maxConcurrentAgents must be at least 1")
	}
	if cfg.Worker.FlushChunkThreshold < 1 {
		errs = append(errs, "worker.flushChunkThreshold must be at least 1")
	}

	if cfg.RateLimit.TokensPerMinute > cfg.RateLimit.TokensPerHour {
		errs = append(errs, "rateLimit.tokensPerMinute must not exceed rateLimit.tokensPerHour")
	}
	if cfg.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, "rateLimit.requestsPerMinute must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTZ_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
