// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Thread backup kinds.
const (
	BackupFile   = "file"
	BackupSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	LogLevel     slog.Level
	SystemPrompt string
	CORSOrigins  []string

	Workflow  WorkflowConfig
	Threads   ThreadConfig
	Stream    StreamConfig
	SSE       SSEConfig
	RateLimit RateLimitConfig
	MCP       MCPConfig
}

// WorkflowConfig locates the workflow engine.
type WorkflowConfig struct {
	Addr           string
	ConnectTimeout time.Duration
}

// ThreadConfig controls thread metadata persistence.
type ThreadConfig struct {
	Backup          string // "file" or "sqlite"
	BackupPath      string
	DBPath          string
	MaxAge          time.Duration // 0 keeps threads forever
	CleanupInterval time.Duration
}

// StreamConfig controls answer streaming.
type StreamConfig struct {
	Timeout         time.Duration
	TokenSize       int
	TokenDelay      time.Duration
	StaleAfter      time.Duration
	CleanupInterval time.Duration
}

// SSEConfig controls server-sent event delivery.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// RateLimitConfig controls per-client chat throttling.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// MCPConfig locates the MCP tool server.
type MCPConfig struct {
	BaseURL string
	Retries int
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		LogLevel:     parseLevel(getEnv("LOG_LEVEL", "info")),
		SystemPrompt: getEnv("SYSTEM_PROMPT", ""),
		CORSOrigins:  splitList(getEnv("CORS_ORIGINS", "*")),
		Workflow: WorkflowConfig{
			Addr:           getEnv("WORKFLOW_ADDR", "localhost:50051"),
			ConnectTimeout: getEnvDuration("WORKFLOW_CONNECT_TIMEOUT", 5*time.Second),
		},
		Threads: ThreadConfig{
			Backup:          strings.ToLower(getEnv("THREAD_BACKUP", BackupFile)),
			BackupPath:      getEnv("THREAD_BACKUP_PATH", "./data/threads.json"),
			DBPath:          getEnv("THREAD_DB_PATH", "./data/threads.db"),
			MaxAge:          getEnvDuration("THREAD_MAX_AGE", 0),
			CleanupInterval: getEnvDuration("THREAD_CLEANUP_INTERVAL", time.Hour),
		},
		Stream: StreamConfig{
			Timeout:         getEnvDuration("STREAM_TIMEOUT", 30*time.Second),
			TokenSize:       getEnvInt("STREAM_TOKEN_SIZE", 10),
			TokenDelay:      getEnvDuration("STREAM_TOKEN_DELAY", 30*time.Millisecond),
			StaleAfter:      getEnvDuration("STREAM_STALE_AFTER", 5*time.Minute),
			CleanupInterval: getEnvDuration("STREAM_CLEANUP_INTERVAL", 2*time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 5),
		},
		MCP: MCPConfig{
			BaseURL: strings.TrimRight(getEnv("MCP_BASE_URL", "http://localhost:8001"), "/"),
			Retries: getEnvInt("MCP_RETRIES", 3),
			Timeout: getEnvDuration("MCP_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.Workflow.Addr == "" {
		errs = append(errs, errors.New("WORKFLOW_ADDR cannot be empty"))
	}
	switch c.Threads.Backup {
	case BackupFile:
		if c.Threads.BackupPath == "" {
			errs = append(errs, errors.New("THREAD_BACKUP_PATH cannot be empty"))
		}
	case BackupSQLite:
		if c.Threads.DBPath == "" {
			errs = append(errs, errors.New("THREAD_DB_PATH cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("THREAD_BACKUP must be %q or %q, got %q", BackupFile, BackupSQLite, c.Threads.Backup))
	}
	if c.Threads.MaxAge < 0 {
		errs = append(errs, errors.New("THREAD_MAX_AGE must be >= 0"))
	}
	if c.Threads.MaxAge > 0 && c.Threads.CleanupInterval <= 0 {
		errs = append(errs, errors.New("THREAD_CLEANUP_INTERVAL must be > 0"))
	}
	if c.Stream.Timeout <= 0 {
		errs = append(errs, errors.New("STREAM_TIMEOUT must be > 0"))
	}
	if c.Stream.TokenSize <= 0 {
		errs = append(errs, errors.New("STREAM_TOKEN_SIZE must be > 0"))
	}
	if c.Stream.TokenDelay < 0 {
		errs = append(errs, errors.New("STREAM_TOKEN_DELAY must be >= 0"))
	}
	if c.Stream.StaleAfter <= 0 || c.Stream.CleanupInterval <= 0 {
		errs = append(errs, errors.New("STREAM_STALE_AFTER and STREAM_CLEANUP_INTERVAL must be > 0"))
	}
	if c.SSE.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("SSE_KEEPALIVE_INTERVAL must be > 0"))
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BODY_SIZE must be > 0"))
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be > 0"))
	}
	if c.MCP.Retries < 1 {
		errs = append(errs, errors.New("MCP_RETRIES must be >= 1"))
	}
	if c.MCP.Timeout <= 0 {
		errs = append(errs, errors.New("MCP_TIMEOUT must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true when any CORS origin points at localhost.
func (c *Config) IsDevelopment() bool {
	for _, o := range c.CORSOrigins {
		if o == "*" || strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1") {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if getEnvBool("CONTAINER", false) {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
