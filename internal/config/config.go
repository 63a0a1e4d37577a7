// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAssistantID is the tutor assistant configured on the remote service.
const DefaultAssistantID = "asst_PyDQj8hOe83PXXdZ2efqsmoS"

// ErrMissingAPIKey is returned by Load when no assistant credential is set.
var ErrMissingAPIKey = errors.New("missing OPENAI_API_KEY")

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCPort        string // empty disables the gRPC health server
	FrontendURL     string
	Assistant       AssistantConfig
	Poll            PollConfig
	Session         SessionConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Timeout         TimeoutConfig
	Retry           RetryConfig
	ConversationLog ConversationLogConfig
}

// AssistantConfig identifies the remote assistant service.
type AssistantConfig struct {
	APIKey         string
	AssistantID    string
	BaseURL        string
	RequestTimeout time.Duration
}

// PollConfig bounds the run polling loop. Zero Timeout or MaxAttempts
// means unbounded.
type PollConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// SessionConfig controls idle session expiry.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig controls per-user chat throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls streaming responses.
type SSEConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
}

// TimeoutConfig holds miscellaneous operation timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// RetryConfig controls retries of SQLite writes.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", ""),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Assistant: AssistantConfig{
			APIKey:         strings.TrimSpace(getEnv("OPENAI_API_KEY", "")),
			AssistantID:    getEnv("ASSISTANT_ID", DefaultAssistantID),
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		Poll: PollConfig{
			Interval:    getEnvDuration("POLL_INTERVAL", 600*time.Millisecond),
			Timeout:     getEnvDuration("POLL_TIMEOUT", 5*time.Minute),
			MaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 0),
		},
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 60*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
		},
		Timeout: TimeoutConfig{
			HealthCheck: 5 * time.Second,
			Shutdown:    10 * time.Second,
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: 50 * time.Millisecond,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Assistant.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Assistant.AssistantID == "" {
		return fmt.Errorf("ASSISTANT_ID cannot be empty")
	}
	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("OPENAI_BASE_URL cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.Poll.Timeout < 0 || c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("POLL_TIMEOUT and POLL_MAX_ATTEMPTS must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

// getEnvDuration accepts Go duration strings ("600ms", "5m") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
