// Package config provides configuration loading for the researchd service.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the researchd service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// RunStore configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration

	// Redis configuration (when RunStoreType == "redis")
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Event bus configuration
	EventHistory     int // bounded history ring per run
	SubscriberBuffer int // bounded per-subscriber buffer

	// Orchestrator configuration
	Concurrency int // parallel node limit; 1 = deterministic order

	// Agent runtime configuration
	MaxIterations     int           // reasoning loop ceiling per node
	BackendAttempts   int           // transient backend retry budget
	BackendRetryDelay time.Duration // pause between backend attempts

	// Tool invoker configuration
	ToolMaxAttempts    int
	ToolInitialBackoff time.Duration
	ToolMaxBackoff     time.Duration
	ToolDefaultTimeout time.Duration

	// Reasoning backend configuration
	BackendBaseURL string
	BackendModel   string
	BackendAPIKey  string

	// Tool credentials (opaque to the core; injected at registration)
	SerperAPIKey    string
	SECAPIKey       string
	SECEdgarContact string // contact identity EDGAR requires on requests

	// OIDC configuration
	OIDCIssuer   string
	OIDCClientID string
	OIDCEnabled  bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTLPEndpoint    string
	TracingEnabled  bool
	TraceSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// RunStore
		RunStoreType: getEnv("RUNSTORE", "memory"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 24*time.Hour),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Event bus
		EventHistory:     getInt("EVENT_HISTORY", 1024),
		SubscriberBuffer: getInt("EVENT_SUBSCRIBER_BUFFER", 256),

		// Orchestrator
		Concurrency: getInt("RUN_CONCURRENCY", runtime.NumCPU()),

		// Agent runtime
		MaxIterations:     getInt("AGENT_MAX_ITERATIONS", 15),
		BackendAttempts:   getInt("BACKEND_ATTEMPTS", 3),
		BackendRetryDelay: getDuration("BACKEND_RETRY_DELAY", time.Second),

		// Tool invoker
		ToolMaxAttempts:    getInt("TOOL_MAX_ATTEMPTS", 3),
		ToolInitialBackoff: getDuration("TOOL_BACKOFF_INITIAL", 500*time.Millisecond),
		ToolMaxBackoff:     getDuration("TOOL_BACKOFF_MAX", 10*time.Second),
		ToolDefaultTimeout: getDuration("TOOL_TIMEOUT", 30*time.Second),

		// Reasoning backend
		BackendBaseURL: getEnv("MODEL_BASE_URL", "http://localhost:11434/v1"),
		BackendModel:   getEnv("MODEL", "gpt-4o-mini"),
		BackendAPIKey:  getEnv("MODEL_API_KEY", ""),

		// Tool credentials
		SerperAPIKey:    getEnv("SERPER_API_KEY", ""),
		SECAPIKey:       getEnv("SEC_API_KEY", ""),
		SECEdgarContact: getEnv("SEC_EDGAR_CONTACT", ""),

		// OIDC
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		OIDCEnabled:  getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 50.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),

		// Tracing
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled:  getBool("TRACING_ENABLED", false),
		TraceSampleRate: getFloat("TRACE_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
