// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigin         string
	Environment        string // "production" or anything else

	// Authentication
	APIKey    string
	JWTSecret string

	// Rate limiting
	RateLimitWindow time.Duration
	RateLimitMax    int

	// LLM settings
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	DefaultProvider  string
	QualityLevel     string
	EnableStreaming  bool

	// Workspace
	WorkspaceDir string

	// Coordinator timeouts and limits
	FirstChunkTimeout    time.Duration
	IdleTimeout          time.Duration
	StreamTimeout        time.Duration
	ProviderHTTPTimeout  time.Duration
	MaxConcurrentStreams int64
	OutboundSoftCap      int
	OutboundHardCap      int

	// Event tap
	NATSURL   string
	NATSToken string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Minute),
		CORSOrigin:         getEnv("CORS_ORIGIN", "*"),
		Environment:        getEnv("NODE_ENV", getEnv("APP_ENV", "development")),

		// Auth
		APIKey:    getEnv("API_KEY", ""),
		JWTSecret: getEnv("JWT_SECRET", ""),

		// Rate limiting: window is configured in minutes, a deployment
		// convention inherited from the original service.
		RateLimitWindow: time.Duration(getIntEnv("RATE_LIMIT_WINDOW", 15)) * time.Minute,
		RateLimitMax:    getIntEnv("RATE_LIMIT_MAX", 100),

		// LLM
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		DefaultProvider:  getEnv("DEFAULT_LLM_PROVIDER", "anthropic"),
		QualityLevel:     getEnv("QUALITY_LEVEL", "standard"),
		EnableStreaming:  getBoolEnv("ENABLE_STREAMING", true),

		// Workspace
		WorkspaceDir: getEnv("WORKSPACE_DIR", ""),

		// Coordinator
		FirstChunkTimeout:    getDurationEnv("FIRST_CHUNK_TIMEOUT", 20*time.Second),
		IdleTimeout:          getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		StreamTimeout:        getDurationEnv("STREAM_TIMEOUT", 10*time.Minute),
		ProviderHTTPTimeout:  getDurationEnv("PROVIDER_HTTP_TIMEOUT", 2*time.Minute),
		MaxConcurrentStreams: int64(getIntEnv("MAX_CONCURRENT_STREAMS", 8)),
		OutboundSoftCap:      getIntEnv("OUTBOUND_SOFT_CAP", 256),
		OutboundHardCap:      getIntEnv("OUTBOUND_HARD_CAP", 1024),

		// Event tap
		NATSURL:   getEnv("NATS_URL", ""),
		NATSToken: getEnv("NATS_TOKEN", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Production reports whether the deployment is marked production. Auth
// bypass when APIKey is empty is only allowed outside production.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// Validate rejects configurations that must not reach serving. An empty
// API key disables authentication, which is acceptable only outside
// production.
func (c *Config) Validate() error {
	if c.Production() && c.APIKey == "" {
		return errors.New("API_KEY is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
