// Package config provides environment configuration for the gateway and the wizard client.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Analysis backend
	BackendURL     string
	BackendTimeout time.Duration

	// Gateway base URL used by the wizard client
	APIBaseURL string
	APIToken   string

	// JWT settings (shared secret of the managed auth provider)
	JWTSecret string

	// Government address lookup
	AddressAPIURL string
	AddressAPIKey string

	// NATS settings (optional telemetry)
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// LLM classifier fallback (optional)
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string

	// Local cache and sync
	CachePath          string
	SyncInterval       time.Duration
	SyncBatchSize      int
	SyncMaxAttempts    int
	SyncDebounce       time.Duration
	ServerSyncDisabled bool
	RetentionDays      int

	// Rate limiting and CORS
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from a .env file, if present, and the environment.
func Load() *Config {
	// Missing .env is normal in deployed environments.
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Minute),

		// Backend
		BackendURL:     getEnv("ANALYSIS_BACKEND_URL", "http://localhost:8000"),
		BackendTimeout: getDurationEnv("ANALYSIS_BACKEND_TIMEOUT", 30*time.Second),

		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
		APIToken:   getEnv("API_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Address lookup
		AddressAPIURL: getEnv("ADDRESS_API_URL", "https://business.juso.go.kr/addrlink/addrLinkApi.do"),
		AddressAPIKey: getEnv("ADDRESS_API_KEY", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),

		// Cache and sync
		CachePath:          getEnv("CACHE_PATH", defaultCachePath()),
		SyncInterval:       getDurationEnv("SYNC_INTERVAL", 5*time.Second),
		SyncBatchSize:      getIntEnv("SYNC_BATCH_SIZE", 20),
		SyncMaxAttempts:    getIntEnv("SYNC_MAX_ATTEMPTS", 5),
		SyncDebounce:       getDurationEnv("SYNC_DEBOUNCE", 300*time.Millisecond),
		ServerSyncDisabled: getBoolEnv("SERVER_SYNC_DISABLED", false),
		RetentionDays:      getIntEnv("RETENTION_DAYS", 30),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		CORSOrigins:       getListEnv("CORS_ALLOWED_ORIGINS"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "risk-wizard.db"
	}
	return dir + string(os.PathSeparator) + "risk-platform" + string(os.PathSeparator) + "wizard.db"
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

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
