// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StoreNATS   = "nats"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Storage
	StoreBackend string
	SQLitePath   string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Auth settings
	JWTSecret string
	DevMode   bool

	// Model routing
	FamiliesFile string

	// Conversation context
	SummaryTokenLimit int
	SummaryKeepLast   int
	RetrievalTopK     int

	// Embeddings deployment; the hashing embedder is used when unset.
	EmbeddingsEndpoint   string
	EmbeddingsAPIKey     string
	EmbeddingsDeployment string
	EmbeddingsAPIVersion string

	// Image generation deployment; disabled when unset.
	ImageEndpoint   string
	ImageAPIKey     string
	ImageDeployment string
	ImageAPIVersion string

	// PDF parsing service; PDFs yield no text when unset.
	PDFServiceURL string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables after loading .env
// files. Variables already set in the environment win.
func Load() *Config {
	loadEnvFiles()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 5*time.Minute),
		CORSOrigins:        getListEnv("CORS_ORIGINS"),

		// Storage
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreNATS)),
		SQLitePath:   getEnv("SQLITE_PATH", "data/klint.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Auth
		JWTSecret: getEnv("JWT_SECRET", ""),
		DevMode:   getBoolEnv("DEV_MODE", false),

		// Models
		FamiliesFile: getEnv("FAMILIES_FILE", ""),

		// Context
		SummaryTokenLimit: getIntEnv("SUMMARY_TOKEN_LIMIT", 3000),
		SummaryKeepLast:   getIntEnv("SUMMARY_KEEP_LAST", 8),
		RetrievalTopK:     getIntEnv("RETRIEVAL_TOP_K", 4),

		EmbeddingsEndpoint:   getEnv("AZURE_OPENAI_EMBEDDINGS_ENDPOINT", ""),
		EmbeddingsAPIKey:     getEnv("AZURE_OPENAI_EMBEDDINGS_API_KEY", ""),
		EmbeddingsDeployment: getEnv("AZURE_OPENAI_EMBEDDINGS_DEPLOYMENT", "text-embedding-ada-002"),
		EmbeddingsAPIVersion: getEnv("AZURE_OPENAI_EMBEDDINGS_API_VERSION", ""),

		ImageEndpoint:   getEnv("AZURE_OPENAI_IMAGE_ENDPOINT", ""),
		ImageAPIKey:     getEnv("AZURE_OPENAI_IMAGE_API_KEY", ""),
		ImageDeployment: getEnv("AZURE_OPENAI_IMAGE_DEPLOYMENT", "dall-e-3"),
		ImageAPIVersion: getEnv("AZURE_OPENAI_IMAGE_API_VERSION", ""),

		PDFServiceURL: getEnv("PDF_SERVICE_URL", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// EmbeddingsEnabled reports whether an embeddings deployment is configured.
func (c *Config) EmbeddingsEnabled() bool {
	return c.EmbeddingsEndpoint != "" && c.EmbeddingsAPIKey != ""
}

// ImageGenerationEnabled reports whether an image deployment is configured.
func (c *Config) ImageGenerationEnabled() bool {
	return c.ImageEndpoint != "" && c.ImageAPIKey != ""
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load never overwrites variables that are already set.
		_ = godotenv.Load(f)
	}
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

func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
