package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Jobs     JobsConfig
}

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	Addr    string
	APIKeys []string
}

// DatabaseConfig holds the job ledger configuration. The DSN decides the
// backend: postgres:// goes through pgx, everything else is a sqlite path.
type DatabaseConfig struct {
	DSN         string
	DialTimeout time.Duration
}

// QueueConfig holds the task queue configuration. An empty URL selects the
// in-process queue; otherwise the AMQP broker at URL is used.
type QueueConfig struct {
	URL      string
	Name     string
	Prefetch int
	Buffer   int
}

// StorageConfig holds the artifact store configuration. When S3Endpoint is
// set the object-store backend is used instead of the local data dir.
type StorageConfig struct {
	DataDir     string
	MaxPDFBytes int64
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

// RedisConfig holds the optional status cache configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JobsConfig holds pipeline and lifecycle tuning.
type JobsConfig struct {
	TTL              time.Duration
	Workers          int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// LoadConfig loads configuration from environment variables. A local .env
// file is honored when present, matching how the service runs in dev.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Addr:    getEnv("HTTP_ADDR", ":8000"),
			APIKeys: splitAndTrim(getEnv("API_KEYS", "")),
		},
		Database: DatabaseConfig{
			DSN:         getEnv("DB_DSN", "docpipe.db"),
			DialTimeout: getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Queue: QueueConfig{
			URL:      getEnv("AMQP_URL", ""),
			Name:     getEnv("AMQP_QUEUE", "docpipe.jobs"),
			Prefetch: getEnvAsInt("AMQP_PREFETCH", 1),
			Buffer:   getEnvAsInt("QUEUE_BUFFER", 256),
		},
		Storage: StorageConfig{
			DataDir:     getEnv("DATA_DIR", "data/jobs"),
			MaxPDFBytes: getEnvAsInt64("MAX_PDF_MB", 50) * 1024 * 1024,
			S3Endpoint:  getEnv("S3_ENDPOINT", ""),
			S3Bucket:    getEnv("S3_BUCKET", "docpipe"),
			S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("S3_SECRET_KEY", ""),
			S3UseSSL:    getEnvAsBool("S3_USE_SSL", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Jobs: JobsConfig{
			TTL:              getEnvAsDuration("JOB_TTL", 7*24*time.Hour),
			Workers:          getEnvAsInt("WORKERS", 2),
			MaxAttempts:      getEnvAsInt("RETRY_MAX_ATTEMPTS", 5),
			RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 10*time.Second),
			HeartbeatTimeout: getEnvAsDuration("HEARTBEAT_TIMEOUT", 5*time.Minute),
			SweepInterval:    getEnvAsDuration("SWEEP_INTERVAL", 15*time.Minute),
		},
	}
}

// Validate validates the loaded configuration.
func (c *Config) Validate() error {
	if len(c.Server.APIKeys) == 0 {
		return WrapError(ErrInvalidConfig, "API_KEYS is required")
	}
	if c.Database.DSN == "" {
		return WrapError(ErrInvalidConfig, "DB_DSN is required")
	}
	if c.Jobs.TTL <= 0 {
		return WrapError(ErrInvalidConfig, "JOB_TTL must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
