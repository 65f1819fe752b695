package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Store backends
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Environment selects the queue namespace and pipeline profile
	Environment string

	// Store Configuration
	StoreBackend      string
	MongoURI          string
	MongoDatabase     string
	MongoTimeout      time.Duration
	MongoTransactions bool

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Worker Pool Configuration
	WorkerPoolSize    int
	QueuePollInterval time.Duration

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Pipeline Configuration
	BudgetLimit         float64
	PipelineProfilePath string
	StageRetryAttempts  int
	StoreRetryAttempts  int
	ProgressInterval    time.Duration
	HeartbeatInterval   time.Duration

	// Collaborator Configuration
	CollaboratorBaseURL string
	CollaboratorTimeout time.Duration

	// Cache Configuration
	CacheTTL           time.Duration
	CacheMemoryEntries int
	CacheMaxDownload   int64
	S3Region           string
	S3Endpoint         string
	S3ForcePathStyle   bool

	// Event Configuration
	EventWebhookURL     string
	EventWebhookTimeout time.Duration
	EventBufferSize     int

	// Recovery Configuration
	RecoveryEnabled        bool
	RecoverySchedule       string
	StaleThreshold         time.Duration
	RecoveryRequeueStalled bool

	// CORS Configuration
	CORSAllowedOrigins string
	CORSAllowedMethods string
	CORSAllowedHeaders string
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		// Store
		StoreBackend:      getEnv("STORE_BACKEND", StoreMongo),
		MongoURI:          getEnv("MONGO_URI", "mongodb://localhost:27017/reelforge?authSource=admin"),
		MongoDatabase:     getEnv("MONGO_DATABASE", "reelforge"),
		MongoTimeout:      getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,
		MongoTransactions: getBoolEnv("MONGO_TRANSACTIONS", false),

		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 30) * time.Second,

		// Worker Pool
		WorkerPoolSize:    getIntEnv("WORKER_POOL_SIZE", 4),
		QueuePollInterval: getDurationEnv("QUEUE_POLL_INTERVAL_MS", 1000) * time.Millisecond,

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Pipeline
		BudgetLimit:         getFloatEnv("BUDGET_LIMIT", 50.00),
		PipelineProfilePath: getEnv("PIPELINE_PROFILE_PATH", ""),
		StageRetryAttempts:  getIntEnv("STAGE_RETRY_ATTEMPTS", 3),
		StoreRetryAttempts:  getIntEnv("STORE_RETRY_ATTEMPTS", 3),
		ProgressInterval:    getDurationEnv("PROGRESS_INTERVAL_SEC", 2) * time.Second,
		HeartbeatInterval:   getDurationEnv("HEARTBEAT_INTERVAL_SEC", 60) * time.Second,

		// Collaborators
		CollaboratorBaseURL: getEnv("COLLABORATOR_BASE_URL", ""),
		CollaboratorTimeout: getDurationEnv("COLLABORATOR_TIMEOUT_SEC", 300) * time.Second,

		// Cache
		CacheTTL:           getDurationEnv("CACHE_TTL_HOURS", 24*7) * time.Hour,
		CacheMemoryEntries: getIntEnv("CACHE_MEMORY_ENTRIES", 1024),
		CacheMaxDownload:   int64(getIntEnv("CACHE_MAX_DOWNLOAD_MB", 2048)) << 20,
		S3Region:           getEnv("S3_REGION", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3ForcePathStyle:   getBoolEnv("S3_FORCE_PATH_STYLE", false),

		// Events
		EventWebhookURL:     getEnv("EVENT_WEBHOOK_URL", ""),
		EventWebhookTimeout: getDurationEnv("EVENT_WEBHOOK_TIMEOUT_SEC", 10) * time.Second,
		EventBufferSize:     getIntEnv("EVENT_BUFFER_SIZE", 256),

		// Recovery
		RecoveryEnabled:        getBoolEnv("RECOVERY_ENABLED", true),
		RecoverySchedule:       getEnv("RECOVERY_SCHEDULE", "*/5 * * * *"),
		StaleThreshold:         getDurationEnv("STALE_THRESHOLD_MIN", 30) * time.Minute,
		RecoveryRequeueStalled: getBoolEnv("RECOVERY_REQUEUE_STALLED", false),

		// CORS
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSAllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET, POST, OPTIONS"),
		CORSAllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "*"),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
		log.Printf("Warning: Invalid number value for %s, using default %.2f", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
