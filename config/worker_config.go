package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique consumer name using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	DatabaseURL     string
	RedisURL        string
	MongoDBURL      string
	MongoDBName     string
	AttachmentStore string // mongo | s3 | memory
	DBMaxConns      int
	RedisPoolSize   int

	// S3 / MinIO
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3Region          string
	S3UseSSL          bool

	// Security
	JWTSecret     string
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string

	// Provider
	ProviderCallTimeout       time.Duration
	HistoryExpiredStatusCodes []int
	FullSyncMaxResults        int

	// Worker
	WorkerID  string
	WorkerMax int

	// Consumer (Redis Stream)
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
	ConsumerPendingIdleSec  int
	ConsumerHeartbeatSec    int
	RetryBaseDelay          time.Duration

	// Retention
	CompletedMaxLen int64
	CompletedMaxAge time.Duration
	FailedMaxLen    int64
	FailedMaxAge    time.Duration

	// Scheduler
	SchedulerEnabled bool
	SyncCron         string
	WatchdogCron     string
	SyncStuckTimeout time.Duration
	WebhookDebounce  time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		MongoDBURL:      getEnv("MONGODB_URL", ""),
		MongoDBName:     getEnv("MONGODB_NAME", "mailsync"),
		AttachmentStore: getEnv("ATTACHMENT_STORE", "mongo"),
		DBMaxConns:      getEnvInt("DB_MAX_CONNS", 25),
		RedisPoolSize:   getEnvInt("REDIS_POOL_SIZE", 0),

		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3Bucket:          getEnv("S3_BUCKET", "mail-attachments"),
		S3Region:          getEnv("AWS_REGION", "us-east-1"),
		S3UseSSL:          getEnvBool("S3_USE_SSL", true),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		ProviderCallTimeout:       getEnvDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
		HistoryExpiredStatusCodes: getEnvIntSlice("HISTORY_EXPIRED_STATUS_CODES", []int{404}),
		FullSyncMaxResults:        getEnvInt("FULL_SYNC_MAX_RESULTS", 500),

		WorkerID:  getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax: getEnvInt("WORKER_MAX", 20),

		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 50),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 60),
		ConsumerPendingIdleSec:  getEnvInt("CONSUMER_PENDING_IDLE_SEC", 120),
		ConsumerHeartbeatSec:    getEnvInt("CONSUMER_HEARTBEAT_SEC", 30),
		RetryBaseDelay:          getEnvDuration("JOB_RETRY_BASE_DELAY", 2*time.Second),

		CompletedMaxLen: int64(getEnvInt("QUEUE_COMPLETED_MAX_LEN", 100)),
		CompletedMaxAge: getEnvDuration("QUEUE_COMPLETED_MAX_AGE", 24*time.Hour),
		FailedMaxLen:    int64(getEnvInt("QUEUE_FAILED_MAX_LEN", 500)),
		FailedMaxAge:    getEnvDuration("QUEUE_FAILED_MAX_AGE", 7*24*time.Hour),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
		SyncCron:         getEnv("SYNC_CRON", "0 */5 * * * *"),
		WatchdogCron:     getEnv("WATCHDOG_CRON", "30 * * * * *"),
		SyncStuckTimeout: getEnvDuration("SYNC_STUCK_TIMEOUT", 30*time.Minute),
		WebhookDebounce:  getEnvDuration("WEBHOOK_DEBOUNCE", 2*time.Minute),
	}

	if cfg.WorkerMax < 1 {
		return nil, fmt.Errorf("WORKER_MAX (%d) must be positive", cfg.WorkerMax)
	}
	if cfg.IsProduction() && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	if cfg.ConsumerMaxRetries < 1 {
		return nil, fmt.Errorf("CONSUMER_MAX_RETRIES must be positive")
	}
	// In-flight entries are re-claimed every heartbeat; a missed beat must
	// still leave them short of the reclaim window.
	if cfg.ConsumerHeartbeatSec < 1 || 2*cfg.ConsumerHeartbeatSec >= cfg.ConsumerPendingIdleSec {
		return nil, fmt.Errorf("CONSUMER_HEARTBEAT_SEC (%d) must be positive and under half of CONSUMER_PENDING_IDLE_SEC (%d)",
			cfg.ConsumerHeartbeatSec, cfg.ConsumerPendingIdleSec)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("DB_MAX_CONNS (%d) must be positive", cfg.DBMaxConns)
	}
	if cfg.RedisPoolSize <= 0 {
		// Every worker may hold a connection while the consumer blocks on another.
		cfg.RedisPoolSize = cfg.WorkerMax + 10
	}
	switch cfg.AttachmentStore {
	case "mongo", "s3", "memory":
	default:
		return nil, fmt.Errorf("unknown ATTACHMENT_STORE %q", cfg.AttachmentStore)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvIntSlice(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
