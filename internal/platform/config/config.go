// Package config builds process configuration from environment variables so
// main stays lean. One struct per concern.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config aggregates all per-concern configuration.
type Config struct {
	Server    Server
	Database  Database
	Redis     Redis
	Kafka     Kafka
	Webhook   Webhook
	Lifecycle Lifecycle
	Policy    Policy
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	JWTSigningKey   string
	AdminTokenHash  string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	RegulatedMode   bool
}

// Database holds PostgreSQL connection settings. Empty URL means the process
// runs on in-memory stores.
type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Redis holds cache client settings. Empty URL means the in-memory cache is used.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka holds the analytics bridge producer settings. Empty Brokers disables
// the bridge.
type Kafka struct {
	Brokers         string
	Topic           string
	Acks            string
	Retries         int
	DeliveryTimeout time.Duration
}

// Webhook holds default delivery policy for subscriptions that do not
// override it. The exact schedule is policy, not a constant.
type Webhook struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	QueueSize      int
	SubjectHashKey string
}

// Lifecycle holds sweeper settings.
type Lifecycle struct {
	SweepInterval    time.Duration
	SweepBatchSize   int
	DefaultRetention time.Duration
}

// Policy holds consent policy settings.
type Policy struct {
	PolicyVersion   string
	ReGrantCooldown time.Duration
	CacheTTL        time.Duration
	DefaultRegion   string
}

// FromEnv builds a Config from environment variables with defaults.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            getString("CONSENTRY_ADDR", ":8080"),
			JWTSigningKey:   getString("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			AdminTokenHash:  os.Getenv("ADMIN_TOKEN_HASH"),
			RequestTimeout:  getDuration("REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			RegulatedMode:   os.Getenv("REGULATED_MODE") == "true",
		},
		Database: Database{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:         os.Getenv("KAFKA_BROKERS"),
			Topic:           getString("KAFKA_CONSENT_TOPIC", "consentry.consent.changes"),
			Acks:            getString("KAFKA_ACKS", "all"),
			Retries:         getInt("KAFKA_RETRIES", 3),
			DeliveryTimeout: getDuration("KAFKA_DELIVERY_TIMEOUT", 10*time.Second),
		},
		Webhook: Webhook{
			MaxAttempts:    getInt("WEBHOOK_MAX_ATTEMPTS", 5),
			InitialBackoff: getDuration("WEBHOOK_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     getDuration("WEBHOOK_MAX_BACKOFF", 30*time.Second),
			Timeout:        getDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			QueueSize:      getInt("WEBHOOK_QUEUE_SIZE", 256),
			SubjectHashKey: getString("WEBHOOK_SUBJECT_HASH_KEY", "dev-subject-hash-key"),
		},
		Lifecycle: Lifecycle{
			SweepInterval:    getDuration("LIFECYCLE_SWEEP_INTERVAL", 30*time.Second),
			SweepBatchSize:   getInt("LIFECYCLE_SWEEP_BATCH_SIZE", 100),
			DefaultRetention: getDuration("LIFECYCLE_DEFAULT_RETENTION", 30*24*time.Hour),
		},
		Policy: Policy{
			PolicyVersion:   getString("CONSENT_POLICY_VERSION", "2024-01"),
			ReGrantCooldown: getDuration("CONSENT_REGRANT_COOLDOWN", 0),
			CacheTTL:        getDuration("CONSENT_CACHE_TTL", 5*time.Minute),
			DefaultRegion:   os.Getenv("CONSENT_DEFAULT_REGION"),
		},
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
