package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
	Remote    RemoteConfig
	Dispatch  DispatchConfig
	Auth      AuthConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Chains    []Chain
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
	// File, when set, receives a JSON copy of every record.
	File string
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver         string // postgres or memory
	URL            string
	Instance       string // managed instance name, connected over its Unix socket
	User           string
	Password       string
	Name           string
	MaxConnections int
	AutoMigrate    bool
}

// RemoteConfig configures the processing service client.
type RemoteConfig struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DispatchConfig controls how runs reach the processing service.
type DispatchConfig struct {
	Mode            string // direct or queue
	CallbackBaseURL string
}

// AuthConfig holds the inbound shared secret. Either the plain secret or its
// bcrypt hash is accepted.
type AuthConfig struct {
	Secret     string
	SecretHash string
	TokenTTL   time.Duration
}

// WorkerConfig configures the task queue worker.
type WorkerConfig struct {
	ID           string
	BatchSize    int
	PollInterval time.Duration
	Concurrency  int
	LeaseTTL     time.Duration
	MaxAttempts  int
}

// SchedulerConfig configures the cron trigger.
type SchedulerConfig struct {
	Enabled     bool
	Cron        string
	Timezone    string
	RunOnStart  bool
	Concurrency int
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultStorageDriver  = "postgres"
	defaultMaxConnections = 25

	defaultRemoteTimeout    = 30 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second

	defaultDispatchMode = "direct"
	defaultTokenTTL     = time.Hour

	defaultWorkerBatchSize    = 10
	defaultWorkerPollInterval = 2 * time.Second
	defaultWorkerConcurrency  = 1
	defaultWorkerLeaseTTL     = 5 * time.Minute
	defaultWorkerMaxAttempts  = 3

	defaultScheduleCron         = "0 6 * * *"
	defaultScheduleTimezone     = "UTC"
	defaultSchedulerConcurrency = 4
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
			File:   os.Getenv("LOG_FILE"),
		},
		Database: DatabaseConfig{
			Driver:         getEnv("STORAGE_DRIVER", defaultStorageDriver),
			URL:            os.Getenv("DATABASE_URL"),
			Instance:       os.Getenv("INSTANCE_CONNECTION_NAME"),
			User:           os.Getenv("DB_USER"),
			Password:       os.Getenv("DB_PASSWORD"),
			Name:           os.Getenv("DB_NAME"),
			MaxConnections: defaultMaxConnections,
			AutoMigrate:    true,
		},
		Remote: RemoteConfig{
			BaseURL:          strings.TrimRight(os.Getenv("PROCESSING_SERVICE_URL"), "/"),
			APIKey:           os.Getenv("PROCESSING_SERVICE_API_KEY"),
			Timeout:          defaultRemoteTimeout,
			MaxRetries:       defaultMaxRetries,
			BreakerThreshold: defaultBreakerThreshold,
			BreakerCooldown:  defaultBreakerCooldown,
		},
		Dispatch: DispatchConfig{
			Mode:            strings.ToLower(getEnv("DISPATCH_MODE", defaultDispatchMode)),
			CallbackBaseURL: os.Getenv("CALLBACK_BASE_URL"),
		},
		Auth: AuthConfig{
			Secret:     os.Getenv("INTERNAL_SECRET"),
			SecretHash: os.Getenv("INTERNAL_SECRET_HASH"),
			TokenTTL:   defaultTokenTTL,
		},
		Worker: WorkerConfig{
			ID:           getEnv("WORKER_ID", defaultWorkerID()),
			BatchSize:    defaultWorkerBatchSize,
			PollInterval: defaultWorkerPollInterval,
			Concurrency:  defaultWorkerConcurrency,
			LeaseTTL:     defaultWorkerLeaseTTL,
			MaxAttempts:  defaultWorkerMaxAttempts,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Cron:        getEnv("SCHEDULE_CRON", defaultScheduleCron),
			Timezone:    getEnv("SCHEDULE_TIMEZONE", defaultScheduleTimezone),
			Concurrency: defaultSchedulerConcurrency,
		},
	}

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", time.Second, &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", time.Second, &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", time.Second, &cfg.Server.ShutdownTimeout},
		{"REMOTE_TIMEOUT_SECONDS", time.Second, &cfg.Remote.Timeout},
		{"BREAKER_COOLDOWN_SECONDS", time.Second, &cfg.Remote.BreakerCooldown},
		{"TOKEN_TTL_SECONDS", time.Second, &cfg.Auth.TokenTTL},
		{"WORKER_POLL_INTERVAL_MS", time.Millisecond, &cfg.Worker.PollInterval},
		{"WORKER_LEASE_TTL_SECONDS", time.Second, &cfg.Worker.LeaseTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = time.Duration(n) * d.unit
	}

	ints := []struct {
		key string
		min int
		dst *int
	}{
		{"DB_MAX_CONNECTIONS", 1, &cfg.Database.MaxConnections},
		{"REMOTE_MAX_RETRIES", 0, &cfg.Remote.MaxRetries},
		{"BREAKER_THRESHOLD", 1, &cfg.Remote.BreakerThreshold},
		{"WORKER_BATCH_SIZE", 1, &cfg.Worker.BatchSize},
		{"WORKER_CONCURRENCY", 1, &cfg.Worker.Concurrency},
		{"WORKER_MAX_ATTEMPTS", 1, &cfg.Worker.MaxAttempts},
		{"SCHEDULER_CONCURRENCY", 1, &cfg.Scheduler.Concurrency},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", i.key, err)
		}
		if n < i.min {
			return Config{}, fmt.Errorf("invalid %s: must be at least %d", i.key, i.min)
		}
		*i.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"DB_AUTO_MIGRATE", &cfg.Database.AutoMigrate},
		{"SCHEDULER_ENABLED", &cfg.Scheduler.Enabled},
		{"SCHEDULE_RUN_ON_START", &cfg.Scheduler.RunOnStart},
	}
	for _, b := range bools {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: must be a boolean", b.key)
		}
		*b.dst = parsed
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	switch cfg.Database.Driver {
	case "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_DRIVER: must be 'postgres' or 'memory'")
	}

	switch cfg.Dispatch.Mode {
	case "direct", "queue":
	default:
		return Config{}, fmt.Errorf("invalid DISPATCH_MODE: must be 'direct' or 'queue'")
	}

	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return Config{}, fmt.Errorf("invalid SCHEDULE_TIMEZONE: %w", err)
	}

	chains, err := LoadChains(os.Getenv("CHAINS_FILE"), os.Getenv("CHAINS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Chains = chains

	return cfg, nil
}

func parseNonNegative(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ingestd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
