// Package config defines the configuration of the dead man's switch engine.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> SecretProvider via *_SECRET_REF (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"deadswitch/internal/types"
)

// SecretString is an alias for types.SecretString so callers can stay inside
// this package when declaring credentials.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"deadswitch"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Email         EmailConfig
	Scheduler     SchedulerConfig
	Dispatch      DispatchConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the reminder dedup cache connection.
type RedisConfig struct {
	URL       SecretString `envconfig:"REDIS_URL" validate:"required,url"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	DispatchQueueURL string `envconfig:"SQS_DISPATCH" validate:"required,url"`
	DispatchDLQURL   string `envconfig:"SQS_DISPATCH_DLQ" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig holds the transport credentials and template configuration.
// An empty SendGridAPIKey selects the stub transport.
type EmailConfig struct {
	SendGridAPIKey         SecretString `envconfig:"SENDGRID_API_KEY"`
	FromAddress            string       `envconfig:"EMAIL_FROM_ADDRESS" default:"noreply@deadswitch.app" validate:"email"`
	FromName               string       `envconfig:"EMAIL_FROM_NAME" default:"Dead Man's Switch"`
	NotificationTemplateID string       `envconfig:"EMAIL_NOTIFICATION_TEMPLATE_ID"`
	ReminderTemplateID     string       `envconfig:"EMAIL_REMINDER_TEMPLATE_ID"`
	Provider               string       `envconfig:"EMAIL_PROVIDER" default:"sendgrid" validate:"oneof=sendgrid stub"`
}

// SchedulerConfig holds the cadence and batch limits of the periodic sweeps.
type SchedulerConfig struct {
	SweepInterval          time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h" validate:"gt=0"`
	ReminderInterval       time.Duration `envconfig:"REMINDER_INTERVAL" default:"6h" validate:"gt=0"`
	ReminderThresholdHours int           `envconfig:"REMINDER_THRESHOLD_HOURS" default:"24" validate:"min=1"`
	// ReminderCooldown is the TTL of the dedup key. It must cover at least one
	// detector cycle or owners receive duplicate reminders.
	ReminderCooldown time.Duration `envconfig:"REMINDER_COOLDOWN" default:"24h" validate:"gtefield=ReminderInterval"`
	BatchLimit       int           `envconfig:"SCHEDULER_BATCH_LIMIT" default:"500" validate:"min=1"`
	Concurrency      int           `envconfig:"SCHEDULER_CONCURRENCY" default:"8" validate:"min=1"`
	LockTTL          time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"15m"`
	TaskMaxRetries   uint64        `envconfig:"SCHEDULER_TASK_MAX_RETRIES" default:"3"`
	RedriveAfter     time.Duration `envconfig:"REDRIVE_AFTER" default:"1h" validate:"gt=0"`
}

// DispatchConfig holds the delivery retry policy.
type DispatchConfig struct {
	MaxDeliveryAttempts int `envconfig:"MAX_DELIVERY_ATTEMPTS" default:"5" validate:"min=1"`
	// QueueMaxAttempts must exceed MaxDeliveryAttempts so the dispatcher, not
	// the queue, records the terminal failure.
	QueueMaxAttempts int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"8" validate:"gtfield=MaxDeliveryAttempts"`
	BaseDelay        time.Duration `envconfig:"DISPATCH_BASE_DELAY" default:"30s"`
	MaxDelay         time.Duration `envconfig:"DISPATCH_MAX_DELAY" default:"15m"`
	BackoffFactor    float64       `envconfig:"DISPATCH_BACKOFF_FACTOR" default:"2" validate:"gte=1"`
	Concurrency      int           `envconfig:"DISPATCH_CONCURRENCY" default:"10" validate:"min=1"`
	JobTimeout       time.Duration `envconfig:"DISPATCH_JOB_TIMEOUT" default:"30s"`
	// ClaimLease must outlast a job so a slow send is never claimed twice.
	ClaimLease      time.Duration `envconfig:"DISPATCH_CLAIM_LEASE" default:"2m" validate:"gtfield=JobTimeout"`
	PollWaitSeconds int32         `envconfig:"DISPATCH_POLL_WAIT_SECONDS" default:"20" validate:"min=0,max=20"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"DeadSwitch"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv       ConfigErrorType = "MISSING_ENV"
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	ErrValidation       ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing          ConfigErrorType = "PARSING_FAILED"
)
