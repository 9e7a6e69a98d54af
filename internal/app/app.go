// Package app builds the process-wide dependency graph shared by the worker
// and the Lambda entrypoints: clients, repositories, the delivery transport
// and the queue manager. Each binary takes the pieces it needs.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"deadswitch/internal/cache"
	"deadswitch/internal/checkin"
	"deadswitch/internal/config"
	"deadswitch/internal/db"
	"deadswitch/internal/external"
	"deadswitch/internal/notifications/core"
	"deadswitch/internal/queue"
	"deadswitch/internal/scheduler"
	"deadswitch/internal/types"
)

// DispatchQueueName is the registered name of the delivery queue.
const DispatchQueueName = "dispatch"

// Metrics is what both the dispatcher and the batch services report to.
type Metrics interface {
	core.DispatchMetrics
	scheduler.BatchMetrics
}

// NewLogger returns a JSON logger on w at the given LOG_LEVEL.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: types.ParseLogLevel(level),
	}))
}

// Deps holds the long-lived clients and repositories of a process.
type Deps struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client
	Cache *cache.RedisCache
	SQS   *sqs.Client

	Switches  *db.SwitchRepository
	Messages  *db.MessageRepository
	CheckIns  *db.CheckInRepository
	Recorder  *db.CheckInRecorder
	Locks     *db.JobLockRepository
	Users     *db.UserRepository
	Transport external.Transport
	Metrics   Metrics
	Clock     types.Clock
}

// Build opens every client cfg describes. On error, whatever was opened is
// closed again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Logger: logger, Clock: types.RealClock{}}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	d.Pool = pool

	rdb, err := cache.NewClient(cfg.Redis)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Redis = rdb
	d.Cache = cache.NewRedisCache(rdb, cfg.Redis.KeyPrefix)

	awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.SQS = sqs.NewFromConfig(awsCfg)
	d.Metrics = NewMetrics(cfg.Observability, cloudwatch.NewFromConfig(awsCfg), logger)

	d.Switches = db.NewSwitchRepository(pool)
	d.Messages = db.NewMessageRepository(pool)
	d.CheckIns = db.NewCheckInRepository(pool)
	d.Recorder = db.NewCheckInRecorder(pool)
	d.Locks = db.NewJobLockRepository(pool)
	d.Users = db.NewUserRepository(pool)
	d.Transport = NewTransport(cfg, logger)
	return d, nil
}

// Close releases the database pool and the Redis client.
func (d *Deps) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Warn("closing redis client", "error", err)
		}
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// LoadAWSConfig loads the default credential chain for cfg.Region. A set
// EndpointURL points every client at LocalStack.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return awsCfg, nil
}

// NewMetrics returns CloudWatch metrics, or a no-op sink when metrics are
// disabled.
func NewMetrics(cfg config.ObservabilityConfig, client core.CloudWatchClient, logger *slog.Logger) Metrics {
	if !cfg.EnableMetrics || client == nil {
		return core.NoopMetrics{}
	}
	return core.NewCloudWatchMetrics(client, cfg.MetricNamespace, types.NewSlogLogger(logger))
}

// NewTransport picks SendGrid, or the logging stub when EMAIL_PROVIDER=stub,
// in local environments, or when no API key is configured.
func NewTransport(cfg *config.Config, logger *slog.Logger) external.Transport {
	if cfg.Email.Provider == "stub" || cfg.Environment == "local" || cfg.Email.SendGridAPIKey.IsEmpty() {
		logger.Warn("using stub email transport", "provider", cfg.Email.Provider, "environment", cfg.Environment)
		return external.NewStubTransport(logger)
	}
	return external.NewSendGridTransport(&http.Client{Timeout: 10 * time.Second}, external.SendGridConfig{
		APIKey:                 cfg.Email.SendGridAPIKey,
		FromAddress:            cfg.Email.FromAddress,
		FromName:               cfg.Email.FromName,
		NotificationTemplateID: cfg.Email.NotificationTemplateID,
		ReminderTemplateID:     cfg.Email.ReminderTemplateID,
		Logger:                 logger,
	})
}

// DispatchQueue describes the delivery queue and its retry policy.
func DispatchQueue(cfg *config.Config) queue.Queue {
	return queue.Queue{
		Name:          DispatchQueueName,
		URL:           cfg.AWS.DispatchQueueURL,
		DeadLetterURL: cfg.AWS.DispatchDLQURL,
		Policy: queue.RetryPolicy{
			MaxAttempts:   cfg.Dispatch.QueueMaxAttempts,
			BaseDelay:     cfg.Dispatch.BaseDelay,
			MaxDelay:      cfg.Dispatch.MaxDelay,
			BackoffFactor: cfg.Dispatch.BackoffFactor,
		},
	}
}

// NewQueueManager creates a manager with the dispatch queue registered.
// Consumers and repeating jobs are left to the caller.
func NewQueueManager(cfg *config.Config, client queue.SQSAPI, clock types.Clock, logger *slog.Logger) (*queue.Manager, error) {
	m := queue.NewManager(client, queue.ManagerOptions{
		Consumer: queue.ConsumerConfig{
			Concurrency: cfg.Dispatch.Concurrency,
			JobTimeout:  cfg.Dispatch.JobTimeout,
			WaitSeconds: cfg.Dispatch.PollWaitSeconds,
		},
		TaskMaxRetries: cfg.Scheduler.TaskMaxRetries,
		Clock:          clock,
	}, types.NewSlogLogger(logger))
	if err := m.RegisterQueue(DispatchQueue(cfg)); err != nil {
		return nil, err
	}
	return m, nil
}

// NewDispatcher wires the delivery path.
func (d *Deps) NewDispatcher() *core.Dispatcher {
	return core.NewDispatcher(d.Messages, d.Transport, d.Metrics, d.Clock, core.DispatcherConfig{
		MaxDeliveryAttempts: d.Config.Dispatch.MaxDeliveryAttempts,
		ClaimLease:          d.Config.Dispatch.ClaimLease,
	}, types.NewSlogLogger(d.Logger))
}

// NewCheckInService wires the check-in use case.
func (d *Deps) NewCheckInService() *checkin.Service {
	return checkin.NewService(d.Switches, d.Recorder, d.CheckIns, d.Cache, d.Clock, d.Logger)
}

// NewRunner wires the three periodic services behind job locks. Jobs are
// enqueued through enqueuer onto the dispatch queue.
func (d *Deps) NewRunner(enqueuer scheduler.JobEnqueuer, workerID string) *scheduler.Runner {
	return NewRunner(d.Config, RunnerDeps{
		Switches:  d.Switches,
		Messages:  d.Messages,
		Contacts:  d.Users,
		Cache:     d.Cache,
		Reminders: d.Transport,
		Locks:     d.Locks,
		Metrics:   d.Metrics,
		Enqueuer:  enqueuer,
		Clock:     d.Clock,
	}, workerID, d.Logger)
}

// MessageStore is every message query the periodic services run.
type MessageStore interface {
	scheduler.MessageLister
	scheduler.StrandedMessageFinder
}

// SwitchStore is every switch query the periodic services run.
type SwitchStore interface {
	scheduler.TriggerStore
	scheduler.ApproachingDueFinder
}

// RunnerDeps are the collaborators of the periodic services.
type RunnerDeps struct {
	Switches  SwitchStore
	Messages  MessageStore
	Contacts  scheduler.ContactLookup
	Cache     scheduler.ReminderCache
	Reminders scheduler.ReminderSender
	Locks     scheduler.JobLocker
	Metrics   scheduler.BatchMetrics
	Enqueuer  scheduler.JobEnqueuer
	Clock     types.Clock
}

// NewRunner builds the sweep, reminder and redrive services from cfg and
// puts them behind a Runner whose lock windows follow each task's cadence.
func NewRunner(cfg *config.Config, deps RunnerDeps, workerID string, logger *slog.Logger) *scheduler.Runner {
	sc := cfg.Scheduler
	sweep := scheduler.NewSweepService(deps.Switches, deps.Messages, deps.Enqueuer, deps.Metrics, scheduler.SweepConfig{
		BatchLimit:  sc.BatchLimit,
		Concurrency: sc.Concurrency,
		QueueName:   DispatchQueueName,
	}, logger)
	reminders := scheduler.NewReminderDetector(deps.Switches, deps.Contacts, deps.Cache, deps.Reminders, deps.Metrics, scheduler.ReminderConfig{
		ThresholdHours: sc.ReminderThresholdHours,
		BatchLimit:     sc.BatchLimit,
		Cooldown:       sc.ReminderCooldown,
	}, logger)
	redrive := scheduler.NewRedriveService(deps.Messages, deps.Enqueuer, deps.Metrics, scheduler.RedriveConfig{
		After:      sc.RedriveAfter,
		BatchLimit: sc.BatchLimit,
		QueueName:  DispatchQueueName,
	}, logger)

	return scheduler.NewRunner(scheduler.RunnerConfig{
		Sweep:     sweep,
		Reminders: reminders,
		Redrive:   redrive,
		Locks:     deps.Locks,
		WorkerID:  workerID,
		Windows:   TaskIntervals(sc),
		LockTTL:   sc.LockTTL,
		Clock:     deps.Clock,
	}, logger)
}

// TaskIntervals maps each periodic task to its cadence.
func TaskIntervals(sc config.SchedulerConfig) map[scheduler.TaskType]time.Duration {
	return map[scheduler.TaskType]time.Duration{
		scheduler.TaskSweepSwitches:   sc.SweepInterval,
		scheduler.TaskDetectReminders: sc.ReminderInterval,
		scheduler.TaskRedriveStranded: sc.RedriveAfter,
	}
}
