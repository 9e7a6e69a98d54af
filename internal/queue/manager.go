package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"deadswitch/internal/types"
)

// Task is a repeating job body. scheduledAt is the tick that fired it.
type Task func(ctx context.Context, scheduledAt time.Time) error

// ManagerOptions tunes the Manager. Zero values fall back to defaults.
type ManagerOptions struct {
	Consumer ConsumerConfig

	// TaskMaxRetries bounds the backoff retries of a failing repeating task
	// before it waits for its next tick.
	TaskMaxRetries   uint64
	TaskRetryBase    time.Duration
	EnqueueRetries   uint64
	EnqueueRetryBase time.Duration

	Clock types.Clock
}

type consumerSpec struct {
	queue       string
	handler     Handler
	concurrency int
}

type repeatingJob struct {
	id    string
	every time.Duration
	task  Task
}

// Manager owns the process's queues, consumers and repeating jobs. It is
// constructed explicitly and shared by injection.
type Manager struct {
	client    SQSAPI
	publisher *Publisher
	opts      ManagerOptions
	logger    types.Logger

	mu          sync.Mutex
	queues      map[string]Queue
	consumers   []consumerSpec
	repeating   map[string]*repeatingJob
	jobOrder    []string
	initialized bool
	runCtx      context.Context
	cancel      context.CancelFunc
	group       *errgroup.Group

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

// NewManager creates an uninitialized Manager.
func NewManager(client SQSAPI, opts ManagerOptions, logger types.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}
	if opts.TaskRetryBase <= 0 {
		opts.TaskRetryBase = time.Second
	}
	if opts.EnqueueRetries == 0 {
		opts.EnqueueRetries = 3
	}
	if opts.EnqueueRetryBase <= 0 {
		opts.EnqueueRetryBase = 100 * time.Millisecond
	}
	return &Manager{
		client:    client,
		publisher: NewPublisher(client, logger),
		opts:      opts,
		logger:    logger,
		queues:    make(map[string]Queue),
		repeating: make(map[string]*repeatingJob),
		stopped:   make(chan struct{}),
	}
}

// Publisher exposes the publisher bound to the manager's SQS client.
func (m *Manager) Publisher() *Publisher { return m.publisher }

// RegisterQueue makes q addressable by name. A zero policy becomes
// DefaultDispatchPolicy.
func (m *Manager) RegisterQueue(q Queue) error {
	if q.Name == "" || q.URL == "" {
		return fmt.Errorf("queue: name and url are required")
	}
	if q.Policy.MaxAttempts == 0 {
		q.Policy = DefaultDispatchPolicy
	}
	if q.Policy.MaxAttempts < 1 || q.Policy.BackoffFactor < 1 {
		return fmt.Errorf("queue: invalid retry policy for %s", q.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[q.Name]; exists {
		return fmt.Errorf("queue: %s already registered", q.Name)
	}
	m.queues[q.Name] = q
	return nil
}

// Queue returns a registered queue.
func (m *Manager) Queue(name string) (Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// Consume attaches handler to a registered queue. Consumers start on
// Initialize; registering one afterwards is an error.
func (m *Manager) Consume(queueName string, handler Handler, concurrency int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return errors.New("queue: consumers must be registered before Initialize")
	}
	if _, ok := m.queues[queueName]; !ok {
		return fmt.Errorf("queue: unknown queue %q", queueName)
	}
	m.consumers = append(m.consumers, consumerSpec{queue: queueName, handler: handler, concurrency: concurrency})
	return nil
}

// ScheduleRepeating registers task to run every interval under jobID. The
// first run happens when the manager starts. Re-registering an existing
// jobID is a no-op that returns false, so restarts never stack timers.
func (m *Manager) ScheduleRepeating(jobID string, every time.Duration, task Task) (bool, error) {
	if jobID == "" || every <= 0 || task == nil {
		return false, fmt.Errorf("queue: invalid repeating job %q", jobID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.repeating[jobID]; exists {
		return false, nil
	}
	job := &repeatingJob{id: jobID, every: every, task: task}
	m.repeating[jobID] = job
	m.jobOrder = append(m.jobOrder, jobID)

	if m.initialized {
		ctx := m.runCtx
		m.group.Go(func() error { return m.runRepeating(ctx, job) })
	}
	return true, nil
}

// Enqueue publishes job to the named queue without delay. EnqueuedAt and
// TraceID are stamped when missing. Transient send failures are retried with
// exponential backoff.
func (m *Manager) Enqueue(ctx context.Context, queueName string, job types.DispatchJob) (string, error) {
	m.mu.Lock()
	initialized := m.initialized
	q, ok := m.queues[queueName]
	m.mu.Unlock()

	if !initialized {
		return "", types.NewAppError(types.ErrCodeInternalQueue, "queue manager not initialized", nil)
	}
	if !ok {
		return "", types.NewAppError(types.ErrCodeInternalQueue, fmt.Sprintf("unknown queue %q", queueName), nil)
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = m.opts.Clock.Now()
	}
	if job.TraceID == "" {
		job.TraceID = types.GetTraceID(ctx)
	}
	if job.TraceID == "" {
		job.TraceID = uuid.NewString()
	}

	var sqsID string
	b := retry.WithMaxRetries(m.opts.EnqueueRetries, retry.NewExponential(m.opts.EnqueueRetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		id, err := m.publisher.Publish(ctx, q.URL, job, 0)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		sqsID = id
		return nil
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalQueue, "failed to enqueue job", err)
	}
	return sqsID, nil
}

// Initialize starts consumers and repeating jobs. Only the first call has an
// effect. The manager runs until Shutdown or until ctx is cancelled.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	m.runCtx, m.cancel, m.group = runCtx, cancel, g

	for _, spec := range m.consumers {
		cfg := m.opts.Consumer
		if spec.concurrency > 0 {
			cfg.Concurrency = spec.concurrency
		}
		c := NewConsumer(m.client, m.publisher, m.queues[spec.queue], spec.handler, cfg, m.logger)
		g.Go(func() error { return c.Run(runCtx) })
	}
	for _, id := range m.jobOrder {
		job := m.repeating[id]
		g.Go(func() error { return m.runRepeating(runCtx, job) })
	}

	m.initialized = true
	m.logger.Info("queue manager started",
		"queues", len(m.queues),
		"consumers", len(m.consumers),
		"repeating_jobs", len(m.jobOrder),
	)
	return nil
}

// Shutdown stops polling and timers, then waits for in-flight jobs until ctx
// expires. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return nil
	}

	m.stopOnce.Do(func() {
		m.cancel()
		go func() {
			m.stopErr = m.group.Wait()
			close(m.stopped)
		}()
	})

	select {
	case <-m.stopped:
		return m.stopErr
	case <-ctx.Done():
		return fmt.Errorf("queue: shutdown timed out: %w", ctx.Err())
	}
}

func (m *Manager) runRepeating(ctx context.Context, job *repeatingJob) error {
	ticker := time.NewTicker(job.every)
	defer ticker.Stop()

	scheduledAt := m.opts.Clock.Now()
	for {
		m.runTask(ctx, job, scheduledAt)
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			scheduledAt = t.UTC()
		}
	}
}

// runTask runs one tick of job, retrying failures with capped exponential
// backoff. Errors and panics are logged, never propagated.
func (m *Manager) runTask(ctx context.Context, job *repeatingJob, scheduledAt time.Time) {
	logger := m.logger.With("job_id", job.id)

	attempt := 0
	b := retry.NewExponential(m.opts.TaskRetryBase)
	b = retry.WithCappedDuration(job.every/2+time.Millisecond, b)
	b = retry.WithMaxRetries(m.opts.TaskMaxRetries, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := safeTask(ctx, job.task, scheduledAt); err != nil {
			logger.Warn("repeating job failed", "attempt", attempt, "error", err.Error())
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("repeating job gave up until next tick", "attempts", attempt, "error", err.Error())
	}
}

func safeTask(ctx context.Context, task Task, scheduledAt time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: task panic: %v", r)
		}
	}()
	return task(ctx, scheduledAt)
}
