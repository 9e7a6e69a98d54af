package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"deadswitch/internal/types"
)

// SQSAPI is the subset of *sqs.Client the consumer needs.
type SQSAPI interface {
	SQSSender
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job types.DispatchJob) error

// receiveErrorBackoff is the pause after a failed ReceiveMessage call.
const receiveErrorBackoff = time.Second

// Consumer long-polls one queue and runs jobs on a bounded worker pool.
type Consumer struct {
	client      SQSAPI
	publisher   *Publisher
	queue       Queue
	handler     Handler
	concurrency int
	jobTimeout  time.Duration
	waitSeconds int32
	logger      types.Logger
}

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
	WaitSeconds int32
}

// NewConsumer creates a Consumer for q.
func NewConsumer(client SQSAPI, publisher *Publisher, q Queue, handler Handler, cfg ConsumerConfig, logger types.Logger) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Consumer{
		client:      client,
		publisher:   publisher,
		queue:       q,
		handler:     handler,
		concurrency: cfg.Concurrency,
		jobTimeout:  cfg.JobTimeout,
		waitSeconds: cfg.WaitSeconds,
		logger:      logger.With("queue", q.Name),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs. Jobs run
// on a context detached from ctx's cancellation so a shutdown does not abort
// a send halfway; each is still bounded by the job timeout.
func (c *Consumer) Run(ctx context.Context) error {
	var pool errgroup.Group
	pool.SetLimit(c.concurrency)
	jobCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		msgs, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("failed to receive messages", "error", err.Error())
			sleepCtx(ctx, receiveErrorBackoff)
			continue
		}
		for _, msg := range msgs {
			// Go blocks while the pool is full, which throttles polling.
			pool.Go(func() error {
				c.Process(jobCtx, msg)
				return nil
			})
		}
	}

	return pool.Wait()
}

func (c *Consumer) receive(ctx context.Context) ([]sqsTypes.Message, error) {
	maxMessages := int32(10)
	if c.concurrency < 10 {
		maxMessages = int32(c.concurrency)
	}
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queue.URL),
		MaxNumberOfMessages:   maxMessages,
		WaitTimeSeconds:       c.waitSeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive from %s: %w", c.queue.URL, err)
	}
	if out == nil {
		return nil, nil
	}
	return out.Messages, nil
}

// Process runs one received message to completion: success deletes it, a
// failure is handed to the retry path and the original deleted once the
// hand-off succeeded. Malformed bodies are deleted as poison.
func (c *Consumer) Process(ctx context.Context, msg sqsTypes.Message) {
	var job types.DispatchJob
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
		c.logger.Error("discarding malformed job",
			"sqs_message_id", aws.ToString(msg.MessageId),
			"error", err.Error(),
		)
		c.delete(ctx, msg)
		return
	}

	logger := c.logger.With(
		"message_id", job.MessageID,
		"idempotency_key", job.IdempotencyKey,
		"attempt", job.Attempt,
	)

	runCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	if job.TraceID != "" {
		runCtx = types.WithTraceID(runCtx, job.TraceID)
	}
	err := c.safeHandle(runCtx, job)
	cancel()

	if err == nil {
		c.delete(ctx, msg)
		return
	}

	logger.Warn("job failed", "error", err.Error())
	outcome, retryErr := c.publisher.Retry(ctx, c.queue, job, err)
	if retryErr != nil {
		// Leave the message; SQS redelivers it after the visibility timeout.
		logger.Error("failed to hand off failed job, leaving for redelivery", "error", retryErr.Error())
		return
	}
	logger.Info("failed job handed off", "outcome", string(outcome))
	c.delete(ctx, msg)
}

func (c *Consumer) safeHandle(ctx context.Context, job types.DispatchJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

func (c *Consumer) delete(ctx context.Context, msg sqsTypes.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queue.URL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("failed to delete message",
			"sqs_message_id", aws.ToString(msg.MessageId),
			"error", err.Error(),
		)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
