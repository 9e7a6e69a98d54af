// Package queue is the at-least-once job substrate on SQS: a publisher, a
// pooled consumer with backoff retries and dead-lettering, and a Manager that
// also owns the process's repeating jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"deadswitch/internal/types"
)

// maxDelaySeconds is the SQS ceiling for DelaySeconds.
const maxDelaySeconds = 900

const (
	attrIdempotencyKey = "idempotency_key"
	attrTraceID        = "trace_id"
	attrFailureReason  = "failure_reason"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Queue is a named SQS queue together with the retry policy that applies to
// jobs consumed from it.
type Queue struct {
	Name          string
	URL           string
	DeadLetterURL string
	Policy        RetryPolicy
}

// Publisher serializes DispatchJobs onto SQS.
type Publisher struct {
	client SQSSender
	logger types.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(client SQSSender, logger types.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish sends job to queueURL, visible after delay. Delays are clamped to
// [0, 900s]. It returns the SQS message ID.
func (p *Publisher) Publish(ctx context.Context, queueURL string, job types.DispatchJob, delay time.Duration) (string, error) {
	return p.send(ctx, queueURL, job, delay, nil)
}

// Republish increments job.Attempt before serializing, so the next consumer
// sees the redelivery count, and sends it with the given backoff delay.
func (p *Publisher) Republish(ctx context.Context, queueURL string, job types.DispatchJob, delay time.Duration) (string, error) {
	job.Attempt++
	return p.send(ctx, queueURL, job, delay, nil)
}

// RetryOutcome says where a failed job went.
type RetryOutcome string

const (
	OutcomeRetried      RetryOutcome = "retried"
	OutcomeDeadLettered RetryOutcome = "dead_lettered"
	OutcomeDropped      RetryOutcome = "dropped"
)

// Retry hands a failed job back to SQS: republished with backoff while
// attempts remain, otherwise moved to the dead-letter queue, or dropped with
// an error log when the queue has none. A non-nil error means the job was not
// handed off and the original message must stay on the queue.
func (p *Publisher) Retry(ctx context.Context, q Queue, job types.DispatchJob, cause error) (RetryOutcome, error) {
	if !q.Policy.Exhausted(job.Attempt) {
		delay := CalculateNextRetry(q.Policy, job.Attempt)
		if _, err := p.Republish(ctx, q.URL, job, delay); err != nil {
			return "", err
		}
		p.logger.Info("job retry scheduled",
			"queue", q.Name,
			"message_id", job.MessageID,
			"attempt", job.Attempt+1,
			"delay_seconds", clampDelay(delay),
		)
		return OutcomeRetried, nil
	}

	reason := "unknown"
	if cause != nil {
		reason = truncate(cause.Error(), 256)
	}

	if q.DeadLetterURL == "" {
		p.logger.Error("job exhausted retries with no dead-letter queue, dropping",
			"queue", q.Name,
			"message_id", job.MessageID,
			"idempotency_key", job.IdempotencyKey,
			"attempt", job.Attempt,
			"reason", reason,
		)
		return OutcomeDropped, nil
	}

	extra := map[string]sqsTypes.MessageAttributeValue{
		attrFailureReason: stringAttr(reason),
	}
	if _, err := p.send(ctx, q.DeadLetterURL, job, 0, extra); err != nil {
		return "", err
	}
	p.logger.Warn("job moved to dead-letter queue",
		"queue", q.Name,
		"message_id", job.MessageID,
		"attempt", job.Attempt,
		"reason", reason,
	)
	return OutcomeDeadLettered, nil
}

func (p *Publisher) send(ctx context.Context, queueURL string, job types.DispatchJob, delay time.Duration, extra map[string]sqsTypes.MessageAttributeValue) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal job: %w", err)
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{}
	// SQS rejects empty string attribute values.
	if job.IdempotencyKey != "" {
		attrs[attrIdempotencyKey] = stringAttr(job.IdempotencyKey)
	}
	if job.TraceID != "" {
		attrs[attrTraceID] = stringAttr(job.TraceID)
	}
	for k, v := range extra {
		attrs[k] = v
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(body)),
		DelaySeconds:      clampDelay(delay),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", fmt.Errorf("queue: failed to send job to %s: %w", queueURL, err)
	}
	if out == nil {
		return "", nil
	}
	return aws.ToString(out.MessageId), nil
}

func clampDelay(d time.Duration) int32 {
	sec := int64(d / time.Second)
	if sec > maxDelaySeconds {
		return maxDelaySeconds
	}
	if sec < 0 {
		return 0
	}
	return int32(sec)
}

func stringAttr(v string) sqsTypes.MessageAttributeValue {
	return sqsTypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
