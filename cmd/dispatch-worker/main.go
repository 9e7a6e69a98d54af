// Package main is the entrypoint for the Dispatch Worker Lambda function.
//
// The function is subscribed to the dispatch queue. Each invocation receives
// a batch of DispatchJobs and, for every record:
//
//  1. Decodes the job. A malformed body is logged and acknowledged.
//  2. Runs the dispatcher, which delivers the message at most once.
//  3. On failure hands the job back to the queue: republished with backoff
//     while attempts remain, then dead-lettered.
//
// Only records whose hand-off failed are reported in BatchItemFailures, so
// SQS redelivers exactly those.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"deadswitch/internal/app"
	"deadswitch/internal/config"
	"deadswitch/internal/queue"
	"deadswitch/internal/types"
)

// Dispatcher delivers the message behind a job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job types.DispatchJob) error
}

// Retrier hands a failed job back to the queue.
type Retrier interface {
	Retry(ctx context.Context, q queue.Queue, job types.DispatchJob, cause error) (queue.RetryOutcome, error)
}

// Handler holds the dependencies of the dispatch worker.
type Handler struct {
	dispatcher Dispatcher
	retrier    Retrier
	queue      queue.Queue
	logger     types.Logger
}

// Handle processes an SQS batch with partial batch responses.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if !h.processRecord(ctx, record) {
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}
	return response, nil
}

// processRecord reports whether the record can be acknowledged.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) bool {
	var job types.DispatchJob
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		h.logger.Error("discarding malformed job",
			"sqs_message_id", record.MessageId,
			"error", err.Error(),
		)
		return true
	}

	logger := h.logger.With(
		"sqs_message_id", record.MessageId,
		"message_id", job.MessageID,
		"idempotency_key", job.IdempotencyKey,
		"attempt", job.Attempt,
	)
	if job.TraceID != "" {
		ctx = types.WithTraceID(ctx, job.TraceID)
	}

	err := h.dispatch(ctx, job)
	if err == nil {
		return true
	}

	logger.Warn("job failed", "error", err.Error())
	outcome, retryErr := h.retrier.Retry(ctx, h.queue, job, err)
	if retryErr != nil {
		logger.Error("failed to hand off failed job, reporting batch item failure", "error", retryErr.Error())
		return false
	}
	logger.Info("failed job handed off", "outcome", string(outcome))
	return true
}

func (h *Handler) dispatch(ctx context.Context, job types.DispatchJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewAppError(types.ErrCodeInternalUnexpected, "dispatcher panic", nil)
			h.logger.Error("dispatcher panic", "message_id", job.MessageID, "panic", r)
		}
	}()
	return h.dispatcher.Dispatch(ctx, job)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("dispatch worker Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = app.NewLogger(os.Stdout, cfg.LogLevel).With("service", cfg.Service)

	deps, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}

	typedLogger := types.NewSlogLogger(logger)
	handler := &Handler{
		dispatcher: deps.NewDispatcher(),
		retrier:    queue.NewPublisher(deps.SQS, typedLogger),
		queue:      app.DispatchQueue(cfg),
		logger:     typedLogger,
	}

	logger.Info("dispatch worker Lambda initialized",
		"dispatch_queue", cfg.AWS.DispatchQueueURL,
		"dead_letter_queue", cfg.AWS.DispatchDLQURL,
		"max_delivery_attempts", cfg.Dispatch.MaxDeliveryAttempts,
	)

	// Local mode: read one SQS event from stdin instead of starting the
	// Lambda runtime.
	//	echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/dispatch-worker
	if cfg.Environment == "local" {
		if err := runLocal(handler, os.Stdin, logger); err != nil {
			logger.Error("local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

func runLocal(handler *Handler, in io.Reader, logger *slog.Logger) error {
	var sqsEvent events.SQSEvent
	if err := json.NewDecoder(in).Decode(&sqsEvent); err != nil {
		return err
	}
	response, err := handler.Handle(context.Background(), sqsEvent)
	if err != nil {
		return err
	}
	logger.Info("local run complete",
		"records", len(sqsEvent.Records),
		"batch_item_failures", len(response.BatchItemFailures),
	)
	return nil
}
