// Package main is the entrypoint for the Sweeper Lambda function.
//
// EventBridge rules send a TaskPayload naming one periodic task:
//
//	{"task": "sweep_switches"}
//	{"task": "detect_reminders"}
//	{"task": "redrive_stranded", "reference_time": "2026-02-06T03:00:00Z"}
//
// The handler hands the payload to the task runner, which takes the job lock
// for the task's window and runs the matching service. Delivery jobs produced
// by a sweep are published to the dispatch queue and consumed elsewhere.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"deadswitch/internal/app"
	"deadswitch/internal/config"
	"deadswitch/internal/scheduler"
	"deadswitch/internal/types"
)

// TaskRunner runs one periodic task under its job lock.
type TaskRunner interface {
	Handle(ctx context.Context, payload scheduler.TaskPayload) (string, error)
}

// Handler adapts a TaskRunner to the Lambda runtime.
type Handler struct {
	Runner TaskRunner
	Logger *slog.Logger
}

// Handle runs payload. The Lambda request ID becomes the trace ID so every
// job enqueued by the run can be correlated with the invocation.
func (h *Handler) Handle(ctx context.Context, payload scheduler.TaskPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" && types.GetTraceID(ctx) == "" {
		ctx = types.WithTraceID(ctx, lc.AwsRequestID)
	}

	switch payload.Task {
	case scheduler.TaskSweepSwitches, scheduler.TaskDetectReminders, scheduler.TaskRedriveStranded:
	default:
		logger.ErrorContext(ctx, "rejecting unknown task", "task", string(payload.Task))
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	return h.Runner.Handle(ctx, payload)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("sweeper Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = app.NewLogger(os.Stdout, cfg.LogLevel).With("service", cfg.Service)

	ctx := context.Background()
	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}

	// No consumers or repeating jobs are registered; the manager is only the
	// enqueue path, which requires it to be initialized.
	manager, err := app.NewQueueManager(cfg, deps.SQS, deps.Clock, logger)
	if err != nil {
		logger.Error("failed to create queue manager", "error", err)
		os.Exit(1)
	}
	if err := manager.Initialize(ctx); err != nil {
		logger.Error("failed to start queue manager", "error", err)
		os.Exit(1)
	}

	workerID := "sweeper-" + uuid.NewString()
	handler := &Handler{
		Runner: deps.NewRunner(manager, workerID),
		Logger: logger,
	}

	logger.Info("sweeper Lambda initialized",
		"worker_id", workerID,
		"dispatch_queue", cfg.AWS.DispatchQueueURL,
	)
	lambda.Start(handler.Handle)
}
