package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"deadswitch/internal/scheduler"
	"deadswitch/internal/types"
)

type recordingRunner struct {
	payloads []scheduler.TaskPayload
	traceIDs []string
	summary  string
	err      error
}

func (r *recordingRunner) Handle(ctx context.Context, payload scheduler.TaskPayload) (string, error) {
	r.payloads = append(r.payloads, payload)
	r.traceIDs = append(r.traceIDs, types.GetTraceID(ctx))
	return r.summary, r.err
}

func newHandler(r *recordingRunner) *Handler {
	return &Handler{Runner: r, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestHandle_KnownTasks(t *testing.T) {
	for _, task := range []scheduler.TaskType{
		scheduler.TaskSweepSwitches,
		scheduler.TaskDetectReminders,
		scheduler.TaskRedriveStranded,
	} {
		t.Run(string(task), func(t *testing.T) {
			r := &recordingRunner{summary: "done"}
			got, err := newHandler(r).Handle(context.Background(), scheduler.TaskPayload{Task: task})
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got != "done" {
				t.Errorf("summary = %q, want %q", got, "done")
			}
			if len(r.payloads) != 1 || r.payloads[0].Task != task {
				t.Errorf("runner payloads = %+v", r.payloads)
			}
		})
	}
}

func TestHandle_UnknownTaskNeverReachesRunner(t *testing.T) {
	for _, task := range []scheduler.TaskType{"", "purge_switches"} {
		r := &recordingRunner{}
		if _, err := newHandler(r).Handle(context.Background(), scheduler.TaskPayload{Task: task}); err == nil {
			t.Errorf("task %q: expected error", task)
		}
		if len(r.payloads) != 0 {
			t.Errorf("task %q: runner was called", task)
		}
	}
}

func TestHandle_LambdaRequestIDBecomesTraceID(t *testing.T) {
	r := &recordingRunner{}
	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "req-123"})

	if _, err := newHandler(r).Handle(ctx, scheduler.TaskPayload{Task: scheduler.TaskSweepSwitches}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if r.traceIDs[0] != "req-123" {
		t.Errorf("trace id = %q, want req-123", r.traceIDs[0])
	}

	// An existing trace ID wins.
	ctx = types.WithTraceID(ctx, "upstream")
	_, _ = newHandler(r).Handle(ctx, scheduler.TaskPayload{Task: scheduler.TaskSweepSwitches})
	if r.traceIDs[1] != "upstream" {
		t.Errorf("trace id = %q, want upstream", r.traceIDs[1])
	}
}

func TestHandle_RunnerErrorPropagates(t *testing.T) {
	boom := errors.New("lock store unavailable")
	r := &recordingRunner{err: boom}

	_, err := newHandler(r).Handle(context.Background(), scheduler.TaskPayload{Task: scheduler.TaskRedriveStranded})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
