// Package main is the long-running worker. It hosts the operational HTTP API,
// consumes the dispatch queue and fires the periodic sweep, reminder and
// redrive tasks. Several replicas may run side by side; job locks keep each
// periodic task to one run per window.
//
// Startup:
//  1. Load configuration and secrets.
//  2. Open Postgres, Redis and the AWS clients.
//  3. Register the dispatch queue, its consumer and the repeating tasks.
//  4. Start the queue manager, then the HTTP server.
//
// SIGINT or SIGTERM stops the HTTP server first, then drains in-flight jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"deadswitch/internal/api/handlers"
	"deadswitch/internal/app"
	"deadswitch/internal/config"
	"deadswitch/internal/core"
	"deadswitch/internal/queue"
	"deadswitch/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel).With("service", cfg.Service)
	logger.Info("worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	manager, err := app.NewQueueManager(cfg, deps.SQS, deps.Clock, logger)
	if err != nil {
		return fmt.Errorf("creating queue manager: %w", err)
	}
	if err := registerJobs(manager, deps, cfg, "worker-"+uuid.NewString()); err != nil {
		return err
	}

	srv, err := newServer(deps, logger)
	if err != nil {
		return err
	}

	// Background work must not die with the signal context before the HTTP
	// server has drained; Shutdown stops it explicitly.
	if err := manager.Initialize(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting queue manager: %w", err)
	}

	return serve(ctx, srv, manager, cfg, logger)
}

// registerJobs attaches the dispatcher to the dispatch queue and schedules
// the periodic tasks at their configured cadence.
func registerJobs(m *queue.Manager, deps *app.Deps, cfg *config.Config, workerID string) error {
	dispatcher := deps.NewDispatcher()
	if err := m.Consume(app.DispatchQueueName, dispatcher.Dispatch, cfg.Dispatch.Concurrency); err != nil {
		return fmt.Errorf("registering dispatch consumer: %w", err)
	}

	runner := deps.NewRunner(m, workerID)
	intervals := app.TaskIntervals(cfg.Scheduler)
	for _, task := range []scheduler.TaskType{
		scheduler.TaskSweepSwitches,
		scheduler.TaskDetectReminders,
		scheduler.TaskRedriveStranded,
	} {
		if _, err := m.ScheduleRepeating(string(task), intervals[task], runner.Task(task)); err != nil {
			return fmt.Errorf("scheduling %s: %w", task, err)
		}
	}
	return nil
}

func newServer(deps *app.Deps, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.HealthCheckers = []core.HealthChecker{
		core.PingChecker{CheckName: "database", Target: deps.Pool},
		deps.Cache,
	}

	checkIns := handlers.NewCheckInHandler(deps.NewCheckInService(), srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, checkIns.RegisterRoutes)
	srv.MountRoutes()
	return srv, nil
}

// serve runs the HTTP server until ctx is cancelled or the listener fails,
// then shuts the server and the queue manager down within the configured
// timeout.
func serve(ctx context.Context, srv *core.Server, manager *queue.Manager, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("queue manager shutdown error", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("queue shutdown: %w", err)
		}
	}

	if runErr == nil {
		logger.Info("worker stopped cleanly")
	}
	return runErr
}
