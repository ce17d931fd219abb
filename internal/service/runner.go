package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rennerdo30/tapstack/internal/logging"
)

// Runner is a long running component driven by Run.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Done is closed when the runner exits on its own.
	Done() <-chan struct{}
	// Err reports why the runner exited.
	Err() error
}

// Run starts runner and blocks until SIGINT, SIGTERM, ctx cancellation or
// the runner exiting by itself, then stops it within stopTimeout.
func Run(ctx context.Context, runner Runner, stopTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	select {
	case <-ctx.Done():
		logging.Info("Received shutdown signal")
	case <-runner.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		return err
	}
	return runner.Err()
}
