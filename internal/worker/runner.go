// Package worker implements the classification consumer loop.
//
// Architecture:
//
//	JobSource (redis) → Runner → Handler → result published under job ID
//
// The Runner orchestrates the processing loop:
//  1. Connect to the job source
//  2. Fetch next delivery (blocking)
//  3. Hand the job to the handler
//  4. Publish the result (success or failure) under the job ID
//  5. Ack the delivery
//  6. Repeat
//
// A single job's failure never terminates the loop: the error is published as
// a failure result so the submitter is released, the delivery is acked, and
// the loop moves on.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aceteam-ai/iris/internal/broker"
	"github.com/aceteam-ai/iris/internal/job"
)

// Runner drains jobs from a source, one at a time, in arrival order.
type Runner struct {
	source    JobSource
	handler   Handler
	config    RunnerConfig
	processed atomic.Uint64
	failed    atomic.Uint64

	activityFn func(level, msg string)
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// WorkerID identifies this worker instance
	WorkerID string

	// ActivityFn is called for log messages (if set, suppresses stdout)
	ActivityFn func(level, msg string)
}

// NewRunner creates a new job runner.
func NewRunner(source JobSource, handler Handler, config RunnerConfig) *Runner {
	return &Runner{
		source:     source,
		handler:    handler,
		config:     config,
		activityFn: config.ActivityFn,
	}
}

// log outputs a message - uses activity callback if set, otherwise prints to stdout/stderr
func (r *Runner) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if r.activityFn != nil {
		r.activityFn(level, msg)
	} else {
		if level == "error" || level == "warning" {
			fmt.Fprintf(os.Stderr, "%s\n", msg)
		} else {
			fmt.Printf("%s\n", msg)
		}
	}
}

// JobsProcessed returns the number of jobs handled since startup, including
// failures.
func (r *Runner) JobsProcessed() uint64 {
	return r.processed.Load()
}

// JobsFailed returns the number of jobs that produced a failure result.
func (r *Runner) JobsFailed() uint64 {
	return r.failed.Load()
}

// Run starts the job processing loop.
// This method blocks until the context is cancelled or a signal is received.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	r.log("info", "Starting worker (%s)", r.source.Name())
	if err := r.source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.source.Name(), err)
	}
	defer r.source.Close()

	r.log("success", "Worker %s started, listening for jobs...", r.config.WorkerID)

	// Main processing loop with exponential backoff on source errors
	backoff := time.Second
	const maxBackoff = 30 * time.Second

runLoop:
	for {
		select {
		case sig := <-sigs:
			r.log("info", "Received signal %v, shutting down...", sig)
			cancel()
			break runLoop
		case <-ctx.Done():
			break runLoop
		default:
			d, err := r.source.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break runLoop // Context cancelled
				}
				r.log("warning", "Error fetching job: %v (retry in %s)", err, backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					break runLoop
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			// Reset backoff on success
			backoff = time.Second

			if d == nil {
				continue // No job available, loop again
			}

			r.processDelivery(ctx, d)
		}
	}

	r.log("info", "Worker shutdown complete")
	return nil
}

// processDelivery runs the handler and publishes the outcome. Handler
// failures become failure results; they never propagate out of the loop.
func (r *Runner) processDelivery(ctx context.Context, d *broker.Delivery) {
	j := d.Job
	r.log("info", "Received job %s (image: %s)", j.ID, j.ImageName)
	startTime := time.Now()

	result, err := r.handler.Handle(ctx, j)
	duration := time.Since(startTime)

	if err != nil {
		r.log("error", "Job %s failed (%v): %v", j.ID, duration, err)
		r.failed.Add(1)
		result = &job.Result{Error: err.Error()}
	} else {
		r.log("success", "Job %s completed (%v): %s %.4f", j.ID, duration, result.Prediction, result.Score)
	}
	r.processed.Add(1)

	if err := r.source.PublishResult(ctx, j.ID, result); err != nil {
		// Leave the delivery unacked so it is retried or dead-lettered; the
		// submitter can still time out on its side.
		r.log("error", "Failed to publish result for job %s: %v", j.ID, err)
		return
	}

	if err := r.source.Ack(ctx, d); err != nil {
		r.log("warning", "Failed to ack job %s: %v", j.ID, err)
	}
}
