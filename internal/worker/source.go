package worker

import (
	"context"

	"github.com/aceteam-ai/iris/internal/broker"
	"github.com/aceteam-ai/iris/internal/job"
)

// JobSource defines the interface for fetching jobs from the queue and
// publishing their results. The primary implementation is RedisSource.
type JobSource interface {
	// Name returns the source identifier (e.g., "redis")
	Name() string

	// Connect establishes connection to the job source.
	// This should be called before Next().
	Connect(ctx context.Context) error

	// Next blocks until a job is available or context is cancelled.
	// Returns nil delivery (no error) if no job is available within timeout.
	// The delivery is claimed by this worker and should be Ack'd once its
	// result has been published.
	Next(ctx context.Context) (*broker.Delivery, error)

	// Ack acknowledges a delivery whose result has been published.
	// The entry is removed from the worker's pending set.
	Ack(ctx context.Context, d *broker.Delivery) error

	// PublishResult stores a result (success or failure) under the job ID so
	// the submitter's poll can find it.
	PublishResult(ctx context.Context, jobID string, r *job.Result) error

	// Close cleanly disconnects from the job source.
	Close() error
}
