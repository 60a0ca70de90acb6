// Package broker provides the Redis-backed hand-off between the submitter and
// the classification worker.
//
// Two Redis structures carry the whole protocol:
//
//   - A Stream with a consumer group is the job queue. XADD preserves FIFO
//     order, XREADGROUP gives each worker its own claimed deliveries, and a
//     job is only XACK'd after its result has been published. Deliveries that
//     exceed the max attempt count move to a dead letter stream instead of
//     looping forever.
//   - Plain keys under result:v1:<jobID> are the result store. Last write
//     wins per key; the worker is the only writer and the submitter the only
//     reader. Results expire after a TTL so the keyspace cannot grow without
//     bound.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aceteam-ai/iris/internal/job"
)

// ErrResultTimeout is returned by AwaitResult when no result appears within
// the caller's patience budget. Distinct from a published failure result,
// which is returned as a normal *job.Result with Error set.
var ErrResultTimeout = errors.New("timed out waiting for result")

const resultKeyPrefix = "result:v1:"

// Delivery is one claimed queue entry: the decoded job plus the stream
// bookkeeping needed to ack it or dead-letter it.
type Delivery struct {
	MessageID  string
	Job        *job.Job
	EnqueuedAt string
}

// Client wraps Redis operations for the job queue and result store.
type Client struct {
	client        *redis.Client
	workerID      string
	queueName     string
	consumerGroup string
	blockMs       int
	maxAttempts   int
	resultTTL     time.Duration
}

// ClientConfig holds configuration for the broker client.
type ClientConfig struct {
	QueueName     string
	ConsumerGroup string
	BlockMs       int
	MaxAttempts   int

	// ResultTTL bounds how long results stay readable (default: 24h).
	ResultTTL time.Duration
}

// NewClient creates a new broker client. Call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.QueueName == "" {
		cfg.QueueName = "jobs:v1:classify"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "iris-workers"
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5000
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = 24 * time.Hour
	}

	return &Client{
		workerID:      fmt.Sprintf("iris-%s", uuid.New().String()[:8]),
		queueName:     cfg.QueueName,
		consumerGroup: cfg.ConsumerGroup,
		blockMs:       cfg.BlockMs,
		maxAttempts:   cfg.MaxAttempts,
		resultTTL:     cfg.ResultTTL,
	}
}

// Connect establishes and verifies the connection to Redis.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if password != "" {
		opts.Password = password
	}

	c.client = redis.NewClient(opts)

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
func (c *Client) EnsureConsumerGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.queueName, c.consumerGroup, "0").Err()
	if err != nil {
		// Ignore "BUSYGROUP" error (group already exists)
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}
	return nil
}

// Enqueue appends a job to the tail of the queue and returns the stream
// message ID.
func (c *Client) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	payload, err := j.Encode()
	if err != nil {
		return "", err
	}

	msgID, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.queueName,
		Values: map[string]interface{}{
			"jobId":      j.ID,
			"payload":    string(payload),
			"enqueuedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return msgID, nil
}

// ReadJob blocks until the next job is available or the block window expires.
// Returns nil if no job is available within the block timeout. A message
// whose payload does not decode is dead-lettered and acked here so one bad
// producer cannot wedge the queue.
func (c *Client) ReadJob(ctx context.Context) (*Delivery, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.workerID,
		Streams:  []string{c.queueName, ">"},
		Count:    1,
		Block:    time.Duration(c.blockMs) * time.Millisecond,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil // No message available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	d, err := c.parseMessage(msg)
	if err != nil {
		c.deadLetterRaw(ctx, msg, err.Error())
		c.Ack(ctx, msg.ID)
		return nil, nil
	}
	return d, nil
}

// parseMessage converts a stream message to a Delivery.
func (c *Client) parseMessage(msg redis.XMessage) (*Delivery, error) {
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: message %s has no payload field", job.ErrMalformedPayload, msg.ID)
	}

	j, err := job.DecodeJob([]byte(payloadStr))
	if err != nil {
		return nil, err
	}

	d := &Delivery{
		MessageID: msg.ID,
		Job:       j,
	}
	if at, ok := msg.Values["enqueuedAt"].(string); ok {
		d.EnqueuedAt = at
	}
	return d, nil
}

// Ack acknowledges a successfully processed message.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	return c.client.XAck(ctx, c.queueName, c.consumerGroup, messageID).Err()
}

// DeliveryCount returns the number of times a message has been delivered.
func (c *Client) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.queueName,
		Group:  c.consumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()

	if err != nil {
		return 0, err
	}

	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}

	return 0, nil
}

// MoveToDLQ moves a failed delivery to the dead letter stream.
func (c *Client) MoveToDLQ(ctx context.Context, d *Delivery, reason string) error {
	fields := map[string]interface{}{
		"original_message_id": d.MessageID,
		"original_queue":      c.queueName,
		"reason":              reason,
		"moved_at":            time.Now().UTC().Format(time.RFC3339),
		"worker_id":           c.workerID,
		"jobId":               d.Job.ID,
	}

	if payload, err := d.Job.Encode(); err == nil {
		fields["payload"] = string(payload)
	}
	if d.EnqueuedAt != "" {
		fields["enqueuedAt"] = d.EnqueuedAt
	}

	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.dlqName(),
		Values: fields,
	}).Err()
}

// deadLetterRaw moves an undecodable message to the DLQ, preserving its raw
// fields for inspection.
func (c *Client) deadLetterRaw(ctx context.Context, msg redis.XMessage, reason string) {
	fields := map[string]interface{}{
		"original_message_id": msg.ID,
		"original_queue":      c.queueName,
		"reason":              reason,
		"moved_at":            time.Now().UTC().Format(time.RFC3339),
		"worker_id":           c.workerID,
	}
	if payload, ok := msg.Values["payload"].(string); ok {
		fields["payload"] = payload
	}

	c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.dlqName(),
		Values: fields,
	})
}

// dlqName returns the dead letter stream name for this queue.
func (c *Client) dlqName() string {
	// jobs:v1:classify -> dlq:v1:classify
	parts := strings.Split(c.queueName, ":")
	suffix := parts[len(parts)-1]
	return fmt.Sprintf("dlq:v1:%s", suffix)
}

// SetResult publishes a result under the job's ID with the configured TTL.
func (c *Client) SetResult(ctx context.Context, jobID string, r *job.Result) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, resultKeyPrefix+jobID, data, c.resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", jobID, err)
	}
	return nil
}

// GetResult reads the result for a job. Returns nil if no result has been
// published yet.
func (c *Client) GetResult(ctx context.Context, jobID string) (*job.Result, error) {
	data, err := c.client.Get(ctx, resultKeyPrefix+jobID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read result for job %s: %w", jobID, err)
	}

	return job.DecodeResult(data)
}

// Submit enqueues a job for an already-stored image and blocks until its
// result appears or the timeout expires. This is the submitter's whole
// hand-off in one call.
func (c *Client) Submit(ctx context.Context, jobID, imageName string, pollInterval, timeout time.Duration) (*job.Result, error) {
	j := &job.Job{ID: jobID, ImageName: imageName}
	if _, err := c.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	return c.AwaitResult(ctx, jobID, pollInterval, timeout)
}

// AwaitResult polls the result store until a result appears, the timeout
// expires, or the context is cancelled. The poll sleeps cooperatively between
// checks; pollInterval trades result latency against broker load.
func (c *Client) AwaitResult(ctx context.Context, jobID string, pollInterval, timeout time.Duration) (*job.Result, error) {
	deadline := time.Now().Add(timeout)

	for {
		r, err := c.GetResult(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: job %s after %s", ErrResultTimeout, jobID, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// WorkerID returns the unique worker identifier.
func (c *Client) WorkerID() string {
	return c.workerID
}

// QueueName returns the queue name this client is configured for.
func (c *Client) QueueName() string {
	return c.queueName
}

// MaxAttempts returns the maximum delivery attempts before DLQ.
func (c *Client) MaxAttempts() int {
	return c.maxAttempts
}
