package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aceteam-ai/iris/internal/broker"
	"github.com/aceteam-ai/iris/internal/job"
)

// maskRedisURL masks the password in a Redis URL for safe logging.
// redis://:password@host:port -> redis://***@host:port
func maskRedisURL(redisURL string) string {
	u, err := url.Parse(redisURL)
	if err != nil {
		if strings.HasPrefix(redisURL, "redis://") {
			return "redis://***"
		}
		return "***"
	}
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// RedisSource implements JobSource on top of the broker client.
type RedisSource struct {
	client *broker.Client
	config RedisSourceConfig
}

// RedisSourceConfig holds configuration for RedisSource.
type RedisSourceConfig struct {
	// URL is the Redis connection URL
	URL string

	// Password is the Redis password (optional)
	Password string

	// QueueName is the stream to consume from (default: "jobs:v1:classify")
	QueueName string

	// ConsumerGroup is the consumer group name (default: "iris-workers")
	ConsumerGroup string

	// BlockMs is how long to wait for a job before returning nil (default: 5000)
	BlockMs int

	// MaxAttempts is the maximum delivery count before DLQ (default: 3)
	MaxAttempts int

	// LogFn is an optional callback for logging (if nil, prints to stdout)
	LogFn func(level, msg string)
}

// NewRedisSource creates a new Redis-backed job source.
func NewRedisSource(cfg RedisSourceConfig) *RedisSource {
	return &RedisSource{config: cfg}
}

// Name returns the source identifier.
func (s *RedisSource) Name() string {
	return "redis"
}

// log outputs a message - uses LogFn callback if set, otherwise prints to stdout.
func (s *RedisSource) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if s.config.LogFn != nil {
		s.config.LogFn(level, msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// Connect establishes connection to Redis and ensures the consumer group.
func (s *RedisSource) Connect(ctx context.Context) error {
	s.client = broker.NewClient(broker.ClientConfig{
		QueueName:     s.config.QueueName,
		ConsumerGroup: s.config.ConsumerGroup,
		BlockMs:       s.config.BlockMs,
		MaxAttempts:   s.config.MaxAttempts,
	})

	if err := s.client.Connect(ctx, s.config.URL, s.config.Password); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := s.client.EnsureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.log("info", "   - Redis: %s", maskRedisURL(s.config.URL))
	s.log("info", "   - Worker ID: %s", s.client.WorkerID())
	s.log("info", "   - Queue: %s", s.client.QueueName())
	return nil
}

// Next blocks until a job is available or context is cancelled.
// Deliveries that have already been attempted MaxAttempts times are moved to
// the DLQ here instead of being handed out again.
func (s *RedisSource) Next(ctx context.Context) (*broker.Delivery, error) {
	d, err := s.client.ReadJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read job from Redis: %w", err)
	}

	if d == nil {
		return nil, nil
	}

	deliveryCount, _ := s.client.DeliveryCount(ctx, d.MessageID)
	if int(deliveryCount) > s.client.MaxAttempts() {
		s.log("warning", "   - Job %s exceeded max attempts (%d), moving to DLQ",
			d.Job.ID, s.client.MaxAttempts())
		if err := s.client.MoveToDLQ(ctx, d, "Exceeded max retry attempts"); err != nil {
			s.log("error", "   - Failed to move job to DLQ: %v", err)
		}
		s.client.Ack(ctx, d.MessageID)
		return nil, nil
	}

	return d, nil
}

// Ack acknowledges a delivery whose result has been published.
func (s *RedisSource) Ack(ctx context.Context, d *broker.Delivery) error {
	return s.client.Ack(ctx, d.MessageID)
}

// PublishResult stores a result under the job ID in the result keyspace.
func (s *RedisSource) PublishResult(ctx context.Context, jobID string, r *job.Result) error {
	return s.client.SetResult(ctx, jobID, r)
}

// Close cleanly disconnects from Redis.
func (s *RedisSource) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Client returns the underlying broker client.
func (s *RedisSource) Client() *broker.Client {
	return s.client
}

// Ensure RedisSource implements JobSource
var _ JobSource = (*RedisSource)(nil)
