// Package heartbeat provides periodic worker status reporting over Redis
// Pub/Sub so operators can watch a worker fleet without scraping logs.
//
//	Worker                                  Redis
//	┌─────────────┐  PUBLISH worker:status:X  ┌─────────────┐
//	│  Publisher  │ ────────────────────────▶ │  Pub/Sub    │ → dashboards
//	│  (30s)      │                           └─────────────┘
//	└─────────────┘
//
// Messages are fire-and-forget; a missed heartbeat is not an error condition.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// workerIDPattern validates worker IDs used in channel names.
// Only allows alphanumeric characters, hyphens, underscores, and dots.
var workerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// StatusMessage is the payload published to Redis for status updates.
type StatusMessage struct {
	Version       string  `json:"version"`
	Timestamp     string  `json:"timestamp"`
	WorkerID      string  `json:"workerId"`
	Queue         string  `json:"queue"`
	JobsProcessed uint64  `json:"jobsProcessed"`
	JobsFailed    uint64  `json:"jobsFailed"`
	NumCPU        int     `json:"numCpu"`
	MemUsedPct    float64 `json:"memUsedPct"`
	UptimeSec     uint64  `json:"uptimeSec"`
}

// Publisher periodically publishes worker status to Redis.
type Publisher struct {
	client   *redis.Client
	workerID string
	queue    string
	interval time.Duration
	channel  string

	// statsFn reports (jobsProcessed, jobsFailed) at publish time.
	statsFn func() (uint64, uint64)
}

// Config holds configuration for the status publisher.
type Config struct {
	// RedisURL is the Redis connection URL
	RedisURL string

	// RedisPassword is the Redis password (optional)
	RedisPassword string

	// WorkerID identifies this worker in the channel name
	WorkerID string

	// Queue is the queue this worker drains (informational)
	Queue string

	// Interval is the time between status publishes (default: 30s)
	Interval time.Duration

	// StatsFn reports (jobsProcessed, jobsFailed) at publish time (optional)
	StatsFn func() (uint64, uint64)
}

// NewPublisher creates a new Redis status publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}

	if !workerIDPattern.MatchString(cfg.WorkerID) {
		return nil, fmt.Errorf("invalid worker ID: must be 1-64 alphanumeric characters, hyphens, underscores, or dots")
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}

	return &Publisher{
		client:   redis.NewClient(opts),
		workerID: cfg.WorkerID,
		queue:    cfg.Queue,
		interval: cfg.Interval,
		channel:  fmt.Sprintf("worker:status:%s", cfg.WorkerID),
		statsFn:  cfg.StatsFn,
	}, nil
}

// Channel returns the pub/sub channel this publisher writes to.
func (p *Publisher) Channel() string {
	return p.channel
}

// Run publishes status every interval until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Publish once at startup so dashboards see the worker immediately.
	p.publishOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce(ctx)
		}
	}
}

// publishOnce collects and publishes a single status message. Collection or
// publish errors are swallowed; the next tick tries again.
func (p *Publisher) publishOnce(ctx context.Context) {
	msg := p.collect()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.client.Publish(ctx, p.channel, data)
}

// collect gathers host stats into a status message.
func (p *Publisher) collect() StatusMessage {
	msg := StatusMessage{
		Version:   "1.0",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		WorkerID:  p.workerID,
		Queue:     p.queue,
		NumCPU:    runtime.NumCPU(),
	}

	if p.statsFn != nil {
		msg.JobsProcessed, msg.JobsFailed = p.statsFn()
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		msg.MemUsedPct = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		msg.UptimeSec = up
	}

	return msg
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
