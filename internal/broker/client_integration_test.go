package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aceteam-ai/iris/internal/job"
)

// setupMiniredis starts a miniredis instance and returns a connected Client.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Client, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client := NewClient(ClientConfig{
		QueueName:     "jobs:v1:integration-test",
		ConsumerGroup: "test-workers",
		BlockMs:       100,
		MaxAttempts:   3,
	})

	ctx := context.Background()
	if err := client.Connect(ctx, "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.EnsureConsumerGroup(ctx); err != nil {
		t.Fatalf("failed to create consumer group: %v", err)
	}

	// Also create a raw go-redis client for assertions
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return mr, client, raw
}

func TestEnqueueReadAck(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	j := &job.Job{ID: "job-int-001", ImageName: "ab12.png"}
	msgID, err := client.Enqueue(ctx, j)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if msgID == "" {
		t.Fatal("Enqueue returned empty message ID")
	}

	d, err := client.ReadJob(ctx)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if d == nil {
		t.Fatal("ReadJob returned nil, want delivery")
	}
	if d.Job.ID != j.ID {
		t.Errorf("delivered job ID = %q, want %q", d.Job.ID, j.ID)
	}
	if d.Job.ImageName != j.ImageName {
		t.Errorf("delivered image name = %q, want %q", d.Job.ImageName, j.ImageName)
	}
	if d.EnqueuedAt == "" {
		t.Error("delivery missing enqueuedAt")
	}

	if err := client.Ack(ctx, d.MessageID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	pending, err := raw.XPending(ctx, client.QueueName(), "test-workers").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected 0 pending entries after ack, got %d", pending.Count)
	}
}

func TestReadJobFIFO(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	ids := []string{"job-fifo-1", "job-fifo-2", "job-fifo-3"}
	for _, id := range ids {
		if _, err := client.Enqueue(ctx, &job.Job{ID: id, ImageName: "x.png"}); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	for _, want := range ids {
		d, err := client.ReadJob(ctx)
		if err != nil {
			t.Fatalf("ReadJob failed: %v", err)
		}
		if d == nil {
			t.Fatalf("ReadJob returned nil, want job %s", want)
		}
		if d.Job.ID != want {
			t.Errorf("dequeued %q, want %q (FIFO order)", d.Job.ID, want)
		}
		client.Ack(ctx, d.MessageID)
	}
}

func TestReadJobEmptyQueue(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	d, err := client.ReadJob(ctx)
	if err != nil {
		t.Fatalf("ReadJob on empty queue failed: %v", err)
	}
	if d != nil {
		t.Errorf("ReadJob on empty queue = %+v, want nil", d)
	}
}

func TestMalformedMessageGoesToDLQ(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	// Inject a message whose payload is not a valid job.
	_, err := raw.XAdd(ctx, &goredis.XAddArgs{
		Stream: client.QueueName(),
		Values: map[string]interface{}{"payload": `{"id":""}`},
	}).Result()
	if err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}

	// ReadJob should swallow it (dead-letter + ack) and report no job.
	d, err := client.ReadJob(ctx)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if d != nil {
		t.Errorf("ReadJob = %+v, want nil for malformed message", d)
	}

	msgs, err := raw.XRange(ctx, "dlq:v1:integration-test", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange on DLQ failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(msgs))
	}

	pending, err := raw.XPending(ctx, client.QueueName(), "test-workers").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("malformed message should be acked, got %d pending", pending.Count)
	}
}

func TestResultRoundTrip(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	jobID := "job-result-001"

	// No result yet
	r, err := client.GetResult(ctx, jobID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r != nil {
		t.Fatalf("GetResult = %+v, want nil before publish", r)
	}

	want := &job.Result{Prediction: "Eskimo_dog", Score: 0.9346}
	if err := client.SetResult(ctx, jobID, want); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}

	r, err = client.GetResult(ctx, jobID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r == nil {
		t.Fatal("GetResult = nil after publish")
	}
	if r.Prediction != want.Prediction || r.Score != want.Score {
		t.Errorf("GetResult = %+v, want %+v", r, want)
	}
}

func TestResultTTL(t *testing.T) {
	mr, _, _ := setupMiniredis(t)
	ctx := context.Background()

	client := NewClient(ClientConfig{
		QueueName: "jobs:v1:ttl-test",
		ResultTTL: time.Minute,
	})
	if err := client.Connect(ctx, "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.SetResult(ctx, "job-ttl-001", &job.Result{Prediction: "tabby", Score: 0.5}); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	r, err := client.GetResult(ctx, "job-ttl-001")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r != nil {
		t.Errorf("result should have expired, got %+v", r)
	}
}

func TestAwaitResultTimeout(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	// No worker is running: the await must time out, not block forever.
	start := time.Now()
	_, err := client.AwaitResult(ctx, "job-nobody-home", 10*time.Millisecond, 100*time.Millisecond)
	if !errors.Is(err, ErrResultTimeout) {
		t.Fatalf("AwaitResult error = %v, want ErrResultTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("AwaitResult took %v, should respect its timeout budget", elapsed)
	}
}

func TestAwaitResultFindsLatePublish(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	jobID := "job-late-001"
	go func() {
		time.Sleep(50 * time.Millisecond)
		client.SetResult(ctx, jobID, &job.Result{Prediction: "beagle", Score: 0.8123})
	}()

	r, err := client.AwaitResult(ctx, jobID, 10*time.Millisecond, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	if r.Prediction != "beagle" {
		t.Errorf("Prediction = %q, want %q", r.Prediction, "beagle")
	}
}

func TestAwaitResultCancellable(t *testing.T) {
	_, client, _ := setupMiniredis(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.AwaitResult(ctx, "job-cancelled", 10*time.Millisecond, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("AwaitResult error = %v, want context.Canceled", err)
	}
}

func TestConnectBadURL(t *testing.T) {
	client := NewClient(ClientConfig{})
	if err := client.Connect(context.Background(), "not-a-valid-url", ""); err == nil {
		t.Error("Connect should fail on an invalid URL")
	}
}
