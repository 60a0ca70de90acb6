// cmd/work.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/iris/internal/heartbeat"
	"github.com/aceteam-ai/iris/internal/inference"
	"github.com/aceteam-ai/iris/internal/store"
	"github.com/aceteam-ai/iris/internal/worker"
)

var (
	workQueue       string
	workGroup       string
	workBlockMs     int
	workMaxAttempts int
	workStorageDir  string
	workModel       string
	workMetadata    string
	workHeartbeat   int
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run as a classification worker",
	Long: `Consumes classification jobs from the Redis stream, runs inference on
the referenced image, and publishes the result under the job ID.

The worker never exits on a bad job: malformed payloads and inference
failures are recorded as failure results and the loop moves on. Jobs that
exceed the retry budget land on the dead letter queue.

Examples:
  # Run a worker against the default queue
  iris work --model=models/resnet.onnx --metadata=models/metadata.json

  # Run with a custom queue and consumer group
  iris work --queue=jobs:v1:classify --group=my-workers --model=models/resnet.onnx --metadata=models/metadata.json`,
	RunE: runWorkCmd,
}

func runWorkCmd(cmd *cobra.Command, args []string) error {
	conf, err := loadFileConfig()
	if err != nil {
		return err
	}

	queue := firstNonEmpty(workQueue, os.Getenv("IRIS_QUEUE"), conf.Queue)
	group := firstNonEmpty(workGroup, os.Getenv("CONSUMER_GROUP"), conf.ConsumerGroup)
	storageDir := firstNonEmpty(workStorageDir, os.Getenv("IRIS_STORAGE_DIR"), conf.StorageDir, "data")
	modelPath := firstNonEmpty(workModel, os.Getenv("IRIS_MODEL"), conf.Model)
	metadataPath := firstNonEmpty(workMetadata, os.Getenv("IRIS_METADATA"), conf.Metadata)
	brokerURL, brokerPassword := resolveRedis(conf)

	if modelPath == "" || metadataPath == "" {
		return fmt.Errorf("model and metadata paths are required; set --model/--metadata or IRIS_MODEL/IRIS_METADATA")
	}

	st, err := store.New(storageDir)
	if err != nil {
		return fmt.Errorf("could not open image store: %w", err)
	}

	engine, err := inference.NewONNXEngine(modelPath, metadataPath)
	if err != nil {
		return fmt.Errorf("could not load model: %w", err)
	}
	defer engine.Close()

	source := worker.NewRedisSource(worker.RedisSourceConfig{
		URL:           brokerURL,
		Password:      brokerPassword,
		QueueName:     queue,
		ConsumerGroup: group,
		BlockMs:       workBlockMs,
		MaxAttempts:   workMaxAttempts,
	})

	workerID := fmt.Sprintf("iris-%s", uuid.New().String()[:8])
	handler := worker.NewClassifyHandler(st, engine)
	runner := worker.NewRunner(source, handler, worker.RunnerConfig{
		WorkerID: workerID,
	})

	ctx := context.Background()

	if workHeartbeat > 0 {
		pub, err := heartbeat.NewPublisher(heartbeat.Config{
			RedisURL:      brokerURL,
			RedisPassword: brokerPassword,
			WorkerID:      workerID,
			Queue:         queue,
			Interval:      time.Duration(workHeartbeat) * time.Second,
			StatsFn: func() (uint64, uint64) {
				return runner.JobsProcessed(), runner.JobsFailed()
			},
		})
		if err != nil {
			return fmt.Errorf("could not start heartbeat: %w", err)
		}
		defer pub.Close()
		go pub.Run(ctx)
		fmt.Printf("Heartbeat publishing on %s every %ds\n", pub.Channel(), workHeartbeat)
	}

	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(workCmd)

	workCmd.Flags().StringVar(&workQueue, "queue", "", "Stream to consume from (default: jobs:v1:classify)")
	workCmd.Flags().StringVar(&workGroup, "group", "", "Consumer group name (default: iris-workers)")
	workCmd.Flags().IntVar(&workBlockMs, "block-ms", 5000, "Block timeout waiting for jobs in milliseconds")
	workCmd.Flags().IntVar(&workMaxAttempts, "max-attempts", 3, "Maximum delivery attempts before dead letter queue")
	workCmd.Flags().StringVar(&workStorageDir, "storage-dir", "", "Directory holding deduplicated image files (default: ./data)")
	workCmd.Flags().StringVar(&workModel, "model", "", "Path to the ONNX model file (or IRIS_MODEL env)")
	workCmd.Flags().StringVar(&workMetadata, "metadata", "", "Path to the model metadata JSON (or IRIS_METADATA env)")
	workCmd.Flags().IntVar(&workHeartbeat, "heartbeat-interval", 30, "Status publish interval in seconds (0 to disable)")
}
