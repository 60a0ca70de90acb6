// cmd/classify.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/iris/internal/broker"
	"github.com/aceteam-ai/iris/internal/job"
	"github.com/aceteam-ai/iris/internal/store"
)

var (
	classifyQueue      string
	classifyStorageDir string
	classifyTimeoutMs  int
)

var classifyCmd = &cobra.Command{
	Use:   "classify <image-file>",
	Short: "Submit a single image for classification and print the result",
	Long: `One-shot client for the classification pipeline. Stores the image,
enqueues a job, and waits for a worker to publish the result.

A worker must be running against the same queue, for example:
  iris work --model=models/resnet.onnx --metadata=models/metadata.json

Examples:
  iris classify dog.jpg
  iris classify --timeout-ms=5000 cat.png`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	conf, err := loadFileConfig()
	if err != nil {
		return err
	}

	imagePath := args[0]
	queue := firstNonEmpty(classifyQueue, os.Getenv("IRIS_QUEUE"), conf.Queue)
	storageDir := firstNonEmpty(classifyStorageDir, os.Getenv("IRIS_STORAGE_DIR"), conf.StorageDir, "data")
	timeoutMs := firstPositive(classifyTimeoutMs, envInt("IRIS_TIMEOUT_MS"), conf.TimeoutMs, 30000)
	brokerURL, brokerPassword := resolveRedis(conf)

	if !store.Allowed(imagePath) {
		return fmt.Errorf("unsupported image type: %s", imagePath)
	}

	content, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("could not read image: %w", err)
	}

	st, err := store.New(storageDir)
	if err != nil {
		return fmt.Errorf("could not open image store: %w", err)
	}

	imageName, created, err := st.Put(content, imagePath)
	if err != nil {
		return fmt.Errorf("could not store image: %w", err)
	}
	if created {
		Debug("stored new image %s", imageName)
	} else {
		Debug("image %s already stored, reusing", imageName)
	}

	client := broker.NewClient(broker.ClientConfig{QueueName: queue})

	ctx := context.Background()
	if err := client.Connect(ctx, brokerURL, brokerPassword); err != nil {
		return fmt.Errorf("could not connect to Redis: %w", err)
	}
	defer client.Close()

	jobID := uuid.New().String()
	fmt.Printf("Submitted %s as job %s, waiting for result...\n", imageName, jobID)

	result, err := client.Submit(ctx, jobID, imageName, 100*time.Millisecond, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, broker.ErrResultTimeout) {
			return fmt.Errorf("no result within %dms; is a worker running on queue %s?", timeoutMs, client.QueueName())
		}
		return fmt.Errorf("classification failed: %w", err)
	}

	// Return the failure as an error rather than exiting directly so the
	// deferred client.Close still runs.
	if err := failureError(result); err != nil {
		cmd.SilenceUsage = true
		return err
	}

	printResult(result)
	return nil
}

// failureError maps a failure result to a command error.
func failureError(r *job.Result) error {
	if r.Failed() {
		return fmt.Errorf("classification failed: %s", r.Error)
	}
	return nil
}

func printResult(r *job.Result) {
	goodColor := color.New(color.FgGreen, color.Bold)
	goodColor.Printf("%s", r.Prediction)
	fmt.Printf("  (confidence %.4f)\n", r.Score)
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVar(&classifyQueue, "queue", "", "Stream to enqueue the job on (default: jobs:v1:classify)")
	classifyCmd.Flags().StringVar(&classifyStorageDir, "storage-dir", "", "Directory for deduplicated image files (default: ./data)")
	classifyCmd.Flags().IntVar(&classifyTimeoutMs, "timeout-ms", 0, "Result wait timeout in milliseconds (default: 30000)")
}
