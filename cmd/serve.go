// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/iris/internal/api"
	"github.com/aceteam-ai/iris/internal/broker"
	"github.com/aceteam-ai/iris/internal/store"
)

var (
	serveListen     string
	serveStorageDir string
	serveQueue      string
	servePollMs     int
	serveTimeoutMs  int
	serveMaxUpload  int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the image classification API server",
	Long: `Starts the HTTP front door for the classification pipeline.

Uploaded images are deduplicated by content hash, enqueued as jobs on the
Redis stream, and the response blocks until a worker publishes the result
or the timeout expires.

Examples:
  # Serve on the default port with defaults
  iris serve

  # Custom listen address and storage directory
  iris serve --listen=:9000 --storage-dir=/var/lib/iris/images

  # Tighten the result timeout for a latency-sensitive deployment
  iris serve --timeout-ms=5000`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	conf, err := loadFileConfig()
	if err != nil {
		return err
	}

	listen := firstNonEmpty(serveListen, os.Getenv("IRIS_LISTEN"), conf.Listen)
	storageDir := firstNonEmpty(serveStorageDir, os.Getenv("IRIS_STORAGE_DIR"), conf.StorageDir, "data")
	queue := firstNonEmpty(serveQueue, os.Getenv("IRIS_QUEUE"), conf.Queue)
	pollMs := firstPositive(servePollMs, envInt("IRIS_POLL_MS"), conf.PollMs)
	timeoutMs := firstPositive(serveTimeoutMs, envInt("IRIS_TIMEOUT_MS"), conf.TimeoutMs)
	brokerURL, brokerPassword := resolveRedis(conf)

	st, err := store.New(storageDir)
	if err != nil {
		return fmt.Errorf("could not open image store: %w", err)
	}

	submitter := broker.NewClient(broker.ClientConfig{QueueName: queue})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := submitter.Connect(ctx, brokerURL, brokerPassword); err != nil {
		return fmt.Errorf("could not connect to Redis: %w", err)
	}
	defer submitter.Close()

	server := api.NewServer(api.Config{
		Listen:         listen,
		PollInterval:   time.Duration(pollMs) * time.Millisecond,
		ResultTimeout:  time.Duration(timeoutMs) * time.Millisecond,
		MaxUploadBytes: serveMaxUpload,
	}, st, submitter)

	headerColor := color.New(color.FgCyan, color.Bold)
	headerColor.Println("Iris API server")
	fmt.Printf("   Queue:   %s\n", submitter.QueueName())
	fmt.Printf("   Storage: %s\n", st.Dir())

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	fmt.Println("Server stopped.")
	return nil
}

// envInt reads an integer environment variable, returning 0 when unset or bad.
func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: :8000, or IRIS_LISTEN env)")
	serveCmd.Flags().StringVar(&serveStorageDir, "storage-dir", "", "Directory for deduplicated image files (default: ./data)")
	serveCmd.Flags().StringVar(&serveQueue, "queue", "", "Stream to enqueue jobs on (default: jobs:v1:classify)")
	serveCmd.Flags().IntVar(&servePollMs, "poll-ms", 0, "Result poll interval in milliseconds (default: 100)")
	serveCmd.Flags().IntVar(&serveTimeoutMs, "timeout-ms", 0, "Result wait timeout in milliseconds (default: 30000)")
	serveCmd.Flags().Int64Var(&serveMaxUpload, "max-upload-bytes", 0, "Maximum upload size in bytes (default: 10MB)")
}
