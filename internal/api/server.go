// Package api provides the upload-facing HTTP server. It validates and
// dedup-stores uploads, enqueues classification jobs, and blocks each request
// only until the worker's result appears under the job ID.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/aceteam-ai/iris/internal/broker"
	"github.com/aceteam-ai/iris/internal/store"
)

// PredictResponse is the JSON body returned by the predict endpoint.
type PredictResponse struct {
	Success       bool     `json:"success"`
	Prediction    *string  `json:"prediction"`
	Score         *float64 `json:"score"`
	ImageFileName string   `json:"image_file_name,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// HealthResponse is the JSON body returned by the health endpoint.
type HealthResponse struct {
	Status     string  `json:"status"`
	NumCPU     int     `json:"numCpu"`
	MemUsedPct float64 `json:"memUsedPct"`
	UptimeSec  uint64  `json:"uptimeSec"`
}

// Server is the submitter-side HTTP server.
type Server struct {
	config    Config
	mux       *http.ServeMux
	server    *http.Server
	store     *store.Store
	submitter *broker.Client
	limiter   *rate.Limiter
}

// Config holds configuration for the API server.
type Config struct {
	// Listen is the address to listen on (default: ":8000")
	Listen string

	// PollInterval is the sleep between result-store checks (default: 100ms)
	PollInterval time.Duration

	// ResultTimeout is the per-request patience budget (default: 30s)
	ResultTimeout time.Duration

	// MaxUploadBytes caps multipart upload size (default: 10MB)
	MaxUploadBytes int64

	// UploadsPerSecond rate-limits the predict endpoint (default: 20)
	UploadsPerSecond float64

	// UploadBurst is the rate limiter burst (default: 40)
	UploadBurst int
}

// NewServer creates a new API server over a store and a connected broker
// client.
func NewServer(cfg Config, st *store.Store, submitter *broker.Client) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ResultTimeout == 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.UploadsPerSecond == 0 {
		cfg.UploadsPerSecond = 20
	}
	if cfg.UploadBurst == 0 {
		cfg.UploadBurst = 40
	}

	s := &Server{
		config:    cfg,
		mux:       http.NewServeMux(),
		store:     st,
		submitter: submitter,
		limiter:   rate.NewLimiter(rate.Limit(cfg.UploadsPerSecond), cfg.UploadBurst),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/model/predict", s.handlePredict)

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.mux)
}

// Start begins listening. Blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.config.ResultTimeout + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
}

// loggingMiddleware logs each request with its duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		NumCPU: runtime.NumCPU(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedPct = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		resp.UptimeSec = up
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handlePredict accepts one image upload, dedups it into the store, submits a
// job, and waits for the worker's result.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "Too many uploads, slow down")
		return
	}

	// Cap the whole request body so an oversized upload is rejected rather
	// than read truncated.
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	// Validate the extension before reading the body so unsupported types
	// never touch storage or the queue.
	if !store.Allowed(header.Filename) {
		writeError(w, http.StatusBadRequest, "File type is not supported.")
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	name, _, err := s.store.Put(content, header.Filename)
	if err != nil {
		if errors.Is(err, store.ErrUnsupportedMediaType) {
			writeError(w, http.StatusBadRequest, "File type is not supported.")
			return
		}
		log.Printf("store error: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	jobID := uuid.New().String()
	result, err := s.submitter.Submit(r.Context(), jobID, name, s.config.PollInterval, s.config.ResultTimeout)
	if err != nil {
		if errors.Is(err, broker.ErrResultTimeout) {
			writeError(w, http.StatusGatewayTimeout, "Timed out waiting for a prediction")
			return
		}
		log.Printf("submit error: %v", err)
		writeError(w, http.StatusBadGateway, "Prediction service unavailable")
		return
	}

	if result.Failed() {
		resp := PredictResponse{
			Success:       false,
			ImageFileName: name,
			Message:       result.Error,
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	resp := PredictResponse{
		Success:       true,
		Prediction:    &result.Prediction,
		Score:         &result.Score,
		ImageFileName: name,
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, PredictResponse{Success: false, Message: message})
}
