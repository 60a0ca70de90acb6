package worker

import (
	"context"
	"fmt"

	"github.com/aceteam-ai/iris/internal/inference"
	"github.com/aceteam-ai/iris/internal/job"
	"github.com/aceteam-ai/iris/internal/store"
)

// Handler processes one job into a result.
type Handler interface {
	Handle(ctx context.Context, j *job.Job) (*job.Result, error)
}

// ClassifyHandler runs the inference engine against images in the shared
// store.
type ClassifyHandler struct {
	store  *store.Store
	engine inference.Engine
}

// NewClassifyHandler creates a handler bound to a store and an engine.
func NewClassifyHandler(st *store.Store, engine inference.Engine) *ClassifyHandler {
	return &ClassifyHandler{
		store:  st,
		engine: engine,
	}
}

// Handle loads the referenced image, classifies it, and builds the result.
// The confidence is rounded to 4 decimal digits before it leaves the worker.
func (h *ClassifyHandler) Handle(ctx context.Context, j *job.Job) (*job.Result, error) {
	f, err := h.store.Open(j.ImageName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	label, score, err := h.engine.Classify(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("inference failed for %s: %w", j.ImageName, err)
	}

	return &job.Result{
		Prediction: label,
		Score:      job.RoundScore(score),
	}, nil
}

// Ensure ClassifyHandler implements Handler
var _ Handler = (*ClassifyHandler)(nil)
