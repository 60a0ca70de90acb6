// Package job defines the wire protocol between the submitter and the
// classification worker.
//
// Both payloads are UTF-8 JSON. The queue carries metadata only; the job
// references an image by its content-addressed name, never by raw bytes:
//
//	queue payload:  {"id": "<uuid>", "image_name": "<md5>.<ext>"}
//	result payload: {"prediction": "<label>", "score": 0.9346}
//	failure result: {"error": "<reason>"}
//
// Payloads are validated at decode time. A message missing a required field
// fails with ErrMalformedPayload rather than surfacing later as an empty-field
// lookup against the store or the result keyspace.
package job

import (
	"encoding/json"
	"fmt"
	"math"
)

// ErrMalformedPayload indicates a queue or result payload that does not
// conform to the wire protocol. Use errors.Is to test for it.
var ErrMalformedPayload = fmt.Errorf("malformed payload")

// Job is one unit of classification work.
type Job struct {
	// ID correlates the queue entry with the result key. Submitter-generated,
	// unique per request.
	ID string `json:"id"`

	// ImageName is the content-addressed filename in the shared image store.
	ImageName string `json:"image_name"`
}

// Result is the outcome of one Job, stored under the Job's ID.
type Result struct {
	// Prediction is the top-1 class label. Empty when Error is set.
	Prediction string `json:"prediction"`

	// Score is the model confidence in [0,1], rounded to 4 decimal digits.
	Score float64 `json:"score"`

	// Error carries the failure reason when processing did not produce a
	// prediction. A failure result is still published under the job ID so the
	// submitter is released immediately instead of waiting out its timeout.
	Error string `json:"error,omitempty"`
}

// Failed reports whether the result represents a processing failure.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Encode serializes the job for the queue.
func (j *Job) Encode() ([]byte, error) {
	if err := j.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

func (j *Job) validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	if j.ImageName == "" {
		return fmt.Errorf("%w: missing image_name", ErrMalformedPayload)
	}
	return nil
}

// DecodeJob parses and validates a queue payload.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := j.validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Encode serializes the result for the key-value store.
func (r *Result) Encode() ([]byte, error) {
	if r.Prediction == "" && r.Error == "" {
		return nil, fmt.Errorf("%w: result has neither prediction nor error", ErrMalformedPayload)
	}
	return json.Marshal(r)
}

// DecodeResult parses and validates a result payload.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if r.Prediction == "" && r.Error == "" {
		return nil, fmt.Errorf("%w: result has neither prediction nor error", ErrMalformedPayload)
	}
	return &r, nil
}

// RoundScore rounds a confidence score to 4 decimal digits so results are
// stable for comparison across runs.
func RoundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}
