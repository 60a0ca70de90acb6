package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Metadata describes the model's expected tensor shapes and class labels.
// It is shipped alongside the .onnx file as a JSON document.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// ONNXEngine runs a pre-trained classification network via ONNX Runtime.
type ONNXEngine struct {
	// The session reuses fixed input/output tensors, so inference calls are
	// serialized.
	mu           sync.Mutex
	session      *ort.AdvancedSession
	metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXEngine loads the model and its metadata and prepares a session.
func NewONNXEngine(modelPath, metadataPath string) (*ONNXEngine, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(metadata.Classes) == 0 {
		return nil, fmt.Errorf("metadata has no classes")
	}
	if metadata.ImageSize <= 0 {
		return nil, fmt.Errorf("metadata has invalid image_size %d", metadata.ImageSize)
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEngine{
		session:      session,
		metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Metadata returns the loaded model metadata.
func (e *ONNXEngine) Metadata() Metadata {
	return e.metadata
}

// Classify decodes an image, runs the network, and returns the top-1 label
// with its confidence.
func (e *ONNXEngine) Classify(ctx context.Context, r io.Reader) (string, float64, error) {
	inputData, err := Preprocess(r, e.metadata.ImageSize)
	if err != nil {
		return "", 0, err
	}

	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputTensor.GetData(), inputData)

	if err := e.session.Run(); err != nil {
		return "", 0, fmt.Errorf("inference failed: %w", err)
	}

	outputData := e.outputTensor.GetData()
	idx, confidence := TopPrediction(outputData, len(e.metadata.Classes))
	if idx < 0 {
		return "", 0, fmt.Errorf("model produced no output")
	}

	return e.metadata.Classes[idx], confidence, nil
}

// Close releases the session and tensors.
func (e *ONNXEngine) Close() error {
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	if e.session != nil {
		e.session.Destroy()
	}
	ort.DestroyEnvironment()
	return nil
}

// Ensure ONNXEngine implements Engine
var _ Engine = (*ONNXEngine)(nil)
