// Package inference wraps the pre-trained image-classification model behind a
// small interface. The model itself (a pre-trained ONNX network) is an
// external artifact; this package only decodes, resizes, and normalizes the
// input and reads the top prediction back out.
package inference

import (
	"context"
	"io"
)

// Engine produces the single top prediction for an image.
// Implementations must return a confidence in [0,1].
type Engine interface {
	Classify(ctx context.Context, r io.Reader) (label string, score float64, err error)
	Close() error
}
