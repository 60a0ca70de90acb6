package inference

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/nfnt/resize"
)

// Preprocess decodes an image and converts it to the NCHW float32 layout the
// model expects: resized to targetSize x targetSize, channels separated,
// pixel values scaled to [0,1].
func Preprocess(r io.Reader, targetSize int) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return imageToTensor(img, targetSize), nil
}

// imageToTensor resizes and normalizes a decoded image into NCHW order.
func imageToTensor(img image.Image, targetSize int) []float32 {
	resized := resize.Resize(uint(targetSize), uint(targetSize), img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Max.X, bounds.Max.Y

	channels := 3
	inputData := make([]float32, channels*width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()

			pixelIndex := y*width + x
			inputData[pixelIndex] = float32(r) / 65535.0
			inputData[width*height+pixelIndex] = float32(g) / 65535.0
			inputData[2*width*height+pixelIndex] = float32(b) / 65535.0
		}
	}

	return inputData
}

// TopPrediction returns the index and softmax confidence of the largest logit
// among the first numClasses outputs. Returns -1 if there are no outputs.
func TopPrediction(logits []float32, numClasses int) (int, float64) {
	if numClasses > len(logits) {
		numClasses = len(logits)
	}
	if numClasses == 0 {
		return -1, 0
	}

	maxIdx := 0
	maxVal := logits[0]
	for i := 1; i < numClasses; i++ {
		if logits[i] > maxVal {
			maxVal = logits[i]
			maxIdx = i
		}
	}

	// Softmax so the confidence lands in [0,1] whether the model emits raw
	// logits or already-normalized probabilities.
	var sum float64
	for i := 0; i < numClasses; i++ {
		sum += math.Exp(float64(logits[i] - maxVal))
	}

	return maxIdx, 1.0 / sum
}
