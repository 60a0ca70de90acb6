package inference

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

// encodePNG renders a solid-color image as PNG bytes.
func encodePNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestPreprocessShape(t *testing.T) {
	data := encodePNG(t, 64, 48, color.RGBA{R: 255, A: 255})

	tensor, err := Preprocess(bytes.NewReader(data), 32)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}

	want := 3 * 32 * 32
	if len(tensor) != want {
		t.Fatalf("tensor length = %d, want %d", len(tensor), want)
	}
}

func TestPreprocessChannelLayout(t *testing.T) {
	// Pure red: R channel ~1.0, G and B ~0 in NCHW order.
	data := encodePNG(t, 16, 16, color.RGBA{R: 255, A: 255})

	tensor, err := Preprocess(bytes.NewReader(data), 8)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}

	plane := 8 * 8
	if tensor[0] < 0.99 {
		t.Errorf("R plane [0] = %v, want ~1.0", tensor[0])
	}
	if tensor[plane] > 0.01 {
		t.Errorf("G plane [0] = %v, want ~0.0", tensor[plane])
	}
	if tensor[2*plane] > 0.01 {
		t.Errorf("B plane [0] = %v, want ~0.0", tensor[2*plane])
	}
}

func TestPreprocessValueRange(t *testing.T) {
	data := encodePNG(t, 10, 10, color.RGBA{R: 123, G: 45, B: 200, A: 255})

	tensor, err := Preprocess(bytes.NewReader(data), 10)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}

	for i, v := range tensor {
		if v < 0 || v > 1 {
			t.Fatalf("tensor[%d] = %v, want value in [0,1]", i, v)
		}
	}
}

func TestPreprocessRejectsGarbage(t *testing.T) {
	if _, err := Preprocess(bytes.NewReader([]byte("definitely not an image")), 8); err == nil {
		t.Error("Preprocess should fail on non-image bytes")
	}
}

func TestTopPrediction(t *testing.T) {
	tests := []struct {
		name       string
		logits     []float32
		numClasses int
		wantIdx    int
	}{
		{
			name:       "clear winner",
			logits:     []float32{0.1, 5.0, 0.3},
			numClasses: 3,
			wantIdx:    1,
		},
		{
			name:       "first element",
			logits:     []float32{9.0, 1.0},
			numClasses: 2,
			wantIdx:    0,
		},
		{
			name:       "classes fewer than outputs",
			logits:     []float32{0.1, 0.2, 99.0},
			numClasses: 2,
			wantIdx:    1,
		},
		{
			name:       "empty",
			logits:     nil,
			numClasses: 0,
			wantIdx:    -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, conf := TopPrediction(tt.logits, tt.numClasses)
			if idx != tt.wantIdx {
				t.Errorf("index = %d, want %d", idx, tt.wantIdx)
			}
			if idx >= 0 && (conf <= 0 || conf > 1) {
				t.Errorf("confidence = %v, want value in (0,1]", conf)
			}
		})
	}
}

func TestTopPredictionSoftmaxSums(t *testing.T) {
	logits := []float32{1.0, 2.0, 3.0, 4.0}

	// The winning class's softmax value computed directly.
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l))
	}
	want := math.Exp(4.0) / sum

	_, conf := TopPrediction(logits, 4)
	if math.Abs(conf-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", conf, want)
	}
}
