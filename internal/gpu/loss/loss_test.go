package loss

import (
	"math"
	"testing"
)

func solidImage(w, h int, c [3]float32) Image {
	px := make([][3]float32, w*h)
	for i := range px {
		px[i] = c
	}
	return Image{Width: w, Height: h, Pixels: px}
}

// TestGradientZeroWhenImagesMatch is the loss half of spec.md §8 S3: if
// pred == target everywhere, the gradient must be zero everywhere (within
// floating-point tolerance).
func TestGradientZeroWhenImagesMatch(t *testing.T) {
	img := solidImage(8, 8, [3]float32{0.3, 0.6, 0.9})
	w := Weights{L1: 0.2, L2: 0.2, DSSIM: 0.6, C1: 0.01, C2: 0.03}

	grad := GradientReference(img, img, w)
	for i, g := range grad.Pixels {
		for ch := 0; ch < 3; ch++ {
			if math.Abs(float64(g[ch])) > 1e-5 {
				t.Fatalf("pixel %d channel %d: gradient = %v, want ~0", i, ch, g[ch])
			}
		}
	}
}

func TestGradientSignMatchesL1L2(t *testing.T) {
	pred := solidImage(4, 4, [3]float32{0.8, 0.2, 0.5})
	target := solidImage(4, 4, [3]float32{0.2, 0.8, 0.5})
	w := Weights{L1: 0.5, L2: 0.5, DSSIM: 0}

	grad := GradientReference(pred, target, w)
	g := grad.Pixels[0]
	if g[0] <= 0 {
		t.Fatalf("expected positive gradient where pred > target, got %v", g[0])
	}
	if g[1] >= 0 {
		t.Fatalf("expected negative gradient where pred < target, got %v", g[1])
	}
	if g[2] != 0 {
		t.Fatalf("expected zero gradient where pred == target, got %v", g[2])
	}
}

func TestWeightsValidateWarnsOnNonUnitSum(t *testing.T) {
	w := Weights{L1: 0.5, L2: 0.5, DSSIM: 0.5}
	warning, err := w.Validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warning == "" {
		t.Fatalf("expected a warning for weights summing to 1.5")
	}
}

func TestWeightsValidateSilentOnUnitSum(t *testing.T) {
	w := Weights{L1: 0.2, L2: 0.2, DSSIM: 0.6}
	warning, err := w.Validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warning != "" {
		t.Fatalf("expected no warning, got %q", warning)
	}
}

func TestWeightsValidateRejectsNegative(t *testing.T) {
	w := Weights{L1: -0.1, L2: 0.6, DSSIM: 0.5}
	if _, err := w.Validate(); err == nil {
		t.Fatalf("expected error for negative weight")
	}
}
