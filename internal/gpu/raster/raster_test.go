package raster

import (
	"math"
	"testing"
)

func singleRedContributor() (Contributor, [2]float32) {
	return Contributor{
		ConicXY: [2]float32{1, 0},
		ConicZ:  1,
		Color:   [3]float32{1, 0, 0},
		Opacity: 0.95,
	}, [2]float32{32, 32}
}

// TestForwardPixelCenterMatchesColor is the rasterizer half of spec.md §8
// S1: a single strongly opaque red splat centered on a pixel should render
// that pixel close to (1,0,0).
func TestForwardPixelCenterMatchesColor(t *testing.T) {
	c, center := singleRedContributor()
	r := ForwardPixel([]Contributor{c}, [][2]float32{center}, 32, 32)
	if r.NContrib != 1 {
		t.Fatalf("expected 1 contributor, got %d", r.NContrib)
	}
	if math.Abs(float64(r.Color[0]-0.95)) > 1e-3 {
		t.Fatalf("expected red channel near opacity, got %v", r.Color)
	}
	if r.Color[1] != 0 || r.Color[2] != 0 {
		t.Fatalf("expected green/blue to remain 0, got %v", r.Color)
	}
}

func TestForwardPixelEarlyOut(t *testing.T) {
	var contributors []Contributor
	var centers [][2]float32
	for i := 0; i < 50; i++ {
		contributors = append(contributors, Contributor{
			ConicXY: [2]float32{1, 0},
			ConicZ:  1,
			Color:   [3]float32{0, 1, 0},
			Opacity: 0.9,
		})
		centers = append(centers, [2]float32{32, 32})
	}
	r := ForwardPixel(contributors, centers, 32, 32)
	if r.TFinal >= EpsStop {
		t.Fatalf("expected transmittance to fall below EpsStop, got %v", r.TFinal)
	}
	if r.NContrib >= 50 {
		t.Fatalf("expected early-out before exhausting all contributors, got %d", r.NContrib)
	}
}

// TestBackwardMatchesContributorCount checks that BackwardPixel, given the
// nContrib the forward pass reported, consumes exactly that many slots
// without index errors and produces finite gradients (spec.md design
// notes §9: forward and backward must agree on contributor count).
func TestBackwardMatchesContributorCount(t *testing.T) {
	c, center := singleRedContributor()
	fwd := ForwardPixel([]Contributor{c}, [][2]float32{center}, 32, 32)

	grads := BackwardPixel([]Contributor{c}, [][2]float32{center}, 32, 32, fwd.NContrib, fwd.TFinal, [3]float32{1, 0, 0})
	if len(grads.DColor) != fwd.NContrib {
		t.Fatalf("gradient slot count = %d, want %d", len(grads.DColor), fwd.NContrib)
	}
	for ch := 0; ch < 3; ch++ {
		if math.IsNaN(float64(grads.DColor[0][ch])) {
			t.Fatalf("NaN gradient in channel %d", ch)
		}
	}
	if grads.DOpacity[0] == 0 {
		t.Fatalf("expected nonzero opacity gradient")
	}
}

func TestAlphaBelowMinSkipped(t *testing.T) {
	c := Contributor{ConicXY: [2]float32{1, 0}, ConicZ: 1, Color: [3]float32{1, 1, 1}, Opacity: 0.001}
	a := Alpha(c, 0, 0)
	if a >= AlphaMin {
		t.Fatalf("expected near-zero alpha for tiny opacity, got %v", a)
	}
}
