package metric

import (
	"testing"

	"github.com/cwbudde/gsplatforge/internal/gpu/raster"
)

func flatImage(w, h int, c [3]float32) Image {
	px := make([][3]float32, w*h)
	for i := range px {
		px[i] = c
	}
	return Image{Width: w, Height: h, Pixels: px}
}

func TestBuildReferenceFlagsNothingWhenErrorUniform(t *testing.T) {
	pred := flatImage(4, 4, [3]float32{0.5, 0.5, 0.5})
	target := flatImage(4, 4, [3]float32{0.5, 0.5, 0.5})
	nContrib := make([]int, 16)
	counts := BuildReference(pred, target, nContrib, func(int) TileContributors { return TileContributors{} }, 0.1, 3)
	for i, c := range counts {
		if c != 0 {
			t.Fatalf("gaussian %d: count = %d, want 0", i, c)
		}
	}
}

func TestBuildReferenceCountsHighErrorPixelContributors(t *testing.T) {
	w, h := 2, 1
	pred := flatImage(w, h, [3]float32{0, 0, 0})
	target := flatImage(w, h, [3]float32{0, 0, 0})
	// pixel 1 has a large error, pixel 0 matches exactly.
	target.Pixels[1] = [3]float32{1, 1, 1}

	contributor := raster.Contributor{
		GaussianIndex: 7,
		ConicXY:       [2]float32{1, 0},
		ConicZ:        1,
		Color:         [3]float32{1, 1, 1},
		Opacity:       0.9,
	}
	tile := TileContributors{
		Contributors: []raster.Contributor{contributor},
		Centers:      [][2]float32{{1.5, 0.5}}, // centered on pixel 1
	}
	nContrib := []int{0, 1}

	counts := BuildReference(pred, target, nContrib, func(int) TileContributors { return tile }, 0.5, 10)
	if counts[7] != 1 {
		t.Fatalf("gaussian 7: count = %d, want 1", counts[7])
	}
	for i, c := range counts {
		if i != 7 && c != 0 {
			t.Fatalf("gaussian %d: count = %d, want 0", i, c)
		}
	}
}

func TestAccumulatorFinalizeDividesByViewCount(t *testing.T) {
	acc := NewAccumulator(2)
	acc.AddView([]uint32{4, 9})
	acc.AddView([]uint32{6, 3})
	got := acc.Finalize()
	if got[0] != 5 || got[1] != 6 {
		t.Fatalf("Finalize() = %v, want [5 6]", got)
	}
}

func TestAccumulatorFinalizeNoViewsIsIdentity(t *testing.T) {
	acc := NewAccumulator(2)
	got := acc.Finalize()
	if got[0] != 0 || got[1] != 0 {
		t.Fatalf("Finalize() with no views = %v, want zeros", got)
	}
}
