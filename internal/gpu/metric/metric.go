// Package metric implements the multi-view error metric used to drive
// densification (spec.md component C11): a per-pixel L1 error map,
// thresholded against the view's own min/max, and a per-tile contributor
// walk that scores each Gaussian by how often it participates in a
// high-error pixel.
package metric

import "github.com/cwbudde/gsplatforge/internal/gpu/raster"

// AlphaThreshold is the contribution-significance cutoff the count pass
// applies when walking a pixel's prefix of contributors (spec.md §4.11
// step 4): "if alpha >= 1/255".
const AlphaThreshold = 1.0 / 255.0

// QuantizeScale is the global scale the error pass multiplies a raw L1
// error by before truncating to u32 (spec.md §4.11 step 1: "quantized to
// u32 by a global scale"). Errors live in [0,3] (per-channel L1 summed
// over RGB against a [0,1] target), so this scale keeps the quantized
// range well inside u32 without risking overflow at the high end.
const QuantizeScale = 1 << 20

// Accumulator tracks per-Gaussian contribution counts across the K views
// a densify cycle samples (spec.md §4.11: "After K views:
// metric_counts[i] <- metric_counts[i] / K (integer division)").
type Accumulator struct {
	Counts []uint32
	Views  int
}

// NewAccumulator allocates a zeroed accumulator for n Gaussians.
func NewAccumulator(n int) *Accumulator {
	return &Accumulator{Counts: make([]uint32, n)}
}

// AddView folds one view's per-Gaussian contribution counts in.
func (a *Accumulator) AddView(counts []uint32) {
	for i, c := range counts {
		a.Counts[i] += c
	}
	a.Views++
}

// Finalize divides every count by the number of views folded in (integer
// division, matching the GPU's atomicAdd + final integer-divide pass).
func (a *Accumulator) Finalize() []uint32 {
	if a.Views == 0 {
		return a.Counts
	}
	out := make([]uint32, len(a.Counts))
	for i, c := range a.Counts {
		out[i] = c / uint32(a.Views)
	}
	return out
}

// quantizeError converts a per-pixel L1 error (sum of |pred-target| over
// RGB) to the u32 domain the min/max reduction and threshold pass operate
// on.
func quantizeError(pred, target [3]float32) uint32 {
	var l1 float32
	for ch := 0; ch < 3; ch++ {
		d := pred[ch] - target[ch]
		if d < 0 {
			d = -d
		}
		l1 += d
	}
	return uint32(l1 * QuantizeScale)
}

// alphaOf recomputes the alpha contribution of one contributor at one
// pixel, the same formula C6 and C9 share (spec.md §4.11 step 4: "recompute
// alpha (same formula as C6)"). center is the contributor's NDC-derived
// pixel-space position, as supplied by the tile rasterizer's contributor
// batch (matching internal/gpu/raster's ForwardPixel convention).
func alphaOf(c raster.Contributor, center [2]float32, px, py float32) float32 {
	return raster.Alpha(c, px-center[0], py-center[1])
}
