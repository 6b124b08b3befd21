package orchestrator

import "math/rand"

// exclusiveScanHost sums per-Gaussian output counts into offsets, the same
// host-side planning step internal/gpu/densify's own reference Cap/Scatter
// path performs before the scatter buffers can be sized — real GPU
// deployment still dispatches internal/gpu/scan for this, but the engine
// needs the totals before it can allocate the swapped-in scene, so it
// computes them directly rather than paying a kernel round trip for a
// handful of action counts.
func exclusiveScanHost(counts []int) []int {
	offsets := make([]int, len(counts))
	sum := 0
	for i, c := range counts {
		offsets[i] = sum
		sum += c
	}
	return offsets
}

// newDensifyRNG seeds the clone/split jitter sampler deterministically from
// the engine's configured seed and the current iteration, so a resumed run
// reproduces the same scatter decisions as the run it was checkpointed
// from would have made at that iteration.
func newDensifyRNG(seed int64, iteration int) *rand.Rand {
	return rand.New(rand.NewSource(seed ^ int64(iteration)*0x9E3779B97F4A7C15))
}
