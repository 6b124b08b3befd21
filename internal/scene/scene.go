package scene

import "fmt"

// Scene is the co-owned packed store + SH store (spec.md §3): the f16
// Gaussian and SH buffers the renderer reads directly, plus the per-Gaussian
// bookkeeping the training loop needs between passes. Adam's own (m, v)
// state is kept by the caller in parallel slices (internal/gpu/optim.State /
// SHState) rather than here, since optim depends on this package for
// scene.Gaussian and a dependency back from scene to optim would cycle.
// The invariant this type exists to uphold is |Packed| == |SHs| ==
// |TileCounts| == N.
type Scene struct {
	N int

	Packed []PackedGaussian
	SHs    []PackedSH

	// TileCounts is the number of tiles each Gaussian touched in the most
	// recent forward pass; a value of 0 marks a Gaussian invisible for the
	// Adam step's skip rule (spec.md §4.10).
	TileCounts []uint32

	// SHDegree is the active spherical-harmonic degree in [0,3] (spec.md §6).
	SHDegree int
}

// NewScene allocates a zero-valued scene of size n with the given SH degree.
// Callers normally populate Packed/SHs from an ingest decoder rather than
// leaving the zero value in place.
func NewScene(n, shDegree int) *Scene {
	return &Scene{
		N:          n,
		Packed:     make([]PackedGaussian, n),
		SHs:        make([]PackedSH, n),
		TileCounts: make([]uint32, n),
		SHDegree:   shDegree,
	}
}

// Validate checks the |Packed| == |SHs| == |TileCounts| == N invariant
// (spec.md §3).
func (s *Scene) Validate() error {
	lens := map[string]int{
		"Packed":     len(s.Packed),
		"SHs":        len(s.SHs),
		"TileCounts": len(s.TileCounts),
	}
	for name, l := range lens {
		if l != s.N {
			return fmt.Errorf("scene invariant violated: len(%s)=%d, N=%d", name, l, s.N)
		}
	}
	return nil
}

// Read unpacks the Gaussian and its SH coefficients at index i, following
// the unpack -> transform -> clamp order of spec.md §4.1.
func (s *Scene) Read(i int) (Gaussian, SH) {
	return s.Packed[i].Unpack(), s.SHs[i].Unpack()
}

// Write repacks a Gaussian and its SH coefficients into slot i, the inverse
// of Read, used by the Adam repack (C10) and densify/prune scatter (C12)
// writeback paths.
func (s *Scene) Write(i int, g Gaussian, sh SH) {
	s.Packed[i] = g.Pack()
	s.SHs[i] = sh.Pack()
}
