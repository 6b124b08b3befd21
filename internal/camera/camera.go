// Package camera defines the view contract the orchestrator (C13) needs
// from an external camera/image source (spec.md §6's "camera data" input).
// Loading cameras from COLMAP/JSON files is explicitly out of scope; this
// package only types the stable interface the training loop consumes.
package camera

import "math/rand"

// View is one training view: a camera pose paired with its reference
// image. View and Proj are row-major 4x4 matrices as specified in spec.md
// §6 ("per view, a 4x4 view matrix, 4x4 projection, focal length, viewport").
type View struct {
	Name   string
	View   [16]float32
	Proj   [16]float32
	Fx, Fy float32
	Width  int
	Height int
	// Target holds the reference image as rgba8unorm, row-major,
	// Width*Height*4 bytes. Decoding PNG/JPEG sources into this buffer is
	// the ingest package's job, not this one's.
	Target []byte
}

// Source supplies the fixed set of views a scene trains against. Reading
// PLY/COLMAP/camera-JSON files into a Source is out of this core's scope
// (spec.md §1); this interface is the seam a loader implements against.
type Source interface {
	Views() []*View
}

// RandomSampler draws a uniformly random view per call, matching the
// orchestrator's "pick a random (camera, image) pair" step (spec.md §4.13).
// It is a plain host-side math/rand generator: the design notes' ban on
// host-side RNG applies only to the in-shader scatter jitter of C12, not to
// this per-iteration view selection.
type RandomSampler struct {
	views []*View
	rng   *rand.Rand
}

// NewRandomSampler builds a sampler over views, seeded deterministically so
// a run can be reproduced.
func NewRandomSampler(views []*View, seed int64) *RandomSampler {
	return &RandomSampler{views: views, rng: rand.New(rand.NewSource(seed))}
}

// Next returns a uniformly random view, or nil if the sampler holds none.
func (s *RandomSampler) Next() *View {
	if len(s.views) == 0 {
		return nil
	}
	return s.views[s.rng.Intn(len(s.views))]
}

// SampleK draws k views without replacement when k <= len(views), and with
// replacement otherwise (used by the densify schedule's multi-view metric
// pass, spec.md §4.11).
func (s *RandomSampler) SampleK(k int) []*View {
	if len(s.views) == 0 || k <= 0 {
		return nil
	}
	if k > len(s.views) {
		out := make([]*View, k)
		for i := range out {
			out[i] = s.views[s.rng.Intn(len(s.views))]
		}
		return out
	}
	idx := s.rng.Perm(len(s.views))[:k]
	out := make([]*View, k)
	for i, j := range idx {
		out[i] = s.views[j]
	}
	return out
}
