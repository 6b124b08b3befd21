// Package ingest types the point-cloud decoding contract spec.md §6
// describes: loading PLY/COLMAP files is out of this core's scope, but the
// shape the decoder must hand the core is not. PointCloudDefaults fills in
// the orientation/scale/opacity fields a bare XYZRGB point cloud omits.
package ingest

import "github.com/cwbudde/gsplatforge/internal/scene"

// DefaultOpacityLogit, DefaultLogScale, and DefaultRotation are the values
// spec.md §6 assigns a point with no orientation or spread of its own.
var (
	DefaultOpacityLogit float32 = 1
	DefaultLogScale              = [3]float32{-5, -5, -5}
	DefaultRotation              = [4]float32{1, 0, 0, 0}
)

// SceneSource produces the initial Gaussian population from whatever file
// format a loader understands. Decoders for PLY / COLMAP binary / camera
// JSON implement this; none of them live in this module.
type SceneSource interface {
	// Load returns N, the active SH degree, and N Gaussians each paired
	// with an SH state already seeded with DC-from-color when the source
	// has no SH data of its own.
	Load() (n int, shDegree int, gaussians []scene.Gaussian, shs []scene.SH, err error)
}

// PointCloudDefaults builds a Gaussian and zero-order SH state for one
// point-cloud sample (position + RGB color), applying the defaults
// spec.md §6 specifies for inputs without orientation: opacity-logit=1,
// rotation=(1,0,0,0), log-scale=(-5,-5,-5), and SH DC set from color via
// (c-0.5)/SH_C0.
func PointCloudDefaults(pos [3]float32, rgb [3]float32) (scene.Gaussian, scene.SH) {
	g := scene.Gaussian{
		Mean:         pos,
		OpacityLogit: DefaultOpacityLogit,
		Rotation:     DefaultRotation,
		LogScale:     DefaultLogScale,
	}
	var sh scene.SH
	dc := scene.DCFromColor(rgb)
	for ch := 0; ch < 3; ch++ {
		sh.Coeffs[ch][0] = dc[ch]
	}
	return g, sh
}
