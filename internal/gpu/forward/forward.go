// Package forward implements the forward preprocess (spec.md component
// C4): projects each Gaussian to screen space, computes its 2D covariance
// and conic, culls invisible or numerically degenerate Gaussians, evaluates
// spherical-harmonic color, and emits the tile keys the radix sorter
// (internal/gpu/radixsort) will order.
package forward

import "github.com/cwbudde/gsplatforge/internal/scene"

// TileSize is the fixed tile width and height in pixels (spec.md §6).
const TileSize = 16

// NDCClip is the |ndc.xy| culling bound (spec.md §4.4 step 2).
const NDCClip = 1.2

// ScreenBBoxMarginPx is the margin added to a splat's screen bbox
// (spec.md §4.4 step 5).
const ScreenBBoxMarginPx = 2

// CovarianceEpsilon is the numerical-stability term added to the 2D
// covariance diagonal (spec.md §4.4 step 4).
const CovarianceEpsilon = 0.3

// OpacityBoundRadiusScale is the constant in t = 2*ln(sigma*128)
// (spec.md §4.4 step 5).
const OpacityBoundRadiusScale = 128

// FovTanClamp bounds the projected tan-angle used by the covariance
// Jacobian (spec.md §4.4 step 4: "clamped to 1.3*fov on tan-angles").
const FovTanClamp = 1.3

// Config carries the per-view parameters the preprocess needs beyond the
// Gaussian itself.
type Config struct {
	View     [16]float32 // row-major world-to-view
	Proj     [16]float32 // row-major view-to-clip
	Fx, Fy   float32
	Width    int
	Height   int
	SHDegree int
}

// TileGridWidth and TileGridHeight report the tile grid dimensions for a
// viewport of the given pixel size.
func TileGridWidth(width int) int  { return (width + TileSize - 1) / TileSize }
func TileGridHeight(height int) int { return (height + TileSize - 1) / TileSize }

// Splat is the 24-byte C4 output record (spec.md §3): six f16 pairs
// holding NDC position, screen-space pixel extents, conic(xy), conic(z)
// plus padding, color(rg), and color(b)+opacity-sigmoid.
type Splat struct {
	NDC       [2]float32 // x, y (z/w dropped; kept by Depth below)
	Extent    [2]float32 // half-width, half-height in pixels
	ConicXY   [2]float32
	ConicZ    float32
	Color     [3]float32
	Opacity   float32
	Depth     float32 // view-space z, carried for tile-key encoding
	TileMinX  int
	TileMinY  int
	TileMaxX  int
	TileMaxY  int
}

// PackedSplat is the wire-format 24-byte record: three u32 words of packed
// f16 pairs plus a fourth for conic-z with padding.
type PackedSplat struct {
	NDCWord      uint32
	ExtentWord   uint32
	ConicXYWord  uint32
	ConicZWord   uint32
	ColorRGWord  uint32
	ColorBAWord  uint32
}

// Pack encodes a Splat into its wire form.
func (s Splat) Pack() PackedSplat {
	return PackedSplat{
		NDCWord:     scene_packHalves2(s.NDC[0], s.NDC[1]),
		ExtentWord:  scene_packHalves2(s.Extent[0], s.Extent[1]),
		ConicXYWord: scene_packHalves2(s.ConicXY[0], s.ConicXY[1]),
		ConicZWord:  scene_packHalves2(s.ConicZ, 0),
		ColorRGWord: scene_packHalves2(s.Color[0], s.Color[1]),
		ColorBAWord: scene_packHalves2(s.Color[2], s.Opacity),
	}
}

// Unpack decodes a wire-format splat back into float32 fields (Depth and
// tile bounds are not part of the wire record and are zero after Unpack).
func (p PackedSplat) Unpack() Splat {
	var s Splat
	s.NDC[0], s.NDC[1] = scene_unpackHalves2(p.NDCWord)
	s.Extent[0], s.Extent[1] = scene_unpackHalves2(p.ExtentWord)
	s.ConicXY[0], s.ConicXY[1] = scene_unpackHalves2(p.ConicXYWord)
	s.ConicZ, _ = scene_unpackHalves2(p.ConicZWord)
	s.Color[0], s.Color[1] = scene_unpackHalves2(p.ColorRGWord)
	var opacity float32
	s.Color[2], opacity = scene_unpackHalves2(p.ColorBAWord)
	s.Opacity = opacity
	return s
}

// scene_packHalves2 and scene_unpackHalves2 reuse the scene package's f16
// pair codec so every packed wire format in this module agrees on one
// half-float implementation.
func scene_packHalves2(lo, hi float32) uint32        { return scene.PackHalves2(lo, hi) }
func scene_unpackHalves2(word uint32) (float32, float32) { return scene.UnpackHalves2(word) }
