// Package backward implements the backward geometry pass (spec.md
// component C9): converts the 2D screen-space gradients the tile
// rasterizer's backward pass (internal/gpu/raster) accumulates into
// gradients on the 3D parameters (mean, rotation quaternion, log-scale,
// opacity-logit, SH color), recomputing the forward projection algebra
// instead of storing intermediates from C4.
package backward

import "github.com/cwbudde/gsplatforge/internal/scene"

// FixedPointScale is the constant the backward rasterizer (C8, in
// internal/gpu/raster) and this package agree to use when emulating
// float atomic-add via atomicAdd on an i32 buffer (spec.md §4.8, design
// notes §9: "the scale is a per-buffer constant published to the backward
// kernels... must be identical across C8 and C9 within a run"). 2^16 gives
// a dynamic range of roughly +-32768 in the accumulated value while
// keeping sub-integer precision to 1/65536, comfortably inside f32
// headroom for one iteration's gradient magnitude.
const FixedPointScale = 1 << 16

// EncodeFixed converts a float32 gradient contribution into the i32
// fixed-point representation C8 atomically adds.
func EncodeFixed(v float32) int32 {
	return int32(v * FixedPointScale)
}

// DecodeFixed converts an accumulated i32 fixed-point total back to
// float32 (spec.md §4.8: "Decoding happens in C9").
func DecodeFixed(v int32) float32 {
	return float32(v) / FixedPointScale
}

// GradientRecord is the 32-byte packed output of spec.md §4.9: f16 halves
// for (mean.xyz, d_opacity, q.xyzw, log_s.xyz, 0, color.rgb, 0).
type GradientRecord struct {
	DMean    [3]float32
	DOpacity float32
	DQuat    [4]float32
	DLogS    [3]float32
	DColor   [3]float32
}

// PackedGradientRecord is the wire form: four u32 words of packed f16
// pairs.
type PackedGradientRecord struct {
	Words [8]uint32
}

// Pack encodes a GradientRecord into its 32-byte wire form.
func (g GradientRecord) Pack() PackedGradientRecord {
	var p PackedGradientRecord
	p.Words[0] = scene.PackHalves2(g.DMean[0], g.DMean[1])
	p.Words[1] = scene.PackHalves2(g.DMean[2], g.DOpacity)
	p.Words[2] = scene.PackHalves2(g.DQuat[0], g.DQuat[1])
	p.Words[3] = scene.PackHalves2(g.DQuat[2], g.DQuat[3])
	p.Words[4] = scene.PackHalves2(g.DLogS[0], g.DLogS[1])
	p.Words[5] = scene.PackHalves2(g.DLogS[2], 0)
	p.Words[6] = scene.PackHalves2(g.DColor[0], g.DColor[1])
	p.Words[7] = scene.PackHalves2(g.DColor[2], 0)
	return p
}

// Unpack decodes a wire-form gradient record.
func (p PackedGradientRecord) Unpack() GradientRecord {
	var g GradientRecord
	g.DMean[0], g.DMean[1] = scene.UnpackHalves2(p.Words[0])
	g.DMean[2], g.DOpacity = scene.UnpackHalves2(p.Words[1])
	g.DQuat[0], g.DQuat[1] = scene.UnpackHalves2(p.Words[2])
	g.DQuat[2], g.DQuat[3] = scene.UnpackHalves2(p.Words[3])
	g.DLogS[0], g.DLogS[1] = scene.UnpackHalves2(p.Words[4])
	g.DLogS[2], _ = scene.UnpackHalves2(p.Words[5])
	g.DColor[0], g.DColor[1] = scene.UnpackHalves2(p.Words[6])
	g.DColor[2], _ = scene.UnpackHalves2(p.Words[7])
	return g
}
