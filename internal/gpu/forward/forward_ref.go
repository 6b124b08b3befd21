package forward

import (
	"math"

	"github.com/cwbudde/gsplatforge/internal/gpu/tilekey"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// Result is what ProjectOne (the test oracle for the forward kernel)
// reports for a single Gaussian against one view.
type Result struct {
	Visible  bool
	Splat    Splat
	Depth    float32 // order-preserving input, i.e. view-space z
	TileMinX int
	TileMinY int
	TileMaxX int
	TileMaxY int
}

// TileCount returns tile_counts[i] (spec.md §4.4 step 7): the number of
// tiles this splat's screen bbox overlaps.
func (r Result) TileCount() int {
	if !r.Visible {
		return 0
	}
	return (r.TileMaxX - r.TileMinX + 1) * (r.TileMaxY - r.TileMinY + 1)
}

// ProjectOne runs the forward preprocess math of spec.md §4.4 for a single
// Gaussian against one view. It is the arithmetic oracle the GPU kernel in
// forward_opencl.go is checked against; it is also the only implementation
// that ever runs in this module when building without the gpu tag, since
// the hot path always goes through the OpenCL kernel.
func ProjectOne(g scene.Gaussian, sh scene.SH, cfg Config) Result {
	tv4 := transformPoint(cfg.View, g.Mean)
	tv := [3]float32{tv4[0], tv4[1], tv4[2]}

	clip := mat4MulVec4(cfg.Proj, tv4)
	if clip[3] == 0 {
		return Result{}
	}
	ndc := [3]float32{clip[0] / clip[3], clip[1] / clip[3], clip[2] / clip[3]}

	if abs32(ndc[0]) > NDCClip || abs32(ndc[1]) > NDCClip {
		return Result{}
	}
	if ndc[2] < 0 || ndc[2] > 1 {
		return Result{}
	}

	sigma3 := covariance3D(g.LogScale, g.Rotation)
	if mat3Det(sigma3) <= 0 {
		return Result{}
	}

	a, b, c, _ := covariance2D(sigma3, cfg.View, tv, cfg.Fx, cfg.Fy, cfg.Width, cfg.Height)
	conicA, conicB, conicC, ok := conicFrom2x2(a, b, c)
	if !ok {
		return Result{}
	}

	opacity := g.Opacity()
	if opacity <= 0 {
		return Result{}
	}
	t := 2 * float32(math.Log(float64(opacity*OpacityBoundRadiusScale)))
	if t <= 0 {
		return Result{}
	}
	// Screen-space radius along each axis bounding the opacity-threshold
	// ellipse: r = sqrt(t * largest eigenvalue), approximated per axis via
	// the covariance diagonal (standard 3DGS screen-bound heuristic).
	radiusX := float32(math.Sqrt(float64(t * a)))
	radiusY := float32(math.Sqrt(float64(t * c)))

	px := (ndc[0]*0.5 + 0.5) * float32(cfg.Width)
	py := (ndc[1]*0.5 + 0.5) * float32(cfg.Height)

	minX := int(math.Floor(float64(px-radiusX-ScreenBBoxMarginPx))) / TileSize
	maxX := int(math.Floor(float64(px+radiusX+ScreenBBoxMarginPx))) / TileSize
	minY := int(math.Floor(float64(py-radiusY-ScreenBBoxMarginPx))) / TileSize
	maxY := int(math.Floor(float64(py+radiusY+ScreenBBoxMarginPx))) / TileSize

	gridW := TileGridWidth(cfg.Width) - 1
	gridH := TileGridHeight(cfg.Height) - 1
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX > gridW {
		maxX = gridW
	}
	if maxY > gridH {
		maxY = gridH
	}
	if minX > maxX || minY > maxY {
		return Result{}
	}

	// In view space the camera sits at the origin, so the direction from
	// the Gaussian to the camera is -tv; rotate it back to world space by
	// the view matrix's rotation transpose (valid since that block is
	// orthonormal for a camera view matrix).
	viewDirCam := normalize3([3]float32{-tv[0], -tv[1], -tv[2]})
	worldDir := mat3Transpose(upper3x3(cfg.View))
	dir := mat3MulVec3(worldDir, viewDirCam)

	color := EvalSH(cfg.SHDegree, sh.Coeffs, dir)
	for ch := range color {
		color[ch] += 0.5
		if color[ch] < 0 {
			color[ch] = 0
		}
	}

	splat := Splat{
		NDC:      [2]float32{ndc[0], ndc[1]},
		Extent:   [2]float32{radiusX, radiusY},
		ConicXY:  [2]float32{conicA, conicB},
		ConicZ:   conicC,
		Color:    color,
		Opacity:  opacity,
		Depth:    tv[2],
		TileMinX: minX,
		TileMinY: minY,
		TileMaxX: maxX,
		TileMaxY: maxY,
	}

	return Result{
		Visible:  true,
		Splat:    splat,
		Depth:    tv[2],
		TileMinX: minX,
		TileMinY: minY,
		TileMaxX: maxX,
		TileMaxY: maxY,
	}
}

// EmitKeys writes one (key, value=gaussianIndex) pair per overlapped tile
// into keys/values starting at offset, matching the per-Gaussian slice the
// exclusive scan of tile_counts assigns it (spec.md §4.4 step 7, §4.5).
// It returns the number of entries written, equal to r.TileCount().
func EmitKeys(r Result, gaussianIndex int, gridWidth int, offset int, keys, values []uint32) int {
	if !r.Visible {
		return 0
	}
	n := 0
	for ty := r.TileMinY; ty <= r.TileMaxY; ty++ {
		for tx := r.TileMinX; tx <= r.TileMaxX; tx++ {
			tileID := ty*gridWidth + tx
			keys[offset+n] = tilekey.Encode(tileID, r.Depth)
			values[offset+n] = uint32(gaussianIndex)
			n++
		}
	}
	return n
}

func mat4MulVec4(m mat4, v [4]float32) [4]float32 {
	var out [4]float32
	for i := 0; i < 4; i++ {
		var sum float32
		for j := 0; j < 4; j++ {
			sum += m[i*4+j] * v[j]
		}
		out[i] = sum
	}
	return out
}

func mat3MulVec3(m mat3, v [3]float32) [3]float32 {
	return [3]float32{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

func normalize3(v [3]float32) [3]float32 {
	length := float32(math.Sqrt(float64(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])))
	if length == 0 {
		return v
	}
	return [3]float32{v[0] / length, v[1] / length, v[2] / length}
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
