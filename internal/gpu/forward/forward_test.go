package forward

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/gsplatforge/internal/scene"
)

func identity4() [16]float32 {
	return [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// perspective builds a row-major 4x4 OpenGL-style perspective projection
// from focal lengths and viewport, matching the (fx,fy,width,height)
// camera contract of spec.md §6.
func perspective(fx, fy float32, width, height int, near, far float32) [16]float32 {
	w, h := float32(width), float32(height)
	return [16]float32{
		2 * fx / w, 0, 0, 0,
		0, 2 * fy / h, 0, 0,
		0, 0, (far + near) / (far - near), -2 * far * near / (far - near),
		0, 0, 1, 0,
	}
}

// TestScenarioS1 matches spec.md §8 S1: a single Gaussian in front of an
// identity camera must be visible, project with ndc.z>0, and cover at
// least one tile.
func TestScenarioS1(t *testing.T) {
	g := scene.Gaussian{
		Mean:         [3]float32{0, 0, 2},
		OpacityLogit: 2,
		Rotation:     [4]float32{1, 0, 0, 0},
		LogScale:     [3]float32{-1, -1, -1},
	}
	var sh scene.SH
	dc := scene.DCFromColor([3]float32{1, 0, 0})
	for ch := range dc {
		sh.Coeffs[ch][0] = dc[ch]
	}

	cfg := Config{
		View:     identity4(),
		Proj:     perspective(100, 100, 64, 64, 0.01, 100),
		Fx:       100,
		Fy:       100,
		Width:    64,
		Height:   64,
		SHDegree: 0,
	}

	r := ProjectOne(g, sh, cfg)
	if !r.Visible {
		t.Fatalf("expected Gaussian to be visible")
	}
	if r.Splat.Depth <= 0 {
		t.Fatalf("expected positive view-space depth, got %v", r.Splat.Depth)
	}
	if r.TileCount() < 1 {
		t.Fatalf("expected at least one tile covered, got %d", r.TileCount())
	}
	if r.Splat.Color[0] <= r.Splat.Color[1] || r.Splat.Color[0] <= r.Splat.Color[2] {
		t.Fatalf("expected a reddish color, got %v", r.Splat.Color)
	}
}

// TestScenarioS2 matches spec.md §8 S2: Gaussians behind the camera must
// all be culled.
func TestScenarioS2(t *testing.T) {
	cfg := Config{
		View:     identity4(),
		Proj:     perspective(100, 100, 64, 64, 0.01, 100),
		Fx:       100,
		Fy:       100,
		Width:    64,
		Height:   64,
		SHDegree: 0,
	}

	rng := rand.New(rand.NewSource(42))
	visible := 0
	for i := 0; i < 100; i++ {
		g := scene.Gaussian{
			Mean:         [3]float32{rng.Float32()*4 - 2, rng.Float32()*4 - 2, -(rng.Float32()*5 + 0.1)},
			OpacityLogit: 1,
			Rotation:     [4]float32{1, 0, 0, 0},
			LogScale:     [3]float32{-2, -2, -2},
		}
		var sh scene.SH
		r := ProjectOne(g, sh, cfg)
		if r.Visible {
			visible++
		}
	}
	if visible != 0 {
		t.Fatalf("expected all behind-camera Gaussians to be culled, got %d visible", visible)
	}
}

func TestEmitKeysCountsMatchTileCount(t *testing.T) {
	g := scene.Gaussian{
		Mean:         [3]float32{0, 0, 2},
		OpacityLogit: 2,
		Rotation:     [4]float32{1, 0, 0, 0},
		LogScale:     [3]float32{0.5, 0.5, 0.5},
	}
	var sh scene.SH
	cfg := Config{
		View:     identity4(),
		Proj:     perspective(100, 100, 256, 256, 0.01, 100),
		Fx:       100,
		Fy:       100,
		Width:    256,
		Height:   256,
	}
	r := ProjectOne(g, sh, cfg)
	if !r.Visible {
		t.Fatalf("expected visible Gaussian")
	}

	keys := make([]uint32, r.TileCount())
	values := make([]uint32, r.TileCount())
	gridW := TileGridWidth(cfg.Width)
	n := EmitKeys(r, 7, gridW, 0, keys, values)
	if n != r.TileCount() {
		t.Fatalf("EmitKeys wrote %d entries, want %d", n, r.TileCount())
	}
	for _, v := range values {
		if v != 7 {
			t.Fatalf("expected all values to be the Gaussian index 7, got %d", v)
		}
	}
}

func TestRotationFromQuatIsOrthonormalForIdentity(t *testing.T) {
	r := rotationFromQuat([4]float32{1, 0, 0, 0})
	want := mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
	for i := range r {
		if math.Abs(float64(r[i]-want[i])) > 1e-6 {
			t.Fatalf("identity quaternion did not yield identity rotation: %v", r)
		}
	}
}
