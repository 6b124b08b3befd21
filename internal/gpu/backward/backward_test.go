package backward

import (
	"math"
	"testing"

	"github.com/cwbudde/gsplatforge/internal/gpu/forward"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

func identity4() [16]float32 {
	return [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

func testCamera() forward.Config {
	view := identity4()
	view[11] = 5 // translate the scene 5 units in front of the camera
	return forward.Config{
		View: view, Proj: identity4(),
		Fx: 500, Fy: 500, Width: 256, Height: 256, SHDegree: 0,
	}
}

func testGaussian() scene.Gaussian {
	return scene.Gaussian{
		Mean:         [3]float32{0, 0, 0},
		OpacityLogit: 0.5,
		Rotation:     [4]float32{1, 0, 0, 0},
		LogScale:     [3]float32{-2, -2, -2},
	}
}

func TestEncodeDecodeFixedRoundTrips(t *testing.T) {
	for _, v := range []float32{0, 1.5, -3.25, 0.0001, -12345.0} {
		got := DecodeFixed(EncodeFixed(v))
		if math.Abs(float64(got-v)) > 0.01 {
			t.Fatalf("round trip for %v: got %v", v, got)
		}
	}
}

func TestGradientRecordPackUnpackRoundTrips(t *testing.T) {
	in := GradientRecord{
		DMean:    [3]float32{0.1, -0.2, 0.3},
		DOpacity: 0.4,
		DQuat:    [4]float32{0.01, -0.02, 0.03, -0.04},
		DLogS:    [3]float32{0.05, -0.06, 0.07},
		DColor:   [3]float32{0.08, -0.09, 0.1},
	}
	out := in.Pack().Unpack()
	tol := float32(1e-3)
	fields := [][2]float32{
		{in.DMean[0], out.DMean[0]}, {in.DMean[1], out.DMean[1]}, {in.DMean[2], out.DMean[2]},
		{in.DOpacity, out.DOpacity},
		{in.DQuat[0], out.DQuat[0]}, {in.DQuat[1], out.DQuat[1]}, {in.DQuat[2], out.DQuat[2]}, {in.DQuat[3], out.DQuat[3]},
		{in.DLogS[0], out.DLogS[0]}, {in.DLogS[1], out.DLogS[1]}, {in.DLogS[2], out.DLogS[2]},
		{in.DColor[0], out.DColor[0]}, {in.DColor[1], out.DColor[1]}, {in.DColor[2], out.DColor[2]},
	}
	for i, f := range fields {
		if math.Abs(float64(f[0]-f[1])) > float64(tol) {
			t.Fatalf("field %d: got %v want %v", i, f[1], f[0])
		}
	}
}

// TestZeroScreenGradientsYieldZeroParamGradients checks that a Gaussian
// contributing no screen-space gradient anywhere produces no parameter
// gradient, the backward half of spec.md §8's swap-safety property.
func TestZeroScreenGradientsYieldZeroParamGradients(t *testing.T) {
	g := testGaussian()
	cfg := testCamera()
	rec := ComputeOne(g, cfg, Inputs{})

	if rec.DOpacity != 0 {
		t.Errorf("DOpacity = %v, want 0", rec.DOpacity)
	}
	for i, v := range rec.DMean {
		if v != 0 {
			t.Errorf("DMean[%d] = %v, want 0", i, v)
		}
	}
	for i, v := range rec.DColor {
		if v != 0 {
			t.Errorf("DColor[%d] = %v, want 0", i, v)
		}
	}
}

// TestOpacityGradientMatchesSigmoidFactor checks the
// dL/dopacity_logit = dL/dopacity * sigma*(1-sigma) chain-rule factor
// (spec.md §4.9).
func TestOpacityGradientMatchesSigmoidFactor(t *testing.T) {
	g := testGaussian()
	cfg := testCamera()
	rec := ComputeOne(g, cfg, Inputs{DOpacitySigma: 1})

	sigma := scene.Sigmoid(g.OpacityLogit)
	want := sigma * (1 - sigma)
	if math.Abs(float64(rec.DOpacity-want)) > 1e-4 {
		t.Fatalf("DOpacity = %v, want %v", rec.DOpacity, want)
	}
}

// TestColorGradientPassesThroughUnscaled checks that the SH/color gradient
// is forwarded as-is, since C9 does not itself touch the SH evaluation
// chain (that lives in C4/C10).
func TestColorGradientPassesThroughUnscaled(t *testing.T) {
	g := testGaussian()
	cfg := testCamera()
	want := [3]float32{0.25, -0.5, 0.75}
	rec := ComputeOne(g, cfg, Inputs{DColor: want})

	for i := range want {
		if rec.DColor[i] != want[i] {
			t.Errorf("DColor[%d] = %v, want %v", i, rec.DColor[i], want[i])
		}
	}
}
