package optim

import (
	"math"
	"testing"

	"github.com/cwbudde/gsplatforge/internal/gpu/backward"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

func testConfig() Config {
	return Config{
		LR:    LearningRates{Pos: 1e-3, Rot: 1e-3, Scale: 5e-3, Opacity: 5e-2, Color: 2.5e-3},
		Beta1: 0.9, Beta2: 0.999, Eps: 1e-8,
	}
}

func testGaussian() scene.Gaussian {
	return scene.Gaussian{
		Mean:         [3]float32{1, 2, 3},
		OpacityLogit: 0.5,
		Rotation:     [4]float32{1, 0, 0, 0},
		LogScale:     [3]float32{-2, -2, -2},
	}
}

// TestStationarityUnderZeroGradient is spec.md §8 property 6: zero
// gradients leave every parameter unchanged and m,v decay geometrically.
func TestStationarityUnderZeroGradient(t *testing.T) {
	g := testGaussian()
	cfg := testConfig()
	state := &State{
		MPos: [3]float32{0.1, 0.2, 0.3}, VPos: [3]float32{0.01, 0.02, 0.03},
		MOpacity: 0.4, VOpacity: 0.05,
	}
	wantMPos := [3]float32{cfg.Beta1 * state.MPos[0], cfg.Beta1 * state.MPos[1], cfg.Beta1 * state.MPos[2]}
	wantVPos := [3]float32{cfg.Beta2 * state.VPos[0], cfg.Beta2 * state.VPos[1], cfg.Beta2 * state.VPos[2]}

	out := StepOne(g, backward.GradientRecord{}, state, cfg, 1)

	for i := range g.Mean {
		if out.Mean[i] != g.Mean[i] {
			t.Errorf("Mean[%d] changed under zero gradient: %v -> %v", i, g.Mean[i], out.Mean[i])
		}
	}
	if out.OpacityLogit != g.OpacityLogit {
		t.Errorf("OpacityLogit changed under zero gradient: %v -> %v", g.OpacityLogit, out.OpacityLogit)
	}
	for i := range wantMPos {
		if math.Abs(float64(state.MPos[i]-wantMPos[i])) > 1e-6 {
			t.Errorf("MPos[%d] = %v, want %v", i, state.MPos[i], wantMPos[i])
		}
		if math.Abs(float64(state.VPos[i]-wantVPos[i])) > 1e-6 {
			t.Errorf("VPos[%d] = %v, want %v", i, state.VPos[i], wantVPos[i])
		}
	}
}

// TestSkippedWhenTileCountZero checks invisible Gaussians are left
// completely untouched, including their optimizer state.
func TestSkippedWhenTileCountZero(t *testing.T) {
	g := testGaussian()
	cfg := testConfig()
	state := &State{}
	grad := backward.GradientRecord{DMean: [3]float32{1, 1, 1}, DOpacity: 1}

	out := StepOne(g, grad, state, cfg, 0)

	if out != g {
		t.Fatalf("Gaussian changed despite tileCount==0: %+v vs %+v", out, g)
	}
	if state.MPos != [3]float32{} {
		t.Fatalf("state mutated despite tileCount==0: %+v", state.MPos)
	}
}

// TestUnitQuaternionInvariant is spec.md §8 property 9.
func TestUnitQuaternionInvariant(t *testing.T) {
	g := testGaussian()
	cfg := testConfig()
	state := &State{}
	grad := backward.GradientRecord{DQuat: [4]float32{0.3, -0.2, 0.1, 0.05}}

	out := StepOne(g, grad, state, cfg, 1)

	n := math.Sqrt(float64(out.Rotation[0]*out.Rotation[0] + out.Rotation[1]*out.Rotation[1] +
		out.Rotation[2]*out.Rotation[2] + out.Rotation[3]*out.Rotation[3]))
	if n < 1-1e-5 || n > 1+1e-5 {
		t.Fatalf("|q| = %v, want in [1-1e-5, 1+1e-5]", n)
	}
}

// TestStepSHPreservesInactiveCoefficients checks that progressive SH
// degree training leaves untrained higher-degree coefficients (and their
// Adam state) byte-for-byte unchanged.
func TestStepSHPreservesInactiveCoefficients(t *testing.T) {
	var sh scene.SH
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < scene.MaxSHCoeffs; c++ {
			sh.Coeffs[ch][c] = float32(c) * 0.1
		}
	}
	var grad [3][scene.MaxSHCoeffs]float32
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < scene.MaxSHCoeffs; c++ {
			grad[ch][c] = 1
		}
	}
	cfg := testConfig()
	state := &SHState{}

	out := StepSH(sh, grad, state, cfg, 1, 0) // degree 0: only DC term active

	for ch := 0; ch < 3; ch++ {
		if out.Coeffs[ch][0] == sh.Coeffs[ch][0] {
			t.Errorf("channel %d DC coefficient did not change", ch)
		}
		for c := 1; c < scene.MaxSHCoeffs; c++ {
			if out.Coeffs[ch][c] != sh.Coeffs[ch][c] {
				t.Errorf("channel %d coeff %d changed though inactive at degree 0: %v -> %v", ch, c, sh.Coeffs[ch][c], out.Coeffs[ch][c])
			}
			if state.M[ch][c] != 0 || state.V[ch][c] != 0 {
				t.Errorf("channel %d coeff %d optimizer state mutated though inactive", ch, c)
			}
		}
	}
}
