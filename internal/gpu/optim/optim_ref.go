package optim

import (
	"github.com/cwbudde/gsplatforge/internal/gpu/backward"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// StepOne applies one Adam step to a single Gaussian's geometric
// parameters in place on state, returning the updated, renormalized
// Gaussian. If tileCount == 0 the Gaussian contributed to no pixel this
// iteration and spec.md §4.10 requires it be skipped untouched.
func StepOne(g scene.Gaussian, grad backward.GradientRecord, state *State, cfg Config, tileCount int) scene.Gaussian {
	if tileCount == 0 {
		return g
	}

	out := g
	for i := 0; i < 3; i++ {
		out.Mean[i] = adamStep(g.Mean[i], grad.DMean[i], &state.MPos[i], &state.VPos[i], cfg.LR.Pos, cfg.Beta1, cfg.Beta2, cfg.Eps)
	}
	for i := 0; i < 4; i++ {
		out.Rotation[i] = adamStep(g.Rotation[i], grad.DQuat[i], &state.MRot[i], &state.VRot[i], cfg.LR.Rot, cfg.Beta1, cfg.Beta2, cfg.Eps)
	}
	for i := 0; i < 3; i++ {
		out.LogScale[i] = adamStep(g.LogScale[i], grad.DLogS[i], &state.MScale[i], &state.VScale[i], cfg.LR.Scale, cfg.Beta1, cfg.Beta2, cfg.Eps)
	}
	out.OpacityLogit = adamStep(g.OpacityLogit, grad.DOpacity, &state.MOpacity, &state.VOpacity, cfg.LR.Opacity, cfg.Beta1, cfg.Beta2, cfg.Eps)

	out.Rotation = normalizeQuat(out.Rotation)
	return out
}

func normalizeQuat(q [4]float32) [4]float32 {
	n := sqrtf32(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return [4]float32{1, 0, 0, 0}
	}
	return [4]float32{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// activeSHCoeffs returns how many of the MaxSHCoeffs per-channel
// coefficients are driven by the current (possibly progressive) SH degree.
func activeSHCoeffs(shDegree int) int {
	switch shDegree {
	case 0:
		return 1
	case 1:
		return 4
	case 2:
		return 9
	default:
		return scene.MaxSHCoeffs
	}
}

// StepSH applies Adam to the SH coefficients that are active at the given
// degree, leaving higher-degree coefficients (and their state) untouched —
// spec.md §4.10's "DC SH writeback uses read-modify-write... to preserve
// adjacent coefficients" generalized to whichever coefficients are not yet
// being trained under progressive SH degree.
func StepSH(sh scene.SH, shGrad [3][scene.MaxSHCoeffs]float32, state *SHState, cfg Config, tileCount int, shDegree int) scene.SH {
	if tileCount == 0 {
		return sh
	}
	out := sh
	active := activeSHCoeffs(shDegree)
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < active; c++ {
			out.Coeffs[ch][c] = adamStep(sh.Coeffs[ch][c], shGrad[ch][c], &state.M[ch][c], &state.V[ch][c], cfg.LR.Color, cfg.Beta1, cfg.Beta2, cfg.Eps)
		}
	}
	return out
}
