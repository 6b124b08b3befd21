// Package optim implements the Adam optimizer and f16 repack stage
// (spec.md component C10): a per-parameter-group gradient-descent step on
// the f32 optimizer state, followed by a writeback into the packed f16
// store C1 and C12's scatter share.
package optim

import (
	"math"

	"github.com/cwbudde/gsplatforge/internal/scene"
)

// LearningRates bundles the five independent per-parameter-group learning
// rates spec.md §4.10 names: position, rotation, log-scale, opacity-logit,
// and SH color.
type LearningRates struct {
	Pos     float32
	Rot     float32
	Scale   float32
	Opacity float32
	Color   float32
}

// Config holds the shared Adam hyperparameters plus the per-group rates.
// Bias correction is deliberately not part of this type: spec.md §9
// resolves the open question by leaving it unused, "to match simpler
// implementations".
type Config struct {
	LR                LearningRates
	Beta1, Beta2, Eps float32
}

// State is the f32 Adam state for one Gaussian's geometric parameters
// (position, rotation, log-scale, opacity-logit). SH color state is held
// separately in SHState since its width depends on the active SH degree.
type State struct {
	MPos, VPos         [3]float32
	MRot, VRot         [4]float32
	MScale, VScale     [3]float32
	MOpacity, VOpacity float32
}

// SHState is the f32 Adam state for one Gaussian's SH color coefficients,
// channel-major like scene.SH.
type SHState struct {
	M, V [3][scene.MaxSHCoeffs]float32
}

// adamStep applies one step of m <- b1*m + (1-b1)*g; v <- b2*v + (1-b2)*g^2;
// theta <- theta - lr*m/(sqrt(v)+eps), in place on m and v, returning the
// updated parameter value (spec.md §4.10's formula, no bias correction).
func adamStep(theta, g float32, m, v *float32, lr, b1, b2, eps float32) float32 {
	*m = b1*(*m) + (1-b1)*g
	*v = b2*(*v) + (1-b2)*g*g
	return theta - lr*(*m)/(sqrtf32(*v)+eps)
}

func sqrtf32(x float32) float32 { return float32(math.Sqrt(float64(x))) }
