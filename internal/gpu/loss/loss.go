// Package loss implements the loss kernel (spec.md component C7): the
// per-pixel analytic gradient of lambda1*L1 + lambda2*L2 + lambda_dssim*DSSIM
// between a rendered image and its reference target.
package loss

import "fmt"

// Weights holds the per-term loss weights and the DSSIM stability
// constants (spec.md §6's lambda_{l1,l2,dssim}, c1, c2).
type Weights struct {
	L1     float32
	L2     float32
	DSSIM  float32
	C1, C2 float32
}

// WindowSize is the DSSIM box-filter window (spec.md §4.7).
const WindowSize = 5

// Validate warns (via the returned string) rather than errors when the
// weights don't sum to 1, matching spec.md §4.7: "sums need not equal 1; a
// warning is raised by the orchestrator if they differ."
func (w Weights) Validate() (warning string, err error) {
	if w.L1 < 0 || w.L2 < 0 || w.DSSIM < 0 {
		return "", fmt.Errorf("loss: weights must be non-negative, got %+v", w)
	}
	sum := w.L1 + w.L2 + w.DSSIM
	if sum < 0.999 || sum > 1.001 {
		return fmt.Sprintf("loss weights sum to %.4f, not 1.0", sum), nil
	}
	return "", nil
}
