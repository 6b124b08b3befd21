//go:build !gpu

package densify

import (
	"github.com/cwbudde/gsplatforge/internal/gpu"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
)

// Runner is the non-GPU placeholder built when the gpu tag is absent.
type Runner struct{}

// NewRunner always fails; build with -tags gpu for a working Decide kernel.
func NewRunner(rt *clctx.Runtime) (*Runner, error) {
	return nil, gpu.ErrBackendUnavailable
}

// Close is a no-op on the stub.
func (r *Runner) Close() {}
