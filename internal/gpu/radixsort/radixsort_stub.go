//go:build !gpu

package radixsort

import (
	"github.com/cwbudde/gsplatforge/internal/gpu"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
)

// Runner is the non-GPU placeholder built when the gpu tag is absent.
type Runner struct{}

// NewRunner always fails; build with -tags gpu for a working sorter.
func NewRunner(rt *clctx.Runtime) (*Runner, error) {
	return nil, gpu.ErrBackendUnavailable
}

// Close is a no-op on the stub.
func (r *Runner) Close() {}

// Sort always fails on the stub backend.
func (r *Runner) Sort(keys, values []uint32) ([]uint32, []uint32, error) {
	return nil, nil, gpu.ErrBackendUnavailable
}
