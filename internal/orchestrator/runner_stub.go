//go:build !gpu

package orchestrator

import (
	"context"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// RunIteration reports the backend as unavailable: the sub-Runners built
// into GPUIterationRunner are all no-op stubs without the gpu build tag,
// so there is no dispatch to wire here. Build with -tags gpu for a working
// training loop; see runner_gpu.go for the real pipeline.
func (r *GPUIterationRunner) RunIteration(ctx context.Context, sc *scene.Scene, states []optim.State, shStates []optim.SHState, view *camera.View, cfg Config) (IterationStats, error) {
	return IterationStats{}, gpu.ErrBackendUnavailable
}

// RunMetric has the same stub status as RunIteration.
func (r *GPUIterationRunner) RunMetric(ctx context.Context, sc *scene.Scene, views []*camera.View, cfg Config) ([]uint32, error) {
	return nil, gpu.ErrBackendUnavailable
}
