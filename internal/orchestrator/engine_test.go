package orchestrator

import (
	"context"
	"testing"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/densify"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// fakeRunner is a deterministic, non-GPU IterationRunner/MetricRunner used
// to exercise the engine's control flow (queue gate, EMA, densify
// scheduling, swap) without a working kernel dispatch.
type fakeRunner struct {
	metricCounts []uint32
}

func (f *fakeRunner) RunIteration(ctx context.Context, sc *scene.Scene, states []optim.State, shStates []optim.SHState, view *camera.View, cfg Config) (IterationStats, error) {
	counts := make([]uint32, sc.N)
	for i := range counts {
		counts[i] = 1
	}
	return IterationStats{Loss: 0.1, TileCounts: counts}, nil
}

func (f *fakeRunner) RunMetric(ctx context.Context, sc *scene.Scene, views []*camera.View, cfg Config) ([]uint32, error) {
	if f.metricCounts != nil {
		return f.metricCounts, nil
	}
	counts := make([]uint32, sc.N)
	for i := range counts {
		counts[i] = 1
	}
	return counts, nil
}

func testView() *camera.View {
	return &camera.View{Name: "v0", Width: 64, Height: 64, Fx: 50, Fy: 50}
}

func testScene(n int) (*scene.Scene, []optim.State, []optim.SHState) {
	sc := scene.NewScene(n, 0)
	for i := 0; i < n; i++ {
		g := scene.Gaussian{
			Mean:         [3]float32{float32(i), 0, 0},
			OpacityLogit: scene.Logit(0.5),
			Rotation:     [4]float32{1, 0, 0, 0},
			LogScale:     [3]float32{-2, -2, -2},
		}
		var sh scene.SH
		sc.Write(i, g, sh)
	}
	return sc, make([]optim.State, n), make([]optim.SHState, n)
}

func testEngine(t *testing.T, cfg Config, n int) *Engine {
	t.Helper()
	sc, states, shStates := testScene(n)
	sampler := camera.NewRandomSampler([]*camera.View{testView()}, 1)
	runner := &fakeRunner{}
	e, err := NewEngine(cfg, sc, states, shStates, runner, runner, sampler, nil, "test-job")
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestEngineStepAdvancesStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Densify.Interval = 0 // disable densify for this test
	e := testEngine(t, cfg, 4)

	if err := e.Step(context.Background(), 1); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	status := e.Status()
	if status.Iteration != 1 {
		t.Fatalf("Iteration = %d, want 1", status.Iteration)
	}
	if status.N != 4 {
		t.Fatalf("N = %d, want 4", status.N)
	}
	if status.ItersPerSec <= 0 {
		t.Fatalf("ItersPerSec = %v, want > 0", status.ItersPerSec)
	}
}

func TestEngineStatusReportsNextDensifyIteration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Densify = DensifySchedule{WarmupIterations: 2, Interval: 5}
	e := testEngine(t, cfg, 4)

	if got := e.Status().NextDensifyIteration; got != 2 {
		t.Fatalf("NextDensifyIteration = %d, want 2", got)
	}
}

func TestEngineDensifySwapChangesN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Densify = DensifySchedule{WarmupIterations: 0, Interval: 1}
	cfg.Compact.PruneOpacityThreshold = 0.9 // everything prunes
	cfg.Compact.MaxOutputBytes = 1000 * densify.PerGaussianBytes

	e := testEngine(t, cfg, 4)

	if err := e.Step(context.Background(), 1); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	status := e.Status()
	if status.N != 0 {
		t.Fatalf("N after prune-everything densify = %d, want 0", status.N)
	}
}

func TestEngineRejectsMismatchedStateLength(t *testing.T) {
	cfg := DefaultConfig()
	sc, states, shStates := testScene(4)
	states = states[:2]
	sampler := camera.NewRandomSampler([]*camera.View{testView()}, 1)
	runner := &fakeRunner{}
	_, err := NewEngine(cfg, sc, states, shStates, runner, runner, sampler, nil, "test-job")
	if err == nil {
		t.Fatal("expected error for mismatched state length")
	}
}
