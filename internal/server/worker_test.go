package server

import (
	"context"
	"testing"
	"time"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/ingest"
	"github.com/cwbudde/gsplatforge/internal/orchestrator"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

type fakeSceneSource struct{ n int }

func (f fakeSceneSource) Load() (int, int, []scene.Gaussian, []scene.SH, error) {
	gaussians := make([]scene.Gaussian, f.n)
	shs := make([]scene.SH, f.n)
	for i := range gaussians {
		gaussians[i] = scene.Gaussian{Rotation: [4]float32{1, 0, 0, 0}}
	}
	return f.n, 0, gaussians, shs, nil
}

type fakeViewSource struct{ views []*camera.View }

func (f fakeViewSource) Views() []*camera.View { return f.views }

type fakeEngineRunner struct{ closed bool }

func (f *fakeEngineRunner) RunIteration(ctx context.Context, sc *scene.Scene, states []optim.State, shStates []optim.SHState, view *camera.View, cfg orchestrator.Config) (orchestrator.IterationStats, error) {
	counts := make([]uint32, sc.N)
	for i := range counts {
		counts[i] = 1
	}
	return orchestrator.IterationStats{Loss: 0.1, TileCounts: counts}, nil
}

func (f *fakeEngineRunner) RunMetric(ctx context.Context, sc *scene.Scene, views []*camera.View, cfg orchestrator.Config) ([]uint32, error) {
	counts := make([]uint32, sc.N)
	for i := range counts {
		counts[i] = 1
	}
	return counts, nil
}

func (f *fakeEngineRunner) Close() { f.closed = true }

func testServer(t *testing.T, n int) *Server {
	t.Helper()
	return NewServer(
		"127.0.0.1:0",
		nil,
		func(path string) (ingest.SceneSource, error) {
			return fakeSceneSource{n: n}, nil
		},
		func(path string) (camera.Source, error) {
			return fakeViewSource{views: []*camera.View{{Name: "v0", Width: 8, Height: 8}}}, nil
		},
		func() (EngineRunner, error) { return &fakeEngineRunner{}, nil },
	)
}

func TestRunJobCompletesSuccessfully(t *testing.T) {
	s := testServer(t, 4)
	cfg := orchestrator.DefaultConfig()
	cfg.MaxIterations = 2
	cfg.Densify.Interval = 0

	job := s.jobManager.CreateJob(JobConfig{SourcePath: "scene.ply", ViewsPath: "views.json", Config: cfg})

	if err := runJob(context.Background(), s.jobManager, s.store, s, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	got, _ := s.jobManager.GetJob(job.ID)
	if got.State != StateCompleted {
		t.Fatalf("State = %v, want %v", got.State, StateCompleted)
	}
	if got.Status().Iteration != 2 {
		t.Fatalf("final Iteration = %d, want 2", got.Status().Iteration)
	}
}

func TestRunJobFailsWithoutSceneLoader(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil, nil, func() (EngineRunner, error) { return &fakeEngineRunner{}, nil })
	cfg := orchestrator.DefaultConfig()
	job := s.jobManager.CreateJob(JobConfig{SourcePath: "scene.ply", Config: cfg})

	if err := runJob(context.Background(), s.jobManager, s.store, s, job.ID); err == nil {
		t.Fatal("expected error with no scene loader configured")
	}
	got, _ := s.jobManager.GetJob(job.ID)
	if got.State != StateFailed {
		t.Fatalf("State = %v, want %v", got.State, StateFailed)
	}
}

func TestRunJobCancellation(t *testing.T) {
	s := testServer(t, 4)
	cfg := orchestrator.DefaultConfig()
	cfg.MaxIterations = 1000000
	cfg.Densify.Interval = 0

	job := s.jobManager.CreateJob(JobConfig{SourcePath: "scene.ply", ViewsPath: "views.json", Config: cfg})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := runJob(ctx, s.jobManager, s.store, s, job.ID)
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	got, _ := s.jobManager.GetJob(job.ID)
	if got.State != StateCancelled {
		t.Fatalf("State = %v, want %v", got.State, StateCancelled)
	}
}
