package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/densify"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/scene"
	"github.com/cwbudde/gsplatforge/internal/store"
)

// Engine is the sequential state machine spec.md §4.13 and §5 describe: it
// owns the scene, the per-Gaussian Adam state, and the queue gate, and
// drives the per-iteration pipeline plus the densify/prune schedule. Only
// one goroutine may call Step/Run at a time; Status is safe to call
// concurrently with either.
type Engine struct {
	cfg    Config
	runner IterationRunner
	metric MetricRunner
	views  *camera.RandomSampler
	store  store.Store
	jobID  string

	mu       sync.Mutex
	scene    *scene.Scene
	states   []optim.State
	shStates []optim.SHState

	gate   *QueueGate
	status statusTracker
}

// NewEngine constructs an Engine over an already-loaded scene and its
// parallel Adam state, sized from cfg.MaxBufferBytes if the caller left
// Compact.MaxOutputBytes unset.
func NewEngine(cfg Config, sc *scene.Scene, states []optim.State, shStates []optim.SHState, runner IterationRunner, metricRunner MetricRunner, views *camera.RandomSampler, checkpointStore store.Store, jobID string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if len(states) != sc.N || len(shStates) != sc.N {
		return nil, fmt.Errorf("orchestrator: optimizer state length mismatch: states=%d shStates=%d N=%d", len(states), len(shStates), sc.N)
	}
	if cfg.Compact.MaxOutputBytes == 0 {
		cfg.Compact.MaxOutputBytes = cfg.MaxBufferBytes
	}

	e := &Engine{
		cfg:      cfg,
		runner:   runner,
		metric:   metricRunner,
		views:    views,
		store:    checkpointStore,
		jobID:    jobID,
		scene:    sc,
		states:   states,
		shStates: shStates,
		gate:     NewQueueGate(cfg.MaxInFlight),
	}
	e.status.setNextDensifyIteration(cfg.Densify.Next(0))
	e.status.recordIteration(0, 0, sc.N)
	return e, nil
}

// Status returns the current status snapshot (spec.md §6).
func (e *Engine) Status() Status {
	return e.status.snapshot()
}

// Run drives iterations 1..cfg.MaxIterations to completion or until ctx is
// cancelled, checkpointing on cfg.CheckpointInterval if a store was
// supplied.
func (e *Engine) Run(ctx context.Context) error {
	for iter := e.status.snapshot().Iteration + 1; iter <= e.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Step(ctx, iter); err != nil {
			return err
		}
		if e.store != nil && e.cfg.CheckpointInterval > 0 && iter%e.cfg.CheckpointInterval == 0 {
			if err := e.checkpoint(iter); err != nil {
				slog.Warn("checkpoint failed", "jobID", e.jobID, "iteration", iter, "error", err)
			}
		}
	}
	return nil
}

// Step runs exactly one training iteration, submitting it through the
// queue gate and, on the densify schedule, running the compaction pass
// after waiting for the queue to drain (spec.md §4.13, §5's swap rule).
func (e *Engine) Step(ctx context.Context, iteration int) error {
	start := time.Now()

	if err := e.gate.Submit(ctx); err != nil {
		return fmt.Errorf("orchestrator: queue submit: %w", err)
	}

	e.mu.Lock()
	sc := e.scene
	states := e.states
	shStates := e.shStates
	view := e.views.Next()
	e.mu.Unlock()

	if view == nil {
		e.gate.Release()
		return fmt.Errorf("orchestrator: no training views available")
	}

	stats, err := e.runner.RunIteration(ctx, sc, states, shStates, view, e.cfg)
	e.gate.Release()
	if err != nil {
		return fmt.Errorf("orchestrator: iteration %d: %w", iteration, err)
	}

	e.mu.Lock()
	sc.TileCounts = stats.TileCounts
	n := sc.N
	e.mu.Unlock()

	e.status.recordIteration(iteration, time.Since(start).Seconds(), n)

	if e.cfg.Densify.Active(iteration) {
		if err := e.densifyAndSwap(ctx, iteration); err != nil {
			return fmt.Errorf("orchestrator: densify at iteration %d: %w", iteration, err)
		}
	}
	e.status.setNextDensifyIteration(e.cfg.Densify.Next(iteration + 1))

	return nil
}

// densifyAndSwap runs the K-view metric pass (C11), decides per-Gaussian
// actions (C12), and publishes the rebuilt scene and optimizer state only
// after the queue has fully drained — the swap-safety property (spec.md §4
// .13, §5 property 10: "between queue.idle() and the next submission, the
// old packed store and optimizer state are not referenced by any command
// buffer").
func (e *Engine) densifyAndSwap(ctx context.Context, iteration int) error {
	views := e.views.SampleK(e.cfg.Metric.Views)

	e.mu.Lock()
	sc := e.scene
	e.mu.Unlock()

	counts, err := e.metric.RunMetric(ctx, sc, views, e.cfg)
	if err != nil {
		return fmt.Errorf("metric pass: %w", err)
	}

	if err := e.gate.WaitIdle(ctx); err != nil {
		return fmt.Errorf("waiting for queue idle before swap: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	gaussians := make([]scene.Gaussian, sc.N)
	shs := make([]scene.SH, sc.N)
	for i := 0; i < sc.N; i++ {
		gaussians[i], shs[i] = sc.Read(i)
	}

	actions, perActionCounts := densify.DecideAll(gaussians, counts, e.cfg.Compact)
	offsets := exclusiveScanHost(perActionCounts)
	finalOffsets, total := densify.Cap(actions, perActionCounts, offsets, e.cfg.Compact.MaxOutPoints())

	inputs := make([]densify.ScatterInput, sc.N)
	for i := range inputs {
		inputs[i] = densify.ScatterInput{Gaussian: gaussians[i], SH: shs[i], State: e.states[i], SHState: e.shStates[i]}
	}

	rng := newDensifyRNG(e.cfg.Seed, iteration)
	out := densify.Scatter(inputs, actions, finalOffsets, total, e.cfg.Compact, rng)

	newScene := scene.NewScene(total, sc.SHDegree)
	for i := 0; i < total; i++ {
		newScene.Write(i, out.Gaussians[i], out.SHs[i])
	}

	e.scene = newScene
	e.states = out.States
	e.shStates = out.SHStates

	slog.Info("densify/prune swap", "jobID", e.jobID, "iteration", iteration, "n_before", sc.N, "n_after", total)
	return nil
}

// checkpoint saves the engine's current state under e.jobID.
func (e *Engine) checkpoint(iteration int) error {
	e.mu.Lock()
	sc := e.scene
	states := append([]optim.State(nil), e.states...)
	shStates := append([]optim.SHState(nil), e.shStates...)
	e.mu.Unlock()

	cp, err := store.NewCheckpoint(e.jobID, sc.Packed, sc.SHs, states, shStates, iteration, 0, store.JobConfig{SHDegree: sc.SHDegree, Seed: e.cfg.Seed})
	if err != nil {
		return err
	}
	return e.store.SaveCheckpoint(e.jobID, cp)
}
