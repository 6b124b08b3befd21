package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/orchestrator"
	"github.com/cwbudde/gsplatforge/internal/scene"
	"github.com/cwbudde/gsplatforge/internal/store"
)

// runJob loads the scene and views a job names, builds an orchestrator.Engine
// around them, and drives it to completion or cancellation, broadcasting
// progress over the job manager's event stream as it goes.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, s *Server, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}

	slog.Info("starting job", "job_id", jobID, "source", job.Config.SourcePath)

	if s.sceneLoader == nil {
		err := fmt.Errorf("no scene decoder configured for this server")
		markJobFailed(jm, jobID, err)
		return err
	}
	if s.viewLoader == nil {
		err := fmt.Errorf("no view decoder configured for this server")
		markJobFailed(jm, jobID, err)
		return err
	}

	source, err := s.sceneLoader(job.Config.SourcePath)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("open scene source: %w", err))
		return err
	}
	n, shDegree, gaussians, shs, err := source.Load()
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("decode scene: %w", err))
		return err
	}

	viewSource, err := s.viewLoader(job.Config.ViewsPath)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("open view source: %w", err))
		return err
	}
	views := viewSource.Views()
	if len(views) == 0 {
		err := fmt.Errorf("view source returned no views")
		markJobFailed(jm, jobID, err)
		return err
	}

	sc := scene.NewScene(n, shDegree)
	for i := 0; i < n; i++ {
		sc.Write(i, gaussians[i], shs[i])
	}
	states := make([]optim.State, n)
	shStates := make([]optim.SHState, n)

	sampler := camera.NewRandomSampler(views, job.Config.Seed)

	runner, err := s.newRunner()
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("init compute backend: %w", err))
		return err
	}
	defer runner.Close()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine, err := orchestrator.NewEngine(job.Config.Config, sc, states, shStates, runner, runner, sampler, checkpointStore, jobID)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("init engine: %w", err))
		return err
	}
	if err := jm.attachEngine(jobID, engine, cancel); err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	progressDone := make(chan struct{})
	go monitorProgress(jobCtx, jm, jobID, progressDone)

	runErr := engine.Run(jobCtx)
	close(progressDone)

	if runErr != nil {
		if jobCtx.Err() != nil {
			markJobCancelled(jm, jobID)
			return runErr
		}
		markJobFailed(jm, jobID, runErr)
		return runErr
	}

	endTime := time.Now()
	status := engine.Status()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.EndTime = &endTime
	})

	slog.Info("job completed", "job_id", jobID, "iteration", status.Iteration, "n", status.N)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:       jobID,
		State:       StateCompleted,
		Iteration:   status.Iteration,
		ItersPerSec: status.ItersPerSec,
		N:           status.N,
		Timestamp:   time.Now(),
	})
	return nil
}

// monitorProgress periodically broadcasts the engine's live status until
// done is closed or ctx is cancelled.
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			status := job.Status()
			jm.broadcaster.Broadcast(ProgressEvent{
				JobID:                jobID,
				State:                job.State,
				Iteration:            status.Iteration,
				ItersPerSec:          status.ItersPerSec,
				N:                    status.N,
				NextDensifyIteration: status.NextDensifyIteration,
				Timestamp:            time.Now(),
			})
		}
	}
}

func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("job failed", "job_id", jobID, "error", err)
}

func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("job cancelled", "job_id", jobID)
}
