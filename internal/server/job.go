package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cwbudde/gsplatforge/internal/orchestrator"
	"github.com/google/uuid"
)

// JobState is the lifecycle state of a training job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// JobConfig is what a client submits to start a training job: the scene
// source plus every orchestrator knob that governs the run.
type JobConfig struct {
	SourcePath string `json:"sourcePath"`
	ViewsPath  string `json:"viewsPath"`
	orchestrator.Config
}

// Job tracks one training run. The engine field is set once runJob has
// loaded the scene and built the orchestrator.Engine; until then Status
// reports zero values.
type Job struct {
	ID        string     `json:"id"`
	State     JobState   `json:"state"`
	Config    JobConfig  `json:"config"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`

	engine *orchestrator.Engine
	cancel context.CancelFunc
}

// Status returns the job's live training status, or the zero Status if the
// engine has not been attached yet (job still pending).
func (j *Job) Status() orchestrator.Status {
	if j.engine == nil {
		return orchestrator.Status{}
	}
	return j.engine.Status()
}

// JobManager owns the set of jobs known to the server and the SSE
// broadcaster that reports their progress.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates an empty JobManager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a new pending job.
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}
	jm.jobs[job.ID] = job
	return job
}

// GetJob retrieves a job by ID.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, exists := jm.jobs[id]
	return job, exists
}

// ListJobs returns all known jobs.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// UpdateJob atomically mutates a job.
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state.
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	running := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			running = append(running, job)
		}
	}
	return running
}

// attachEngine records the engine and cancel func a running job is using,
// so Status() and shutdown checkpointing can reach it.
func (jm *JobManager) attachEngine(id string, engine *orchestrator.Engine, cancel context.CancelFunc) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	job.engine = engine
	job.cancel = cancel
	return nil
}
