package server

import "testing"

func TestJobManagerCreateAndGet(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{SourcePath: "scene.ply"})

	got, exists := jm.GetJob(job.ID)
	if !exists {
		t.Fatal("expected job to exist")
	}
	if got.State != StatePending {
		t.Fatalf("State = %v, want %v", got.State, StatePending)
	}
	if got.Config.SourcePath != "scene.ply" {
		t.Fatalf("SourcePath = %q, want %q", got.Config.SourcePath, "scene.ply")
	}
}

func TestJobManagerListJobs(t *testing.T) {
	jm := NewJobManager()
	jm.CreateJob(JobConfig{SourcePath: "a.ply"})
	jm.CreateJob(JobConfig{SourcePath: "b.ply"})

	if got := len(jm.ListJobs()); got != 2 {
		t.Fatalf("ListJobs() length = %d, want 2", got)
	}
}

func TestJobManagerUpdateJobUnknownID(t *testing.T) {
	jm := NewJobManager()
	err := jm.UpdateJob("missing", func(j *Job) {})
	if err == nil {
		t.Fatal("expected error updating unknown job")
	}
}

func TestJobManagerGetRunningJobs(t *testing.T) {
	jm := NewJobManager()
	pending := jm.CreateJob(JobConfig{SourcePath: "a.ply"})
	running := jm.CreateJob(JobConfig{SourcePath: "b.ply"})

	if err := jm.UpdateJob(running.ID, func(j *Job) { j.State = StateRunning }); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	got := jm.GetRunningJobs()
	if len(got) != 1 || got[0].ID != running.ID {
		t.Fatalf("GetRunningJobs() = %+v, want only %s", got, running.ID)
	}
	_ = pending
}

func TestJobStatusBeforeEngineAttached(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{SourcePath: "a.ply"})
	if status := job.Status(); status.Iteration != 0 || status.N != 0 {
		t.Fatalf("Status() before engine attach = %+v, want zero value", status)
	}
}

func TestAttachEngineUnknownJob(t *testing.T) {
	jm := NewJobManager()
	if err := jm.attachEngine("missing", nil, nil); err == nil {
		t.Fatal("expected error attaching engine to unknown job")
	}
}
