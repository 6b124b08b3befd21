package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cwbudde/gsplatforge/internal/orchestrator"
)

func TestHandleCreateJobRejectsEmptySourcePath(t *testing.T) {
	s := testServer(t, 4)
	body, _ := json.Marshal(JobConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleCreateJobAcceptsValidConfig(t *testing.T) {
	s := testServer(t, 4)
	cfg := orchestrator.DefaultConfig()
	cfg.MaxIterations = 2
	body, _ := json.Marshal(JobConfig{SourcePath: "scene.ply", ViewsPath: "views.json", Config: cfg})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateJob(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}

	var job Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a non-empty job id")
	}
}

func TestHandleListJobsReturnsAllJobs(t *testing.T) {
	s := testServer(t, 4)
	s.jobManager.CreateJob(JobConfig{SourcePath: "a.ply"})
	s.jobManager.CreateJob(JobConfig{SourcePath: "b.ply"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()
	s.handleListJobs(w, req)

	var jobs []Job
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
}

func TestHandleGetJobStatusNotFound(t *testing.T) {
	s := testServer(t, 4)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing/status", nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, "missing")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleResumeJobWithoutStore(t *testing.T) {
	s := testServer(t, 4)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job1/resume", nil)
	w := httptest.NewRecorder()

	s.handleResumeJob(w, req, "job1")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleDevicesReportsBackendUnavailableWithoutGPUBuild(t *testing.T) {
	s := testServer(t, 4)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w := httptest.NewRecorder()

	s.handleDevices(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d (no gpu build tag in test run)", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleJobsWithIDRoutesUnknownSuffixToNotFound(t *testing.T) {
	s := testServer(t, 4)
	job := s.jobManager.CreateJob(JobConfig{SourcePath: "a.ply"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/bogus", nil)
	w := httptest.NewRecorder()
	s.handleJobsWithID(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
