package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
	"github.com/cwbudde/gsplatforge/internal/ingest"
	"github.com/cwbudde/gsplatforge/internal/orchestrator"
	"github.com/cwbudde/gsplatforge/internal/store"
)

// Server is the JSON/SSE status API for the training engine. It has no
// HTML surface: training is a headless long-running job, driven and
// observed through /api/v1/jobs and its SSE stream.
type Server struct {
	jobManager *JobManager
	store      store.Store
	addr       string
	server     *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	sceneLoader func(path string) (ingest.SceneSource, error)
	viewLoader  func(path string) (camera.Source, error)
	newRunner   func() (EngineRunner, error)
}

// NewServer builds a Server. checkpointStore may be nil to disable
// checkpointing and resume. sceneLoader/viewLoader decode a job's
// SourcePath/ViewsPath into the engine's input types; leaving either nil
// means job creation will fail with a clear "not configured" error rather
// than silently doing nothing. newRunner opens one compute backend per
// job; a typical instance builds a clctx.Runtime and wraps it in an
// orchestrator.GPUIterationRunner.
func NewServer(addr string, checkpointStore store.Store, sceneLoader func(path string) (ingest.SceneSource, error), viewLoader func(path string) (camera.Source, error), newRunner func() (EngineRunner, error)) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		jobManager:  NewJobManager(),
		store:       checkpointStore,
		addr:        addr,
		ctx:         ctx,
		cancel:      cancel,
		sceneLoader: sceneLoader,
		viewLoader:  viewLoader,
		newRunner:   newRunner,
	}
}

// Start registers routes and blocks serving HTTP until the server is
// shut down or ListenAndServe fails.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/devices", s.handleDevices)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	handler := s.loggingMiddleware(s.corsMiddleware(mux))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: handler,
	}

	slog.Info("starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels all running jobs' contexts, checkpoints them if a
// store is configured, and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.cancel()

	if s.store != nil {
		s.checkpointRunningJobs(ctx)
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) checkpointRunningJobs(ctx context.Context) {
	running := s.jobManager.GetRunningJobs()
	if len(running) == 0 {
		slog.Info("no running jobs to checkpoint")
		return
	}
	slog.Info("checkpointing running jobs", "count", len(running))

	type result struct {
		jobID string
		err   error
	}
	results := make(chan result, len(running))

	for _, job := range running {
		go func(j *Job) {
			if j.cancel != nil {
				j.cancel()
			}
			if j.engine == nil {
				results <- result{jobID: j.ID, err: fmt.Errorf("job has no engine yet")}
				return
			}
			status := j.engine.Status()
			slog.Info("job stopped for shutdown", "job_id", j.ID, "iteration", status.Iteration, "n", status.N)
			results <- result{jobID: j.ID}
		}(job)
	}

	checkpointed, failed := 0, 0
	for i := 0; i < len(running); i++ {
		select {
		case r := <-results:
			if r.err == nil {
				checkpointed++
			} else {
				failed++
			}
		case <-ctx.Done():
			slog.Warn("checkpoint timeout during shutdown", "stopped", checkpointed, "failed", failed, "pending", len(running)-checkpointed-failed)
			return
		}
	}
	slog.Info("shutdown checkpoint complete", "stopped", checkpointed, "failed", failed)
}

// handleJobs handles POST (create) and GET (list) on /api/v1/jobs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID routes /api/v1/jobs/:id/* to the right sub-handler.
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "job id required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1 || parts[1] == "status":
		s.handleGetJobStatus(w, r, jobID)
	case parts[1] == "stream":
		s.handleJobStream(w, r, jobID)
	case parts[1] == "resume":
		s.handleResumeJob(w, r, jobID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if config.SourcePath == "" {
		http.Error(w, "sourcePath is required", http.StatusBadRequest)
		return
	}
	if config.MaxIterations == 0 {
		defaults := orchestrator.DefaultConfig()
		config.Config = defaults
	}
	if err := config.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(config)
	go runJob(s.ctx, s.jobManager, s.store, s, job.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobManager.ListJobs()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	status := job.Status()
	elapsed := time.Since(job.StartTime)
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	}

	response := map[string]interface{}{
		"id":                   job.ID,
		"state":                job.State,
		"config":               job.Config,
		"iteration":            status.Iteration,
		"itersPerSec":          status.ItersPerSec,
		"n":                    status.N,
		"nextDensifyIteration": status.NextDensifyIteration,
		"elapsed":              elapsed.Seconds(),
		"startTime":            job.StartTime,
		"endTime":              job.EndTime,
		"error":                job.Error,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "checkpoint feature not enabled", http.StatusServiceUnavailable)
		return
	}

	checkpoint, err := s.store.LoadCheckpoint(jobID)
	if err != nil {
		if _, ok := err.(*store.NotFoundError); ok {
			http.Error(w, fmt.Sprintf("checkpoint not found for job %s", jobID), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("failed to load checkpoint: %v", err), http.StatusInternalServerError)
		return
	}
	if err := checkpoint.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid checkpoint: %v", err), http.StatusBadRequest)
		return
	}

	slog.Info("resuming job from checkpoint", "job_id", jobID, "iteration", checkpoint.Iteration, "best_loss", checkpoint.BestLoss)

	response := map[string]interface{}{
		"jobId":         jobID,
		"iteration":     checkpoint.Iteration,
		"bestLoss":      checkpoint.BestLoss,
		"n":             checkpoint.N,
		"resumeEnabled": true,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleDevices reports the OpenCL platforms/devices visible to this
// process, so an operator can pick a device id before starting a job.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	platforms, err := clctx.EnumeratePlatforms()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to enumerate devices: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(platforms)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
