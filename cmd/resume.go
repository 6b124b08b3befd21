package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
	"github.com/cwbudde/gsplatforge/internal/orchestrator"
	"github.com/cwbudde/gsplatforge/internal/scene"
	"github.com/cwbudde/gsplatforge/internal/store"
	"github.com/spf13/cobra"
)

var (
	resumeServerURL   string
	resumeLocalMode   bool
	resumeDataDir     string
	resumeViewsPath   string
	resumeMaxIterations int
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume training from a checkpoint",
	Long: `Resume a training job from a saved checkpoint.

Supports two modes:
  1. Server mode (default): POST to the server's resume endpoint
  2. Local mode (--local): decode the checkpoint and continue training
     directly, without a running server`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeServerURL, "server", "http://localhost:8080", "Server URL for remote resume")
	resumeCmd.Flags().BoolVar(&resumeLocalMode, "local", false, "Resume locally instead of via server")
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Checkpoint directory (local mode)")
	resumeCmd.Flags().StringVar(&resumeViewsPath, "views", "", "Camera views path (local mode, required)")
	resumeCmd.Flags().IntVar(&resumeMaxIterations, "iters", 0, "Additional iterations to run beyond the checkpoint (0 keeps the checkpoint's original MaxIterations)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	if resumeLocalMode {
		return runResumeLocal(jobID)
	}
	return runResumeServer(jobID)
}

func runResumeServer(jobID string) error {
	url := fmt.Sprintf("%s/api/v1/jobs/%s/resume", resumeServerURL, jobID)
	slog.Info("resuming job via server", "jobID", jobID, "url", url)

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("checkpoint not found for job %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var result struct {
		JobID     string  `json:"jobId"`
		Iteration int     `json:"iteration"`
		BestLoss  float64 `json:"bestLoss"`
		N         int     `json:"n"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Job resumed\n  Job ID: %s\n  Iteration: %d\n  N: %d\n  Best loss: %f\n", result.JobID, result.Iteration, result.N, result.BestLoss)
	fmt.Printf("\nUse 'gsplatforge status %s' to monitor progress\n", result.JobID)
	return nil
}

// runResumeLocal decodes a checkpoint's packed buffers directly and
// continues training against them without a running server, mirroring the
// seam-injection approach internal/server/worker.go uses: a camera view
// source must still be supplied since camera-JSON decoding is out of this
// module's scope.
func runResumeLocal(jobID string) error {
	if resumeViewsPath == "" {
		return fmt.Errorf("resume --local requires --views")
	}

	checkpointStore, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}

	checkpoint, err := checkpointStore.LoadCheckpoint(jobID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	fmt.Printf("Loaded checkpoint:\n  Job ID: %s\n  Iteration: %d\n  N: %d\n  Best loss: %f\n  SH degree: %d\n  Checkpoint time: %s\n\n",
		checkpoint.JobID, checkpoint.Iteration, checkpoint.N, checkpoint.BestLoss, checkpoint.Config.SHDegree, checkpoint.Timestamp.Format(time.RFC3339))

	packedGaussians, err := store.DecodeGaussians(checkpoint.PackedGaussians)
	if err != nil {
		return fmt.Errorf("decode packed gaussians: %w", err)
	}
	packedSH, err := store.DecodeSH(checkpoint.PackedSH)
	if err != nil {
		return fmt.Errorf("decode packed SH: %w", err)
	}
	states, err := store.DecodeStates(checkpoint.OptimState)
	if err != nil {
		return fmt.Errorf("decode optimizer state: %w", err)
	}
	shStates, err := store.DecodeSHStates(checkpoint.SHOptimState)
	if err != nil {
		return fmt.Errorf("decode SH optimizer state: %w", err)
	}

	sc := &scene.Scene{
		N:          checkpoint.N,
		Packed:     packedGaussians,
		SHs:        packedSH,
		TileCounts: make([]uint32, checkpoint.N),
		SHDegree:   checkpoint.Config.SHDegree,
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("checkpoint produced an invalid scene: %w", err)
	}

	viewLoader := trainViewLoader(resumeViewsPath)
	viewSource, err := viewLoader()
	if err != nil {
		return err
	}
	views := viewSource.Views()
	if len(views) == 0 {
		return fmt.Errorf("resume: view source %q produced no views", resumeViewsPath)
	}
	sampler := camera.NewRandomSampler(views, checkpoint.Config.Seed)

	cfg := orchestrator.DefaultConfig()
	cfg.SHDegree = checkpoint.Config.SHDegree
	cfg.Seed = checkpoint.Config.Seed
	cfg.CheckpointDir = resumeDataDir
	if resumeMaxIterations > 0 {
		cfg.MaxIterations = checkpoint.Iteration + resumeMaxIterations
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	rt, err := clctx.Init()
	if err != nil {
		return fmt.Errorf("init OpenCL runtime: %w", err)
	}
	defer rt.Close()

	runner, err := orchestrator.NewGPUIterationRunner(rt)
	if err != nil {
		return fmt.Errorf("build GPU runner: %w", err)
	}
	defer runner.Close()

	engine, err := orchestrator.NewEngine(cfg, sc, states, shStates, runner, runner, sampler, checkpointStore, jobID)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Resuming training from iteration %d to %d...\n", checkpoint.Iteration, cfg.MaxIterations)
	start := time.Now()
	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	elapsed := time.Since(start)

	status := engine.Status()
	fmt.Printf("\nResumed training finished in %s\n  Iteration: %d\n  N: %d\n  Throughput: %.1f iters/sec\n", elapsed.Round(time.Millisecond), status.Iteration, status.N, status.ItersPerSec)
	return nil
}
