package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/ingest"
	"github.com/cwbudde/gsplatforge/internal/orchestrator"
	"github.com/cwbudde/gsplatforge/internal/scene"
	"github.com/cwbudde/gsplatforge/internal/store"
	"github.com/spf13/cobra"
)

var (
	trainSourcePath     string
	trainViewsPath      string
	trainMaxIterations  int
	trainSHDegree       int
	trainSeed           int64
	trainCheckpointDir  string
	trainCheckpointEach int
	trainMaxInFlight    int
	trainCPUProfile     string
	trainMemProfile     string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a scene locally against the GPU pipeline, without the HTTP server",
	RunE:  runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&trainSourcePath, "source", "", "Point cloud / scene source path (required)")
	trainCmd.Flags().StringVar(&trainViewsPath, "views", "", "Camera views path (required)")
	trainCmd.Flags().IntVar(&trainMaxIterations, "iters", orchestrator.DefaultConfig().MaxIterations, "Max training iterations")
	trainCmd.Flags().IntVar(&trainSHDegree, "sh-degree", orchestrator.DefaultConfig().SHDegree, "Active spherical-harmonic degree (0-3)")
	trainCmd.Flags().Int64Var(&trainSeed, "seed", orchestrator.DefaultConfig().Seed, "Random seed")
	trainCmd.Flags().StringVar(&trainCheckpointDir, "checkpoint-dir", "./data", "Directory checkpoints are written under")
	trainCmd.Flags().IntVar(&trainCheckpointEach, "checkpoint-interval", 0, "Checkpoint every N iterations (0 disables)")
	trainCmd.Flags().IntVar(&trainMaxInFlight, "max-in-flight", orchestrator.DefaultConfig().MaxInFlight, "Queue depth of in-flight iterations")
	trainCmd.Flags().StringVar(&trainCPUProfile, "cpuprofile", "", "Write CPU profile to file")
	trainCmd.Flags().StringVar(&trainMemProfile, "memprofile", "", "Write memory profile to file")

	trainCmd.MarkFlagRequired("source")
	trainCmd.MarkFlagRequired("views")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	if trainCPUProfile != "" {
		f, err := os.Create(trainCPUProfile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}
	if trainMemProfile != "" {
		defer func() {
			f, err := os.Create(trainMemProfile)
			if err != nil {
				slog.Error("create mem profile", "error", err)
				return
			}
			defer f.Close()
			pprof.WriteHeapProfile(f)
		}()
	}

	cfg := orchestrator.DefaultConfig()
	cfg.MaxIterations = trainMaxIterations
	cfg.SHDegree = trainSHDegree
	cfg.Seed = trainSeed
	cfg.MaxInFlight = trainMaxInFlight
	cfg.CheckpointInterval = trainCheckpointEach
	cfg.CheckpointDir = trainCheckpointDir
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	sourceLoader := trainSceneLoader(trainSourcePath)
	source, err := sourceLoader()
	if err != nil {
		return err
	}
	n, shDegree, gaussians, shs, err := source.Load()
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}
	cfg.SHDegree = shDegree

	sc := scene.NewScene(n, shDegree)
	for i := 0; i < n; i++ {
		sc.Write(i, gaussians[i], shs[i])
	}
	states := make([]optim.State, n)
	shStates := make([]optim.SHState, n)

	viewLoader := trainViewLoader(trainViewsPath)
	viewSource, err := viewLoader()
	if err != nil {
		return err
	}
	views := viewSource.Views()
	if len(views) == 0 {
		return fmt.Errorf("train: view source %q produced no views", trainViewsPath)
	}
	sampler := camera.NewRandomSampler(views, cfg.Seed)

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

	checkpointStore, err := store.NewFSStore(trainCheckpointDir)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}

	jobID := "local"
	engine, err := orchestrator.NewEngine(cfg, sc, states, shStates, runner, runner, sampler, checkpointStore, jobID)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("training started", "n", n, "shDegree", shDegree, "views", len(views), "maxIterations", cfg.MaxIterations)
	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("training: %w", err)
	}

	status := engine.Status()
	slog.Info("training finished", "iteration", status.Iteration, "n", status.N, "itersPerSec", status.ItersPerSec)
	return nil
}

// trainSceneLoader and trainViewLoader are the seams PLY/COLMAP/camera-JSON
// decoders plug into. None of those decoders live in this module (see
// internal/ingest and internal/camera doc comments), so this command fails
// the run with a named error instead of guessing a format.
func trainSceneLoader(path string) func() (ingest.SceneSource, error) {
	return func() (ingest.SceneSource, error) {
		return nil, fmt.Errorf("train: no scene decoder registered for %q (point-cloud/PLY/COLMAP decoding is out of this module's scope)", path)
	}
}

func trainViewLoader(path string) func() (camera.Source, error) {
	return func() (camera.Source, error) {
		return nil, fmt.Errorf("train: no camera view decoder registered for %q (camera-JSON decoding is out of this module's scope)", path)
	}
}
