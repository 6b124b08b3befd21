package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
	"github.com/cwbudde/gsplatforge/internal/ingest"
	"github.com/cwbudde/gsplatforge/internal/orchestrator"
	"github.com/cwbudde/gsplatforge/internal/server"
	"github.com/cwbudde/gsplatforge/internal/store"
	"github.com/spf13/cobra"
)

var (
	serveAddr          string
	serveDataDir       string
	serveShutdownGrace time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the JSON/SSE job API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	serveCmd.Flags().DurationVar(&serveShutdownGrace, "shutdown-grace", 30*time.Second, "Grace period for in-flight jobs during shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	checkpointStore, err := store.NewFSStore(serveDataDir)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}

	srv := server.NewServer(serveAddr, checkpointStore, serveSceneLoader, serveViewLoader, serveNewRunner)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received", "grace", serveShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// serveSceneLoader and serveViewLoader are the decoder seams jobs created
// through the HTTP API resolve their sourcePath/viewsPath against. Neither
// PLY/COLMAP point-cloud decoding nor camera-JSON decoding lives in this
// module, so a job created against this server fails at run time with a
// named "not configured" error rather than guessing a format.
func serveSceneLoader(path string) (ingest.SceneSource, error) {
	return nil, fmt.Errorf("serve: no scene decoder registered for %q", path)
}

func serveViewLoader(path string) (camera.Source, error) {
	return nil, fmt.Errorf("serve: no camera view decoder registered for %q", path)
}

// serveNewRunner opens one OpenCL runtime and its GPUIterationRunner per
// job. Server.EngineRunner's Close() releases both.
func serveNewRunner() (server.EngineRunner, error) {
	rt, err := clctx.Init()
	if err != nil {
		return nil, fmt.Errorf("init OpenCL runtime: %w", err)
	}
	runner, err := orchestrator.NewGPUIterationRunner(rt)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build GPU runner: %w", err)
	}
	return &ownedGPURunner{rt: rt, GPUIterationRunner: runner}, nil
}

// ownedGPURunner pairs a GPUIterationRunner with the Runtime it was built
// over, so closing it releases the runtime too.
type ownedGPURunner struct {
	rt *clctx.Runtime
	*orchestrator.GPUIterationRunner
}

func (o *ownedGPURunner) Close() {
	if o == nil {
		return
	}
	o.GPUIterationRunner.Close()
	o.rt.Close()
}
