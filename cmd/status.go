package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusServerURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query job status from a running server",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServerURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(fmt.Sprintf("%s/api/v1/jobs", statusServerURL))
	}
	jobID := args[0]
	return getJobStatus(fmt.Sprintf("%s/api/v1/jobs/%s/status", statusServerURL, jobID), jobID)
}

func listJobs(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Printf("Job ID: %s\n", job["id"])
		fmt.Printf("  State: %s\n", job["state"])
		if cfg, ok := job["config"].(map[string]interface{}); ok {
			fmt.Printf("  Source: %v\n", cfg["sourcePath"])
			fmt.Printf("  SH Degree: %v\n", cfg["SHDegree"])
		}
		fmt.Println()
	}

	return nil
}

func getJobStatus(url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Job: %s\n", status["id"])
	fmt.Printf("State: %s\n", status["state"])
	fmt.Println()

	if cfg, ok := status["config"].(map[string]interface{}); ok {
		fmt.Println("Configuration:")
		fmt.Printf("  Source: %v\n", cfg["sourcePath"])
		fmt.Printf("  Views: %v\n", cfg["viewsPath"])
		fmt.Printf("  SH Degree: %v\n", cfg["SHDegree"])
		fmt.Printf("  Max Iterations: %v\n", cfg["MaxIterations"])
		fmt.Println()
	}

	fmt.Println("Progress:")
	fmt.Printf("  Iteration: %v\n", status["iteration"])
	fmt.Printf("  Gaussians: %v\n", status["n"])
	if itersPerSec, ok := status["itersPerSec"].(float64); ok && itersPerSec > 0 {
		fmt.Printf("  Throughput: %.1f iters/sec\n", itersPerSec)
	}
	if next, ok := status["nextDensifyIteration"].(float64); ok && next > 0 {
		fmt.Printf("  Next densify/prune at iteration: %.0f\n", next)
	}
	if elapsed, ok := status["elapsed"].(float64); ok {
		fmt.Printf("  Elapsed: %s\n", time.Duration(elapsed*float64(time.Second)).Round(time.Millisecond))
	}
	if errStr, ok := status["error"].(string); ok && errStr != "" {
		fmt.Printf("\nError: %s\n", errStr)
	}

	return nil
}
