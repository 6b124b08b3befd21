package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FSStore is a Store backed by the local filesystem. Each job gets its own
// directory holding a single checkpoint.json; saves are atomic via a
// temp-file-then-rename so a crash mid-write never leaves a corrupt
// checkpoint behind.
type FSStore struct {
	baseDir string
}

// NewFSStore creates an FSStore rooted at baseDir, creating the jobs/
// subdirectory if it does not already exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	jobsDir := filepath.Join(baseDir, "jobs")
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating jobs directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) jobDir(jobID string) string {
	return filepath.Join(s.baseDir, "jobs", jobID)
}

func (s *FSStore) checkpointPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "checkpoint.json")
}

// SaveCheckpoint writes checkpoint to disk atomically: it marshals to a
// temp file in the job directory, then renames over the final path so
// concurrent LoadCheckpoint calls never observe a partial write.
func (s *FSStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.checkpointPath(jobID)); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	slog.Debug("saved checkpoint", "jobID", jobID, "iteration", checkpoint.Iteration, "n", checkpoint.N)
	return nil
}

// LoadCheckpoint reads and validates the checkpoint for jobID.
func (s *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	path := s.checkpointPath(jobID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("stating checkpoint: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// ListCheckpoints returns metadata for every job with a saved checkpoint,
// skipping and logging any entry that fails to load rather than failing
// the whole listing.
func (s *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	jobsDir := filepath.Join(s.baseDir, "jobs")
	entries, err := os.ReadDir(jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading jobs directory: %w", err)
	}

	infos := make([]CheckpointInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		checkpoint, err := s.LoadCheckpoint(jobID)
		if err != nil {
			var notFound *NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			slog.Warn("skipping corrupted checkpoint", "jobID", jobID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}
	return infos, nil
}

// DeleteCheckpoint removes the job directory and all its contents.
func (s *FSStore) DeleteCheckpoint(jobID string) error {
	dir := s.jobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{JobID: jobID}
		}
		return fmt.Errorf("stating job directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing job directory: %w", err)
	}
	return nil
}

var _ Store = (*FSStore)(nil)
