package main

import (
	"testing"
	"time"

	"github.com/cwbudde/gsplatforge/internal/store"
)

func TestSelectCheckpointsForDeletionByAge(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 0, 7)
	if len(toDelete) != 2 {
		t.Errorf("expected 2 checkpoints to delete, got %d", len(toDelete))
	}

	var found10, found30 bool
	for _, info := range toDelete {
		switch info.JobID {
		case "job1":
			found10 = true
		case "job4":
			found30 = true
		}
	}
	if !found10 || !found30 {
		t.Error("expected job1 and job4 to be selected for deletion")
	}
}

func TestSelectCheckpointsForDeletionByCount(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 2, 0)
	if len(toDelete) != 2 {
		t.Errorf("expected 2 checkpoints to delete, got %d", len(toDelete))
	}

	var found30, found10 bool
	for _, info := range toDelete {
		switch info.JobID {
		case "job4":
			found30 = true
		case "job1":
			found10 = true
		}
	}
	if !found30 || !found10 {
		t.Error("expected job4 and job1 (oldest) to be selected for deletion")
	}
}

func TestSelectCheckpointsForDeletionCombinedDedupes(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
		{JobID: "job5", Timestamp: now.AddDate(0, 0, -2)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 3, 7)
	if len(toDelete) < 2 {
		t.Errorf("expected at least 2 checkpoints to delete, got %d", len(toDelete))
	}

	seen := make(map[string]bool)
	for _, info := range toDelete {
		if seen[info.JobID] {
			t.Errorf("checkpoint %s listed for deletion more than once", info.JobID)
		}
		seen[info.JobID] = true
	}
}

func TestSelectCheckpointsForDeletionNoneMatch(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -1)},
	}
	toDelete := selectCheckpointsForDeletion(infos, 0, 7)
	if len(toDelete) != 0 {
		t.Errorf("expected no checkpoints to delete, got %d", len(toDelete))
	}
}

func TestRunListCheckpointsEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	original := checkpointDataDir
	checkpointDataDir = tmpDir
	defer func() { checkpointDataDir = original }()

	if err := runListCheckpoints(nil, nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRunListCheckpointsWithCheckpoint(t *testing.T) {
	tmpDir := t.TempDir()
	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	checkpoint, err := store.NewCheckpoint("test-job", nil, nil, nil, nil, 10, 0.5, store.JobConfig{SourcePath: "scene.ply", SHDegree: 2})
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}
	if err := checkpointStore.SaveCheckpoint("test-job", checkpoint); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	original := checkpointDataDir
	checkpointDataDir = tmpDir
	defer func() { checkpointDataDir = original }()

	if err := runListCheckpoints(nil, nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRunCleanCheckpointsRequiresAFlag(t *testing.T) {
	tmpDir := t.TempDir()
	original := checkpointDataDir
	checkpointDataDir = tmpDir
	defer func() { checkpointDataDir = original }()

	keepLast = 0
	olderThanDays = 0

	if err := runCleanCheckpoints(nil, nil); err == nil {
		t.Error("expected error when neither --keep-last nor --older-than is set")
	}
}

func TestRunCleanCheckpointsWithForce(t *testing.T) {
	tmpDir := t.TempDir()
	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	checkpoint, err := store.NewCheckpoint("old-job", nil, nil, nil, nil, 10, 0.5, store.JobConfig{SourcePath: "scene.ply"})
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}
	checkpoint.Timestamp = time.Now().AddDate(0, 0, -30)
	if err := checkpointStore.SaveCheckpoint("old-job", checkpoint); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	original := checkpointDataDir
	checkpointDataDir = tmpDir
	defer func() { checkpointDataDir = original }()

	keepLast = 0
	olderThanDays = 7
	forceClean = true
	defer func() { forceClean = false }()

	if err := runCleanCheckpoints(nil, nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if _, err := checkpointStore.LoadCheckpoint("old-job"); err == nil {
		t.Error("expected checkpoint to be deleted")
	}
}
