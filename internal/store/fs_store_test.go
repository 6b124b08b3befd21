package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()
	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	return store, tempDir
}

func testGaussians(n int) []scene.PackedGaussian {
	out := make([]scene.PackedGaussian, n)
	for i := range out {
		g := scene.Gaussian{
			Mean:         [3]float32{float32(i), float32(i) * 0.5, -float32(i)},
			OpacityLogit: scene.Logit(0.5),
			Rotation:     [4]float32{1, 0, 0, 0},
			LogScale:     [3]float32{-1, -2, -3},
		}
		out[i] = g.Pack()
	}
	return out
}

func testSH(n int) []scene.PackedSH {
	out := make([]scene.PackedSH, n)
	for i := range out {
		var sh scene.SH
		sh.Coeffs[0][0] = float32(i) * 0.1
		out[i] = sh.Pack()
	}
	return out
}

func createTestCheckpoint(jobID string, n int) *Checkpoint {
	cfg := JobConfig{SourcePath: "scenes/lego.bin", SHDegree: 2, Seed: 42}
	cp, err := NewCheckpoint(jobID, testGaussians(n), testSH(n), make([]optim.State, n), make([]optim.SHState, n), 500, 0.0234, cfg)
	if err != nil {
		panic(err)
	}
	return cp
}

func TestNewFSStore(t *testing.T) {
	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "jobs")); os.IsNotExist(err) {
		t.Fatal("jobs directory was not created")
	}
}

func TestSaveCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)
	jobID := "job-123"
	checkpoint := createTestCheckpoint(jobID, 10)

	if err := store.SaveCheckpoint(jobID, checkpoint); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	path := filepath.Join(tempDir, "jobs", jobID, "checkpoint.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("checkpoint file was not created at %s", path)
	}

	entries, _ := os.ReadDir(filepath.Join(tempDir, "jobs", jobID))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSaveCheckpoint_EmptyJobID(t *testing.T) {
	store, _ := setupTestStore(t)
	if err := store.SaveCheckpoint("", createTestCheckpoint("any", 1)); err == nil {
		t.Fatal("expected error for empty jobID")
	}
}

func TestSaveCheckpoint_NilCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)
	if err := store.SaveCheckpoint("job", nil); err == nil {
		t.Fatal("expected error for nil checkpoint")
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)
	jobID := "job-overwrite"

	c1 := createTestCheckpoint(jobID, 3)
	c1.Iteration = 10
	c2 := createTestCheckpoint(jobID, 3)
	c2.Iteration = 20

	if err := store.SaveCheckpoint(jobID, c1); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := store.SaveCheckpoint(jobID, c2); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint(jobID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Iteration != 20 {
		t.Errorf("Iteration = %d, want 20", loaded.Iteration)
	}
}

// TestLoadCheckpointRoundTripsPackedBuffersExactly covers spec.md §6's
// requirement that the packed store and SH buffers round-trip byte-identical
// across a save/load cycle when N is unchanged.
func TestLoadCheckpointRoundTripsPackedBuffersExactly(t *testing.T) {
	store, _ := setupTestStore(t)
	jobID := "job-roundtrip"
	original := createTestCheckpoint(jobID, 50)

	if err := store.SaveCheckpoint(jobID, original); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint(jobID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if loaded.N != original.N {
		t.Fatalf("N = %d, want %d", loaded.N, original.N)
	}
	if string(loaded.PackedGaussians) != string(original.PackedGaussians) {
		t.Fatal("PackedGaussians not byte-identical after round trip")
	}
	if string(loaded.PackedSH) != string(original.PackedSH) {
		t.Fatal("PackedSH not byte-identical after round trip")
	}
	if string(loaded.OptimState) != string(original.OptimState) {
		t.Fatal("OptimState not byte-identical after round trip")
	}

	gaussians, err := DecodeGaussians(loaded.PackedGaussians)
	if err != nil {
		t.Fatalf("DecodeGaussians failed: %v", err)
	}
	wantGaussians := testGaussians(50)
	for i := range gaussians {
		if gaussians[i] != wantGaussians[i] {
			t.Fatalf("gaussian %d decoded mismatch: got %+v want %+v", i, gaussians[i], wantGaussians[i])
		}
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)
	_, err := store.LoadCheckpoint("missing-job")
	if err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
	var notFound *NotFoundError
	if ok := asNotFound(err, &notFound); !ok {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestListCheckpoints(t *testing.T) {
	store, _ := setupTestStore(t)
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if err := store.SaveCheckpoint(id, createTestCheckpoint(id, 2)); err != nil {
			t.Fatalf("save %s failed: %v", id, err)
		}
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("len(infos) = %d, want 3", len(infos))
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	store, _ := setupTestStore(t)
	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("len(infos) = %d, want 0", len(infos))
	}
}

func TestListCheckpoints_SkipsCorrupted(t *testing.T) {
	store, tempDir := setupTestStore(t)
	if err := store.SaveCheckpoint("good-job", createTestCheckpoint("good-job", 2)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	corruptDir := filepath.Join(tempDir, "jobs", "corrupt-job")
	if err := os.MkdirAll(corruptDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(corruptDir, "checkpoint.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("len(infos) = %d, want 1 (corrupted entry skipped)", len(infos))
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)
	jobID := "job-delete"
	if err := store.SaveCheckpoint(jobID, createTestCheckpoint(jobID, 2)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.DeleteCheckpoint(jobID); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "jobs", jobID)); !os.IsNotExist(err) {
		t.Fatal("job directory still exists after delete")
	}
}

func TestDeleteCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)
	if err := store.DeleteCheckpoint("missing-job"); err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}

func asNotFound(err error, target **NotFoundError) bool {
	nf, ok := err.(*NotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
