package store

import (
	"testing"

	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
)

func TestValidateRejectsMismatchedBufferLengths(t *testing.T) {
	cp := createTestCheckpoint("job", 10)
	cp.PackedGaussians = cp.PackedGaussians[:len(cp.PackedGaussians)-4]

	if err := cp.Validate(); err == nil {
		t.Fatal("expected validation error for truncated PackedGaussians")
	}
}

func TestValidateRejectsEmptyJobID(t *testing.T) {
	cp := createTestCheckpoint("job", 1)
	cp.JobID = ""
	if err := cp.Validate(); err == nil {
		t.Fatal("expected validation error for empty JobID")
	}
}

func TestIsCompatibleDetectsSHDegreeMismatch(t *testing.T) {
	cp := createTestCheckpoint("job", 1)
	err := cp.IsCompatible(JobConfig{SourcePath: cp.Config.SourcePath, SHDegree: cp.Config.SHDegree + 1})
	if err == nil {
		t.Fatal("expected compatibility error for SHDegree mismatch")
	}
}

func TestIsCompatibleAcceptsMatchingConfig(t *testing.T) {
	cp := createTestCheckpoint("job", 1)
	if err := cp.IsCompatible(cp.Config); err != nil {
		t.Fatalf("expected compatible config, got error: %v", err)
	}
}

func TestEncodeDecodeStatesRoundTrips(t *testing.T) {
	states := []optim.State{
		{MPos: [3]float32{1, 2, 3}, VPos: [3]float32{4, 5, 6}, MRot: [4]float32{1, 0, 0, 0}, VRot: [4]float32{0.1, 0.2, 0.3, 0.4}, MScale: [3]float32{-1, -2, -3}, VScale: [3]float32{0.5, 0.5, 0.5}, MOpacity: 0.7, VOpacity: 0.01},
	}
	data, err := encodeStates(states)
	if err != nil {
		t.Fatalf("encodeStates failed: %v", err)
	}
	decoded, err := decodeStates(data)
	if err != nil {
		t.Fatalf("decodeStates failed: %v", err)
	}
	if decoded[0] != states[0] {
		t.Fatalf("decoded state = %+v, want %+v", decoded[0], states[0])
	}
}

func TestEncodeDecodeSHStatesRoundTrips(t *testing.T) {
	var s optim.SHState
	s.M[0][0] = 1.5
	s.V[2][15] = -0.25
	data, err := encodeSHStates([]optim.SHState{s})
	if err != nil {
		t.Fatalf("encodeSHStates failed: %v", err)
	}
	decoded, err := decodeSHStates(data)
	if err != nil {
		t.Fatalf("decodeSHStates failed: %v", err)
	}
	if decoded[0] != s {
		t.Fatalf("decoded SH state = %+v, want %+v", decoded[0], s)
	}
}
