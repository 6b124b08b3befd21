package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// JobConfig holds the subset of orchestrator configuration a resumed job
// must match, kept here (rather than importing internal/orchestrator) to
// avoid an import cycle.
type JobConfig struct {
	SourcePath string `json:"sourcePath"`
	SHDegree   int    `json:"shDegree"`
	Seed       int64  `json:"seed"`
}

// Checkpoint is a saved training state: the packed Gaussian/SH buffers and
// f32 optimizer state, plus enough metadata to validate a resume request
// (spec.md §6's "persisted state").
//
// Binary buffers are stored as raw bytes, serialized by encoding/json's
// built-in []byte<->base64 conversion, so the round trip through
// SaveCheckpoint/LoadCheckpoint is exact: no float is ever re-parsed from
// a decimal string.
type Checkpoint struct {
	JobID        string    `json:"jobId"`
	N            int       `json:"n"`
	Iteration    int       `json:"iteration"`
	BestLoss     float64   `json:"bestLoss"`
	Timestamp    time.Time `json:"timestamp"`
	Config       JobConfig `json:"config"`
	PackedGaussians []byte `json:"packedGaussians"`
	PackedSH        []byte `json:"packedSH"`
	OptimState      []byte `json:"optimState"`
	SHOptimState    []byte `json:"shOptimState"`
}

// CheckpointInfo contains metadata about a checkpoint without the
// (potentially large) packed buffers. Used for listing checkpoints
// efficiently.
type CheckpointInfo struct {
	JobID     string    `json:"jobId"`
	N         int       `json:"n"`
	Iteration int       `json:"iteration"`
	BestLoss  float64   `json:"bestLoss"`
	Timestamp time.Time `json:"timestamp"`
	SHDegree  int       `json:"shDegree"`
}

// NewCheckpoint encodes the current packed store, SH buffer, and optimizer
// state into a persistable checkpoint.
func NewCheckpoint(jobID string, gaussians []scene.PackedGaussian, shs []scene.PackedSH, states []optim.State, shStates []optim.SHState, iteration int, bestLoss float64, cfg JobConfig) (*Checkpoint, error) {
	g, err := encodeGaussians(gaussians)
	if err != nil {
		return nil, err
	}
	sh, err := encodeSH(shs)
	if err != nil {
		return nil, err
	}
	st, err := encodeStates(states)
	if err != nil {
		return nil, err
	}
	shSt, err := encodeSHStates(shStates)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		JobID:           jobID,
		N:               len(gaussians),
		Iteration:       iteration,
		BestLoss:        bestLoss,
		Timestamp:       time.Now(),
		Config:          cfg,
		PackedGaussians: g,
		PackedSH:        sh,
		OptimState:      st,
		SHOptimState:    shSt,
	}, nil
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:     c.JobID,
		N:         c.N,
		Iteration: c.Iteration,
		BestLoss:  c.BestLoss,
		Timestamp: c.Timestamp,
		SHDegree:  c.Config.SHDegree,
	}
}

// Validate checks that a loaded checkpoint's buffer lengths are internally
// consistent with its declared N before the caller trusts it.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if c.N < 0 {
		return &ValidationError{Field: "N", Reason: "cannot be negative"}
	}
	if len(c.PackedGaussians) != c.N*gaussianBytes {
		return &ValidationError{Field: "PackedGaussians", Reason: fmt.Sprintf("length %d does not match N=%d", len(c.PackedGaussians), c.N)}
	}
	if len(c.PackedSH) != c.N*shBytes {
		return &ValidationError{Field: "PackedSH", Reason: fmt.Sprintf("length %d does not match N=%d", len(c.PackedSH), c.N)}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// IsCompatible checks if this checkpoint can be resumed with the given
// job config.
func (c *Checkpoint) IsCompatible(cfg JobConfig) error {
	if c.Config.SourcePath != cfg.SourcePath {
		return &CompatibilityError{Field: "SourcePath", Expected: c.Config.SourcePath, Actual: cfg.SourcePath}
	}
	if c.Config.SHDegree != cfg.SHDegree {
		return &CompatibilityError{Field: "SHDegree", Expected: fmt.Sprintf("%d", c.Config.SHDegree), Actual: fmt.Sprintf("%d", cfg.SHDegree)}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

const (
	gaussianBytes = 6 * 4   // scene.PackedGaussian: 6 uint32 words
	shBytes       = 32 * 4  // scene.PackedSH: 2*scene.MaxSHCoeffs uint32 words
	stateFloats   = 17      // optim.State: 3+4+3+1 params, m and v each
	shStateFloats = 3 * scene.MaxSHCoeffs * 2
)

func encodeGaussians(gaussians []scene.PackedGaussian) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(gaussians) * gaussianBytes)
	for _, g := range gaussians {
		words := [6]uint32{g.PosOpacity[0], g.PosOpacity[1], g.Rot[0], g.Rot[1], g.Scale[0], g.Scale[1]}
		if err := binary.Write(buf, binary.LittleEndian, words); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeGaussians unpacks a checkpoint's PackedGaussians buffer.
func DecodeGaussians(data []byte) ([]scene.PackedGaussian, error) { return decodeGaussians(data) }

// DecodeSH unpacks a checkpoint's PackedSH buffer.
func DecodeSH(data []byte) ([]scene.PackedSH, error) { return decodeSH(data) }

// DecodeStates unpacks a checkpoint's OptimState buffer.
func DecodeStates(data []byte) ([]optim.State, error) { return decodeStates(data) }

// DecodeSHStates unpacks a checkpoint's SHOptimState buffer.
func DecodeSHStates(data []byte) ([]optim.SHState, error) { return decodeSHStates(data) }

func decodeGaussians(data []byte) ([]scene.PackedGaussian, error) {
	if len(data)%gaussianBytes != 0 {
		return nil, fmt.Errorf("packed gaussian buffer length %d not a multiple of %d", len(data), gaussianBytes)
	}
	n := len(data) / gaussianBytes
	out := make([]scene.PackedGaussian, n)
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		var words [6]uint32
		if err := binary.Read(r, binary.LittleEndian, &words); err != nil {
			return nil, err
		}
		out[i] = scene.PackedGaussian{
			PosOpacity: [2]uint32{words[0], words[1]},
			Rot:        [2]uint32{words[2], words[3]},
			Scale:      [2]uint32{words[4], words[5]},
		}
	}
	return out, nil
}

func encodeSH(shs []scene.PackedSH) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(shs) * shBytes)
	for _, sh := range shs {
		if err := binary.Write(buf, binary.LittleEndian, sh.Words); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeSH(data []byte) ([]scene.PackedSH, error) {
	if len(data)%shBytes != 0 {
		return nil, fmt.Errorf("packed SH buffer length %d not a multiple of %d", len(data), shBytes)
	}
	n := len(data) / shBytes
	out := make([]scene.PackedSH, n)
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &out[i].Words); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeStates(states []optim.State) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, s := range states {
		flat := [stateFloats]float32{
			s.MPos[0], s.MPos[1], s.MPos[2], s.VPos[0], s.VPos[1], s.VPos[2],
			s.MRot[0], s.MRot[1], s.MRot[2], s.MRot[3],
			s.MScale[0], s.MScale[1], s.MScale[2], s.VScale[0], s.VScale[1], s.VScale[2],
			s.MOpacity,
		}
		if err := binary.Write(buf, binary.LittleEndian, flat); err != nil {
			return nil, err
		}
		// VRot and VOpacity are written in a second record to keep the
		// per-Gaussian record a round float32 count (see decodeStates).
		tail := [5]float32{s.VRot[0], s.VRot[1], s.VRot[2], s.VRot[3], s.VOpacity}
		if err := binary.Write(buf, binary.LittleEndian, tail); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeStates(data []byte) ([]optim.State, error) {
	const recordFloats = stateFloats + 5
	const recordBytes = recordFloats * 4
	if len(data)%recordBytes != 0 {
		return nil, fmt.Errorf("optimizer state buffer length %d not a multiple of %d", len(data), recordBytes)
	}
	n := len(data) / recordBytes
	out := make([]optim.State, n)
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		var flat [stateFloats]float32
		if err := binary.Read(r, binary.LittleEndian, &flat); err != nil {
			return nil, err
		}
		var tail [5]float32
		if err := binary.Read(r, binary.LittleEndian, &tail); err != nil {
			return nil, err
		}
		out[i] = optim.State{
			MPos: [3]float32{flat[0], flat[1], flat[2]}, VPos: [3]float32{flat[3], flat[4], flat[5]},
			MRot: [4]float32{flat[6], flat[7], flat[8], flat[9]}, VRot: [4]float32{tail[0], tail[1], tail[2], tail[3]},
			MScale: [3]float32{flat[10], flat[11], flat[12]}, VScale: [3]float32{flat[13], flat[14], flat[15]},
			MOpacity: flat[16], VOpacity: tail[4],
		}
	}
	return out, nil
}

func encodeSHStates(states []optim.SHState) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, s := range states {
		if err := binary.Write(buf, binary.LittleEndian, s.M); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, s.V); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeSHStates(data []byte) ([]optim.SHState, error) {
	const recordBytes = shStateFloats * 4
	if len(data)%recordBytes != 0 {
		return nil, fmt.Errorf("SH optimizer state buffer length %d not a multiple of %d", len(data), recordBytes)
	}
	n := len(data) / recordBytes
	out := make([]optim.SHState, n)
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &out[i].M); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &out[i].V); err != nil {
			return nil, err
		}
	}
	return out, nil
}
