package orchestrator

import (
	"fmt"

	"github.com/cwbudde/gsplatforge/internal/gpu/densify"
	"github.com/cwbudde/gsplatforge/internal/gpu/loss"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
)

// DensifySchedule controls when the multi-view metric pass (C11) and the
// densify/prune compactor (C12) run (spec.md §4.13: "On schedule (warmup,
// interval, stop)").
type DensifySchedule struct {
	WarmupIterations int
	Interval         int
	StopIteration    int
}

// Active reports whether a densify/prune pass should run at the given
// iteration: after warmup, on the configured interval, and before the stop
// iteration (0 disables the stop bound).
func (s DensifySchedule) Active(iteration int) bool {
	if iteration < s.WarmupIterations {
		return false
	}
	if s.StopIteration > 0 && iteration >= s.StopIteration {
		return false
	}
	if s.Interval <= 0 {
		return false
	}
	return (iteration-s.WarmupIterations)%s.Interval == 0
}

// Next returns the next iteration at or after `from` the schedule fires,
// or 0 if the schedule will never fire again (spec.md §6's "next scheduled
// densify iteration" status field).
func (s DensifySchedule) Next(from int) int {
	if s.Interval <= 0 {
		return 0
	}
	iter := from
	if iter < s.WarmupIterations {
		iter = s.WarmupIterations
	} else {
		offset := (iter - s.WarmupIterations) % s.Interval
		if offset != 0 {
			iter += s.Interval - offset
		}
	}
	if s.StopIteration > 0 && iter >= s.StopIteration {
		return 0
	}
	return iter
}

// MetricConfig controls the multi-view metric pass (C11): how many random
// views to sample, the resolution downscale, and the per-pixel error
// threshold spec.md §4.11 uses to flag a contributing Gaussian.
type MetricConfig struct {
	Views     int
	Downscale int
	Threshold float32
}

// Config enumerates every orchestrator-level hyperparameter spec.md §6
// names, grouped by the component each configures.
type Config struct {
	MaxIterations int
	SHDegree      int
	Seed          int64

	LR       optim.LearningRates
	Beta1    float32
	Beta2    float32
	Eps      float32

	Loss loss.Weights

	Densify  DensifySchedule
	Metric   MetricConfig
	Compact  densify.Config

	// MaxRadiusPx is the optional screen-radius growth cap the backward
	// geometry pass applies to the log-scale gradient (spec.md §4.9:
	// "if the screen-projected radius >= max_radius_px, clamp d/d(log_scale)
	// componentwise to >= 0"). Zero disables the cap.
	MaxRadiusPx float32

	MaxBufferBytes uint64
	MaxInFlight    int

	CheckpointInterval int
	CheckpointDir      string
}

// DefaultConfig returns the hyperparameter defaults this engine trains
// with when a caller does not override them: Adam defaults matching the
// widely used beta1=0.9, beta2=0.999, eps=1e-8, a queue depth of 2
// (spec.md §5's "typically 2"), and loss weights split between L1 and
// DSSIM the way the original splatting training recipe does.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 30000,
		SHDegree:      3,
		Seed:          0,
		LR: optim.LearningRates{
			Pos:     1.6e-4,
			Rot:     1e-3,
			Scale:   5e-3,
			Opacity: 5e-2,
			Color:   2.5e-3,
		},
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		Loss: loss.Weights{
			L1:    0.8,
			L2:    0,
			DSSIM: 0.2,
			C1:    0.0001,
			C2:    0.0009,
		},
		Densify: DensifySchedule{
			WarmupIterations: 500,
			Interval:         100,
			StopIteration:    15000,
		},
		Metric: MetricConfig{
			Views:     5,
			Downscale: 1,
			Threshold: 0.01,
		},
		Compact: densify.Config{
			PruneOpacityThreshold: 0.005,
			CloneThresholdCount:   2,
			SplitScaleThreshold:   0.01,
			MaxOutputBytes:        0, // caller must size from MaxBufferBytes
			ResetNewState:         true,
		},
		MaxBufferBytes: 2 << 30,
		MaxInFlight:    2,
	}
}

// Validate checks the invariants the training loop depends on: a positive
// iteration budget, a valid SH degree, and loss weights that at least
// don't go negative (loss.Weights.Validate covers the sum-to-1 warning
// spec.md §4.7 describes as non-fatal).
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator: MaxIterations must be positive, got %d", c.MaxIterations)
	}
	if c.SHDegree < 0 || c.SHDegree > 3 {
		return fmt.Errorf("orchestrator: SHDegree must be in [0,3], got %d", c.SHDegree)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("orchestrator: MaxInFlight must be positive, got %d", c.MaxInFlight)
	}
	if _, err := c.Loss.Validate(); err != nil {
		return err
	}
	return nil
}
