package densify

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

func testConfig() Config {
	return Config{
		PruneOpacityThreshold: 0.1,
		CloneThresholdCount:   5,
		SplitScaleThreshold:   0.5,
		MaxOutputBytes:        100 * PerGaussianBytes,
	}
}

// TestScenarioS4 is spec.md §8 S4: N=4 with one each of PRUNE/CLONE/SPLIT/
// KEEP, max_out_points=100 -> N_out = 0+2+2+1 = 5.
func TestScenarioS4(t *testing.T) {
	gaussians := []scene.Gaussian{
		{Mean: [3]float32{0, 0, 0}, OpacityLogit: scene.Logit(0.05), Rotation: [4]float32{1, 0, 0, 0}, LogScale: [3]float32{-3, -3, -3}}, // PRUNE
		{Mean: [3]float32{1, 0, 0}, OpacityLogit: scene.Logit(0.5), Rotation: [4]float32{1, 0, 0, 0}, LogScale: [3]float32{-3, -3, -3}},  // CLONE (small scale)
		{Mean: [3]float32{2, 0, 0}, OpacityLogit: scene.Logit(0.5), Rotation: [4]float32{1, 0, 0, 0}, LogScale: [3]float32{0, 0, 0}},     // SPLIT (scale=1 >= 0.5)
		{Mean: [3]float32{3, 0, 0}, OpacityLogit: scene.Logit(0.5), Rotation: [4]float32{1, 0, 0, 0}, LogScale: [3]float32{-3, -3, -3}},  // KEEP
	}
	metricCounts := []uint32{0, 6, 6, 1}
	cfg := testConfig()

	actions, counts := DecideAll(gaussians, metricCounts, cfg)
	wantActions := []Action{Prune, Clone, Split, Keep}
	for i, a := range actions {
		if a != wantActions[i] {
			t.Fatalf("gaussian %d: action = %v, want %v", i, a, wantActions[i])
		}
	}

	offsets := exclusiveScan(counts)
	finalOffsets, total := Cap(actions, counts, offsets, cfg.MaxOutPoints())
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}

	inputs := make([]ScatterInput, len(gaussians))
	for i, g := range gaussians {
		inputs[i] = ScatterInput{Gaussian: g}
	}
	rng := rand.New(rand.NewSource(1))
	out := Scatter(inputs, actions, finalOffsets, total, cfg, rng)

	if len(out.Gaussians) != 5 {
		t.Fatalf("len(out.Gaussians) = %d, want 5", len(out.Gaussians))
	}

	keepSlot := finalOffsets[3]
	if out.Gaussians[keepSlot] != gaussians[3] {
		t.Fatalf("KEEP slot not byte-identical: got %+v want %+v", out.Gaussians[keepSlot], gaussians[3])
	}

	splitSlot0, splitSlot1 := finalOffsets[2], finalOffsets[2]+1
	wantLogScale := [3]float32{
		gaussians[2].LogScale[0] - logScaleShrink,
		gaussians[2].LogScale[1] - logScaleShrink,
		gaussians[2].LogScale[2] - logScaleShrink,
	}
	for _, slot := range []int{splitSlot0, splitSlot1} {
		for i := range wantLogScale {
			if math.Abs(float64(out.Gaussians[slot].LogScale[i]-wantLogScale[i])) > 1e-5 {
				t.Fatalf("SPLIT slot %d log_scale[%d] = %v, want %v", slot, i, out.Gaussians[slot].LogScale[i], wantLogScale[i])
			}
		}
	}
}

// TestScatterTotalConservation is spec.md §8 property 7.
func TestScatterTotalConservation(t *testing.T) {
	gaussians := make([]scene.Gaussian, 20)
	metricCounts := make([]uint32, 20)
	for i := range gaussians {
		gaussians[i] = scene.Gaussian{
			OpacityLogit: scene.Logit(0.5),
			Rotation:     [4]float32{1, 0, 0, 0},
			LogScale:     [3]float32{-3, -3, -3},
		}
		metricCounts[i] = uint32(i)
	}
	cfg := testConfig()
	actions, counts := DecideAll(gaussians, metricCounts, cfg)
	offsets := exclusiveScan(counts)
	_, total := Cap(actions, counts, offsets, cfg.MaxOutPoints())

	var wantTotal int
	for _, c := range counts {
		wantTotal += c
	}
	if total != wantTotal {
		t.Fatalf("total = %d, want sum(counts) = %d", total, wantTotal)
	}
}

// TestOpacityInvariantPostScatter is spec.md §8 property 8.
func TestOpacityInvariantPostScatter(t *testing.T) {
	g := scene.Gaussian{
		OpacityLogit: scene.Logit(0.95), // would exceed the 0.8 ceiling unclamped
		Rotation:     [4]float32{1, 0, 0, 0},
		LogScale:     [3]float32{0, 0, 0},
	}
	cfg := testConfig()
	actions, counts := DecideAll([]scene.Gaussian{g}, []uint32{10}, cfg)
	offsets := exclusiveScan(counts)
	finalOffsets, total := Cap(actions, counts, offsets, cfg.MaxOutPoints())

	rng := rand.New(rand.NewSource(2))
	out := Scatter([]ScatterInput{{Gaussian: g}}, actions, finalOffsets, total, cfg, rng)

	for i, child := range out.Gaussians {
		if sigma := scene.Sigmoid(child.OpacityLogit); sigma > scene.MaxOpacitySigmoid+1e-4 {
			t.Fatalf("output %d: sigmoid(opacity_logit) = %v, want <= %v", i, sigma, scene.MaxOpacitySigmoid)
		}
	}
}

func TestResetNewStateZeroesOnlyNewSlots(t *testing.T) {
	g := scene.Gaussian{OpacityLogit: scene.Logit(0.5), Rotation: [4]float32{1, 0, 0, 0}, LogScale: [3]float32{-3, -3, -3}}
	state := optim.State{MOpacity: 0.7, VOpacity: 0.3}
	cfg := testConfig()
	cfg.ResetNewState = true
	cfg.CloneThresholdCount = 0 // force CLONE

	actions, counts := DecideAll([]scene.Gaussian{g}, []uint32{1}, cfg)
	offsets := exclusiveScan(counts)
	finalOffsets, total := Cap(actions, counts, offsets, cfg.MaxOutPoints())

	rng := rand.New(rand.NewSource(3))
	out := Scatter([]ScatterInput{{Gaussian: g, State: state}}, actions, finalOffsets, total, cfg, rng)

	slot0, slot1 := finalOffsets[0], finalOffsets[0]+1
	if out.States[slot0] != state {
		t.Fatalf("original slot state = %+v, want preserved %+v", out.States[slot0], state)
	}
	if out.States[slot1] != (optim.State{}) {
		t.Fatalf("new slot state = %+v, want zeroed", out.States[slot1])
	}
}
