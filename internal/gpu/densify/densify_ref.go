package densify

import (
	"math"
	"math/rand"

	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// DecideAll runs Decide across the whole population, returning the action
// and slot count per Gaussian (spec.md §4.12 Decide stage).
func DecideAll(gaussians []scene.Gaussian, metricCounts []uint32, cfg Config) ([]Action, []int) {
	actions := make([]Action, len(gaussians))
	counts := make([]int, len(gaussians))
	for i, g := range gaussians {
		actions[i], counts[i] = Decide(g, metricCounts[i], cfg)
	}
	return actions, counts
}

// exclusiveScan is the host reference for the two scan passes spec.md
// §4.12 names (Scan 1, Scan 2); a real deployment would dispatch
// internal/gpu/scan, but offsets over N <= a few million actions are cheap
// enough to fold into this host-side plan step directly.
func exclusiveScan(counts []int) []int {
	offsets := make([]int, len(counts))
	var sum int
	for i, c := range counts {
		offsets[i] = sum
		sum += c
	}
	return offsets
}

// Cap applies spec.md §4.12's byte-budget cap in place on actions/counts,
// returning the recomputed (Scan 2) offsets and the final output count.
func Cap(actions []Action, counts []int, offsets []int, maxOutPoints int) (finalOffsets []int, total int) {
	for i := range counts {
		if offsets[i] >= maxOutPoints {
			counts[i] = 0
			actions[i] = Prune
		} else if counts[i] == 2 && offsets[i] == maxOutPoints-1 {
			counts[i] = 1
			actions[i] = Keep
		}
	}
	finalOffsets = exclusiveScan(counts)
	if len(counts) == 0 {
		return finalOffsets, 0
	}
	total = finalOffsets[len(finalOffsets)-1] + counts[len(counts)-1]
	return finalOffsets, total
}

// ScatterInput bundles everything the Scatter stage reads for one source
// Gaussian.
type ScatterInput struct {
	Gaussian scene.Gaussian
	SH       scene.SH
	State    optim.State
	SHState  optim.SHState
}

// ScatterOutput is the compacted N_out-sized result (spec.md §4.12
// Scatter stage).
type ScatterOutput struct {
	Gaussians []scene.Gaussian
	SHs       []scene.SH
	States    []optim.State
	SHStates  []optim.SHState
}

// Scatter rebuilds the store at its new size, applying the CLONE/SPLIT
// position-jitter and log-scale-shrink rules and the optimizer
// state-preservation rule (spec.md §4.12). rng drives the jitter; in
// production this is per-Gaussian device-side PRNG state, but a single
// host-side source is an equivalent oracle for the scatter shape and the
// conservation/opacity invariants (spec.md §8 properties 7, 8).
func Scatter(inputs []ScatterInput, actions []Action, offsets []int, total int, cfg Config, rng *rand.Rand) ScatterOutput {
	out := ScatterOutput{
		Gaussians: make([]scene.Gaussian, total),
		SHs:       make([]scene.SH, total),
		States:    make([]optim.State, total),
		SHStates:  make([]optim.SHState, total),
	}

	for i, in := range inputs {
		switch actions[i] {
		case Prune:
			continue
		case Keep:
			slot := offsets[i]
			out.Gaussians[slot] = in.Gaussian
			out.SHs[slot] = in.SH
			out.States[slot] = in.State
			out.SHStates[slot] = in.SHState
		case Clone:
			slot0, slot1 := offsets[i], offsets[i]+1
			out.Gaussians[slot0] = in.Gaussian
			out.SHs[slot0] = in.SH
			out.States[slot0] = in.State
			out.SHStates[slot0] = in.SHState

			jitter := uniform3(rng)
			child := in.Gaussian
			child.Mean = addVec3(child.Mean, positionJitter(child.LogScale, child.Rotation, jitter, CloneJitterScale))
			out.Gaussians[slot1] = child
			out.SHs[slot1] = in.SH
			out.States[slot1] = resetState(in.State, cfg.ResetNewState)
			out.SHStates[slot1] = resetSHState(in.SHState, cfg.ResetNewState)
		case Split:
			slot0, slot1 := offsets[i], offsets[i]+1
			direction := normal3(rng)
			shrunk := [3]float32{
				in.Gaussian.LogScale[0] - logScaleShrink,
				in.Gaussian.LogScale[1] - logScaleShrink,
				in.Gaussian.LogScale[2] - logScaleShrink,
			}

			childA := in.Gaussian
			childA.LogScale = shrunk
			childA.Mean = addVec3(childA.Mean, positionJitter(in.Gaussian.LogScale, in.Gaussian.Rotation, direction, SplitJitterScale))
			childA.OpacityLogit = scene.ClampOpacityLogit(childA.OpacityLogit)

			childB := in.Gaussian
			childB.LogScale = shrunk
			childB.Mean = addVec3(childB.Mean, positionJitter(in.Gaussian.LogScale, in.Gaussian.Rotation, negate3(direction), SplitJitterScale))
			childB.OpacityLogit = scene.ClampOpacityLogit(childB.OpacityLogit)

			out.Gaussians[slot0] = childA
			out.SHs[slot0] = in.SH
			out.States[slot0] = resetState(in.State, cfg.ResetNewState)
			out.SHStates[slot0] = resetSHState(in.SHState, cfg.ResetNewState)

			out.Gaussians[slot1] = childB
			out.SHs[slot1] = in.SH
			out.States[slot1] = resetState(in.State, cfg.ResetNewState)
			out.SHStates[slot1] = resetSHState(in.SHState, cfg.ResetNewState)
		}
	}
	return out
}

func resetState(s optim.State, reset bool) optim.State {
	if !reset {
		return s
	}
	return optim.State{}
}

func resetSHState(s optim.SHState, reset bool) optim.SHState {
	if !reset {
		return s
	}
	return optim.SHState{}
}

func addVec3(a, b [3]float32) [3]float32 {
	return [3]float32{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func negate3(v [3]float32) [3]float32 {
	return [3]float32{-v[0], -v[1], -v[2]}
}

func uniform3(rng *rand.Rand) [3]float32 {
	return [3]float32{
		float32(rng.Float64()*2 - 1),
		float32(rng.Float64()*2 - 1),
		float32(rng.Float64()*2 - 1),
	}
}

func normal3(rng *rand.Rand) [3]float32 {
	return [3]float32{float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64())}
}

// positionJitter scales a random direction by the Gaussian's own
// anisotropic extent and rotates it into world space, the "Sigma .
// qrotate(...)" term of spec.md §4.12.
func positionJitter(logScale [3]float32, rot [4]float32, v [3]float32, coeff float32) [3]float32 {
	scaled := [3]float32{
		expf(logScale[0]) * v[0],
		expf(logScale[1]) * v[1],
		expf(logScale[2]) * v[2],
	}
	rotated := quatRotate(rot, scaled)
	return [3]float32{coeff * rotated[0], coeff * rotated[1], coeff * rotated[2]}
}

// quatRotate rotates v by unit quaternion q (w,x,y,z).
func quatRotate(q [4]float32, v [3]float32) [3]float32 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	// v' = v + 2w(u x v) + 2(u x (u x v)), u = (x,y,z)
	ux, uy, uz := x, y, z
	uvx := uy*v[2] - uz*v[1]
	uvy := uz*v[0] - ux*v[2]
	uvz := ux*v[1] - uy*v[0]
	uuvx := uy*uvz - uz*uvy
	uuvy := uz*uvx - ux*uvz
	uuvz := ux*uvy - uy*uvx
	return [3]float32{
		v[0] + 2*w*uvx + 2*uuvx,
		v[1] + 2*w*uvy + 2*uuvy,
		v[2] + 2*w*uvz + 2*uuvz,
	}
}

func expf(x float32) float32 { return float32(math.Exp(float64(x))) }
