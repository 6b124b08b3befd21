//go:build gpu

package orchestrator

import (
	"context"
	"fmt"

	"github.com/cwbudde/gsplatforge/internal/camera"
	"github.com/cwbudde/gsplatforge/internal/gpu/backward"
	"github.com/cwbudde/gsplatforge/internal/gpu/forward"
	"github.com/cwbudde/gsplatforge/internal/gpu/metric"
	"github.com/cwbudde/gsplatforge/internal/gpu/optim"
	"github.com/cwbudde/gsplatforge/internal/gpu/raster"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// scanTileCounts is the uint32 analogue of exclusiveScanHost: the
// per-Gaussian tile counts the forward preprocess produces feed straight
// into EmitKeys as output offsets (spec.md §4.4 step 7 into §4.5), small
// enough that it is cheaper computed on the host than round-tripped
// through internal/gpu/scan.
func scanTileCounts(counts []uint32) ([]uint32, int) {
	offsets := make([]uint32, len(counts))
	var sum uint32
	for i, c := range counts {
		offsets[i] = sum
		sum += c
	}
	return offsets, int(sum)
}

// forwardPass bundles one view's forward-preprocess-through-tile-range
// output: the shared input both the forward rasterizer and the metric
// pass's contributor walk need.
type forwardPass struct {
	proj        *forward.Projected
	sortedVals  []uint32
	tileOffsets []uint32
	gridW       int
	gridH       int
}

// runForwardPass drives the forward preprocess, the host-side exclusive
// scan of its tile counts, the radix sort of the emitted tile keys, and the
// tile-range builder for one view (spec.md §4.4 through §4.5).
func (r *GPUIterationRunner) runForwardPass(gaussians []scene.Gaussian, shs []scene.SH, fcfg forward.Config) (*forwardPass, error) {
	batch := forward.BatchFromScene(gaussians, shs)
	proj, err := r.Forward.Project(batch, fcfg)
	if err != nil {
		return nil, fmt.Errorf("forward project: %w", err)
	}

	gridW := forward.TileGridWidth(fcfg.Width)
	gridH := forward.TileGridHeight(fcfg.Height)

	offsets, total := scanTileCounts(proj.TileCounts)
	keys, values, err := r.Forward.EmitKeys(proj, offsets, total, gridW)
	if err != nil {
		return nil, fmt.Errorf("forward emit keys: %w", err)
	}

	sortedKeys, sortedVals, err := r.Sort.Sort(keys, values)
	if err != nil {
		return nil, fmt.Errorf("radix sort: %w", err)
	}

	tileOffsets, err := r.Ranges.BuildRanges(sortedKeys, gridW*gridH)
	if err != nil {
		return nil, fmt.Errorf("tile ranges: %w", err)
	}

	return &forwardPass{proj: proj, sortedVals: sortedVals, tileOffsets: tileOffsets, gridW: gridW, gridH: gridH}, nil
}

// gatherContributors builds the sorted struct-of-arrays contributor batch
// the tile rasterizer reads, projecting each entry's NDC center into pixel
// space the same way forward_opencl.go's preprocess kernel derives its own
// screen bbox.
func gatherContributors(proj *forward.Projected, sortedVals []uint32, width, height int) raster.ContributorSOA {
	n := len(sortedVals)
	soa := raster.ContributorSOA{
		NDCX: make([]float32, n), NDCY: make([]float32, n),
		ConicA: make([]float32, n), ConicB: make([]float32, n), ConicC: make([]float32, n),
		ColorR: make([]float32, n), ColorG: make([]float32, n), ColorB: make([]float32, n),
		Opacity: make([]float32, n), GaussianIndex: make([]uint32, n),
	}
	for s, gi := range sortedVals {
		i := int(gi)
		soa.NDCX[s] = (proj.NDC[i*2+0]*0.5 + 0.5) * float32(width)
		soa.NDCY[s] = (proj.NDC[i*2+1]*0.5 + 0.5) * float32(height)
		soa.ConicA[s] = proj.Conic[i*3+0]
		soa.ConicB[s] = proj.Conic[i*3+1]
		soa.ConicC[s] = proj.Conic[i*3+2]
		soa.ColorR[s] = proj.Color[i*3+0]
		soa.ColorG[s] = proj.Color[i*3+1]
		soa.ColorB[s] = proj.Color[i*3+2]
		soa.Opacity[s] = proj.Opacity[i]
		soa.GaussianIndex[s] = gi
	}
	return soa
}

// planarFromInterleaved splits a row-major interleaved rgb buffer (as
// produced by raster.ForwardResult.ColorF) into three planar channels, the
// layout internal/gpu/loss and internal/gpu/metric read pred/target in.
func planarFromInterleaved(interleaved []float32, pixels int) (r, g, b []float32) {
	r = make([]float32, pixels)
	g = make([]float32, pixels)
	b = make([]float32, pixels)
	for i := 0; i < pixels; i++ {
		r[i] = interleaved[i*3+0]
		g[i] = interleaved[i*3+1]
		b[i] = interleaved[i*3+2]
	}
	return r, g, b
}

// decodeTargetScaled nearest-neighbor samples a view's rgba8unorm
// reference image into planar float32 channels at the given destination
// resolution, so the metric pass's optional downscale (spec.md §4.11) can
// compare against a render done at less than full view resolution.
func decodeTargetScaled(target []byte, srcW, srcH, dstW, dstH int) (r, g, b []float32) {
	pixels := dstW * dstH
	r = make([]float32, pixels)
	g = make([]float32, pixels)
	b = make([]float32, pixels)
	for y := 0; y < dstH; y++ {
		sy := y * srcH / dstH
		for x := 0; x < dstW; x++ {
			sx := x * srcW / dstW
			si := sy*srcW + sx
			di := y*dstW + x
			r[di] = float32(target[si*4+0]) / 255
			g[di] = float32(target[si*4+1]) / 255
			b[di] = float32(target[si*4+2]) / 255
		}
	}
	return r, g, b
}

// diagnosticLoss reports a host-side L1+L2 scalar over the planar
// prediction/target buffers for status reporting only: the DSSIM term is
// expensive to replicate on the host (a windowed reduction loss.Gradient
// already computes on device) and isn't needed for anything but a number
// to log, so it's left out of this estimate.
func diagnosticLoss(predR, predG, predB, targetR, targetG, targetB []float32, l1w, l2w float32) float32 {
	n := len(predR)
	if n == 0 {
		return 0
	}
	var l1sum, l2sum float64
	accum := func(p, t []float32) {
		for i := 0; i < n; i++ {
			d := p[i] - t[i]
			ad := d
			if ad < 0 {
				ad = -ad
			}
			l1sum += float64(ad)
			l2sum += float64(d * d)
		}
	}
	accum(predR, targetR)
	accum(predG, targetG)
	accum(predB, targetB)
	count := float64(n * 3)
	return float32(l1w)*float32(l1sum/count) + float32(l2w)*float32(l2sum/count)
}

// broadcastActive repeats a per-Gaussian active mask stride times, so a
// flattened per-component optim.Runner.Step call gates every component of
// a Gaussian's parameter group together.
func broadcastActive(mask []uint32, stride int) []uint32 {
	out := make([]uint32, len(mask)*stride)
	for i, m := range mask {
		for s := 0; s < stride; s++ {
			out[i*stride+s] = m
		}
	}
	return out
}

// RunIteration drives one training iteration's C4->C3->C5->C6->C7->C8->C9->
// C10 pipeline against a single reference view (spec.md §4.13): forward
// preprocess and sort, the forward tile rasterizer, the loss gradient, the
// backward tile rasterizer, backward geometry, spherical-harmonic gradient
// projection, and the Adam step, writing the updated Gaussians back into
// sc in place.
func (r *GPUIterationRunner) RunIteration(ctx context.Context, sc *scene.Scene, states []optim.State, shStates []optim.SHState, view *camera.View, cfg Config) (IterationStats, error) {
	n := sc.N
	gaussians := make([]scene.Gaussian, n)
	shs := make([]scene.SH, n)
	for i := 0; i < n; i++ {
		gaussians[i], shs[i] = sc.Read(i)
	}

	fcfg := forward.Config{
		View: view.View, Proj: view.Proj,
		Fx: view.Fx, Fy: view.Fy,
		Width: view.Width, Height: view.Height,
		SHDegree: cfg.SHDegree,
	}

	fp, err := r.runForwardPass(gaussians, shs, fcfg)
	if err != nil {
		return IterationStats{}, err
	}

	soa := gatherContributors(fp.proj, fp.sortedVals, fcfg.Width, fcfg.Height)
	fwd, err := r.Raster.RasterizeForward(soa, fp.tileOffsets, fp.gridW, fcfg.Width, fcfg.Height)
	if err != nil {
		return IterationStats{}, fmt.Errorf("rasterize forward: %w", err)
	}

	predR, predG, predB := planarFromInterleaved(fwd.ColorF, fcfg.Width*fcfg.Height)
	targetR, targetG, targetB := decodeTargetScaled(view.Target, view.Width, view.Height, fcfg.Width, fcfg.Height)

	dLdColor, err := r.Loss.Gradient(predR, predG, predB, targetR, targetG, targetB, fcfg.Width, fcfg.Height, cfg.Loss)
	if err != nil {
		return IterationStats{}, fmt.Errorf("loss gradient: %w", err)
	}
	lossScalar := diagnosticLoss(predR, predG, predB, targetR, targetG, targetB, cfg.Loss.L1, cfg.Loss.L2)

	grads, err := r.Raster.RasterizeBackward(soa, fp.tileOffsets, fwd, dLdColor, n, fp.gridW, fcfg.Width, fcfg.Height)
	if err != nil {
		return IterationStats{}, fmt.Errorf("rasterize backward: %w", err)
	}

	in := backward.GeometryInputs{
		MeanX: make([]float32, n), MeanY: make([]float32, n), MeanZ: make([]float32, n),
		LogScaleX: make([]float32, n), LogScaleY: make([]float32, n), LogScaleZ: make([]float32, n),
		QuatW: make([]float32, n), QuatX: make([]float32, n), QuatY: make([]float32, n), QuatZ: make([]float32, n),
		OpacityLogit:      make([]float32, n),
		DMean2DFixed:      make([]int32, n*2),
		DConicFixed:       make([]int32, n*3),
		DOpacityFixed:     make([]int32, n),
		DColorFixed:       make([]int32, n*3),
		ProjectedRadiusPx: make([]float32, n),
		MaxRadiusPx:       make([]float32, n),
	}
	var maxRadiusSeen float32
	for i, g := range gaussians {
		in.MeanX[i], in.MeanY[i], in.MeanZ[i] = g.Mean[0], g.Mean[1], g.Mean[2]
		in.LogScaleX[i], in.LogScaleY[i], in.LogScaleZ[i] = g.LogScale[0], g.LogScale[1], g.LogScale[2]
		in.QuatW[i], in.QuatX[i], in.QuatY[i], in.QuatZ[i] = g.Rotation[0], g.Rotation[1], g.Rotation[2], g.Rotation[3]
		in.OpacityLogit[i] = g.OpacityLogit
		in.MaxRadiusPx[i] = cfg.MaxRadiusPx

		radius := fp.proj.Extent[i*2+0]
		if fp.proj.Extent[i*2+1] > radius {
			radius = fp.proj.Extent[i*2+1]
		}
		in.ProjectedRadiusPx[i] = radius
		if radius > maxRadiusSeen {
			maxRadiusSeen = radius
		}
	}
	for i := range in.DMean2DFixed {
		in.DMean2DFixed[i] = backward.EncodeFixed(grads.DMean2D[i])
	}
	for i := range in.DConicFixed {
		in.DConicFixed[i] = backward.EncodeFixed(grads.DConic[i])
	}
	for i := range in.DOpacityFixed {
		in.DOpacityFixed[i] = backward.EncodeFixed(grads.DOpacity[i])
	}
	for i := range in.DColorFixed {
		in.DColorFixed[i] = backward.EncodeFixed(grads.DColor[i])
	}

	geomOut, err := r.Backward.ComputeGeometry(in, fcfg.View, fcfg.Proj, fcfg.Fx, fcfg.Fy, fcfg.Width, fcfg.Height)
	if err != nil {
		return IterationStats{}, fmt.Errorf("backward geometry: %w", err)
	}

	shGrads := make([][3][scene.MaxSHCoeffs]float32, n)
	for i, g := range gaussians {
		dir := forward.ViewDir(g.Mean, fcfg.View)
		raw := forward.EvalSH(cfg.SHDegree, shs[i].Coeffs, dir)
		var dColor [3]float32
		for ch := 0; ch < 3; ch++ {
			if raw[ch]+0.5 < 0 {
				continue
			}
			dColor[ch] = geomOut.DColor[i*3+ch]
		}
		shGrads[i] = forward.SHCoeffGradient(cfg.SHDegree, dir, dColor)
	}

	active := make([]uint32, n)
	for i := range active {
		if fp.proj.TileCounts[i] > 0 {
			active[i] = 1
		}
	}

	// Position.
	thetaPos := make([]float32, n*3)
	mPos := make([]float32, n*3)
	vPos := make([]float32, n*3)
	for i := range gaussians {
		copy(thetaPos[i*3:], gaussians[i].Mean[:])
		copy(mPos[i*3:], states[i].MPos[:])
		copy(vPos[i*3:], states[i].VPos[:])
	}
	newPos, newMPos, newVPos, err := r.Optim.Step(thetaPos, geomOut.DMean, broadcastActive(active, 3), mPos, vPos, cfg.LR.Pos, cfg.Beta1, cfg.Beta2, cfg.Eps)
	if err != nil {
		return IterationStats{}, fmt.Errorf("optim step position: %w", err)
	}

	// Rotation.
	thetaRot := make([]float32, n*4)
	mRot := make([]float32, n*4)
	vRot := make([]float32, n*4)
	for i := range gaussians {
		copy(thetaRot[i*4:], gaussians[i].Rotation[:])
		copy(mRot[i*4:], states[i].MRot[:])
		copy(vRot[i*4:], states[i].VRot[:])
	}
	newRot, newMRot, newVRot, err := r.Optim.Step(thetaRot, geomOut.DQuat, broadcastActive(active, 4), mRot, vRot, cfg.LR.Rot, cfg.Beta1, cfg.Beta2, cfg.Eps)
	if err != nil {
		return IterationStats{}, fmt.Errorf("optim step rotation: %w", err)
	}

	// Log-scale.
	thetaScale := make([]float32, n*3)
	mScale := make([]float32, n*3)
	vScale := make([]float32, n*3)
	for i := range gaussians {
		copy(thetaScale[i*3:], gaussians[i].LogScale[:])
		copy(mScale[i*3:], states[i].MScale[:])
		copy(vScale[i*3:], states[i].VScale[:])
	}
	newScale, newMScale, newVScale, err := r.Optim.Step(thetaScale, geomOut.DLogS, broadcastActive(active, 3), mScale, vScale, cfg.LR.Scale, cfg.Beta1, cfg.Beta2, cfg.Eps)
	if err != nil {
		return IterationStats{}, fmt.Errorf("optim step scale: %w", err)
	}

	// Opacity logit.
	thetaOpacity := make([]float32, n)
	mOpacity := make([]float32, n)
	vOpacity := make([]float32, n)
	for i := range gaussians {
		thetaOpacity[i] = gaussians[i].OpacityLogit
		mOpacity[i] = states[i].MOpacity
		vOpacity[i] = states[i].VOpacity
	}
	newOpacity, newMOpacity, newVOpacity, err := r.Optim.Step(thetaOpacity, geomOut.DOpacity, active, mOpacity, vOpacity, cfg.LR.Opacity, cfg.Beta1, cfg.Beta2, cfg.Eps)
	if err != nil {
		return IterationStats{}, fmt.Errorf("optim step opacity: %w", err)
	}

	// SH color: only the coefficients the current degree activates are
	// stepped, channel-major flattening (optim_ref.go's StepSH convention).
	active1 := activeSHCoeffs(cfg.SHDegree)
	thetaColor := make([]float32, n*3*active1)
	gradColor := make([]float32, n*3*active1)
	mColor := make([]float32, n*3*active1)
	vColor := make([]float32, n*3*active1)
	for i := range gaussians {
		for ch := 0; ch < 3; ch++ {
			base := i*3*active1 + ch*active1
			for c := 0; c < active1; c++ {
				thetaColor[base+c] = shs[i].Coeffs[ch][c]
				gradColor[base+c] = shGrads[i][ch][c]
				mColor[base+c] = shStates[i].M[ch][c]
				vColor[base+c] = shStates[i].V[ch][c]
			}
		}
	}
	newColor, newMColor, newVColor, err := r.Optim.Step(thetaColor, gradColor, broadcastActive(active, 3*active1), mColor, vColor, cfg.LR.Color, cfg.Beta1, cfg.Beta2, cfg.Eps)
	if err != nil {
		return IterationStats{}, fmt.Errorf("optim step color: %w", err)
	}

	for i := range gaussians {
		g := gaussians[i]
		copy(g.Mean[:], newPos[i*3:i*3+3])
		copy(g.Rotation[:], newRot[i*4:i*4+4])
		g.Rotation = normalizeQuatHost(g.Rotation)
		copy(g.LogScale[:], newScale[i*3:i*3+3])
		g.OpacityLogit = newOpacity[i]

		copy(states[i].MPos[:], newMPos[i*3:i*3+3])
		copy(states[i].VPos[:], newVPos[i*3:i*3+3])
		copy(states[i].MRot[:], newMRot[i*4:i*4+4])
		copy(states[i].VRot[:], newVRot[i*4:i*4+4])
		copy(states[i].MScale[:], newMScale[i*3:i*3+3])
		copy(states[i].VScale[:], newVScale[i*3:i*3+3])
		states[i].MOpacity = newMOpacity[i]
		states[i].VOpacity = newVOpacity[i]

		sh := shs[i]
		for ch := 0; ch < 3; ch++ {
			base := i*3*active1 + ch*active1
			for c := 0; c < active1; c++ {
				sh.Coeffs[ch][c] = newColor[base+c]
				shStates[i].M[ch][c] = newMColor[base+c]
				shStates[i].V[ch][c] = newVColor[base+c]
			}
		}

		sc.Write(i, g, sh)
	}

	return IterationStats{
		Loss:        lossScalar,
		TileCounts:  fp.proj.TileCounts,
		MaxRadiusPx: maxRadiusSeen,
	}, nil
}

// normalizeQuatHost renormalizes a quaternion after an Adam step, the same
// housekeeping optim_ref.go's StepOne applies before returning (harmless on
// an already-unit quaternion, so it's safe to run unconditionally here
// rather than re-deriving which Gaussians the device actually updated).
func normalizeQuatHost(q [4]float32) [4]float32 {
	n := float32(0)
	for _, c := range q {
		n += c * c
	}
	if n == 0 {
		return [4]float32{1, 0, 0, 0}
	}
	n = sqrtf32Host(n)
	return [4]float32{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

func sqrtf32Host(x float32) float32 {
	lo, hi := float32(0), x
	if x < 1 {
		hi = 1
	}
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		if mid*mid > x {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo
}

// activeSHCoeffs mirrors optim_ref.go's unexported helper of the same name:
// how many of scene.MaxSHCoeffs per-channel coefficients the current SH
// degree drives.
func activeSHCoeffs(shDegree int) int {
	switch shDegree {
	case 0:
		return 1
	case 1:
		return 4
	case 2:
		return 9
	default:
		return scene.MaxSHCoeffs
	}
}

// RunMetric drives the multi-view error metric pass (C11): for each sampled
// view it runs the forward preprocess/sort/rasterize prefix at the
// configured downscale, builds per-Gaussian high-error contribution counts,
// and folds them into a running accumulator (spec.md §4.11).
func (r *GPUIterationRunner) RunMetric(ctx context.Context, sc *scene.Scene, views []*camera.View, cfg Config) ([]uint32, error) {
	n := sc.N
	gaussians := make([]scene.Gaussian, n)
	shs := make([]scene.SH, n)
	for i := 0; i < n; i++ {
		gaussians[i], shs[i] = sc.Read(i)
	}

	downscale := cfg.Metric.Downscale
	if downscale <= 0 {
		downscale = 1
	}

	acc := metric.NewAccumulator(n)
	for _, view := range views {
		if view == nil {
			continue
		}
		dstW := view.Width / downscale
		dstH := view.Height / downscale
		if dstW < 1 {
			dstW = 1
		}
		if dstH < 1 {
			dstH = 1
		}

		fcfg := forward.Config{
			View: view.View, Proj: view.Proj,
			Fx: view.Fx / float32(downscale), Fy: view.Fy / float32(downscale),
			Width: dstW, Height: dstH,
			SHDegree: cfg.SHDegree,
		}

		fp, err := r.runForwardPass(gaussians, shs, fcfg)
		if err != nil {
			return nil, err
		}

		soa := gatherContributors(fp.proj, fp.sortedVals, fcfg.Width, fcfg.Height)
		fwd, err := r.Raster.RasterizeForward(soa, fp.tileOffsets, fp.gridW, fcfg.Width, fcfg.Height)
		if err != nil {
			return nil, fmt.Errorf("metric rasterize forward: %w", err)
		}

		predR, predG, predB := planarFromInterleaved(fwd.ColorF, fcfg.Width*fcfg.Height)
		targetR, targetG, targetB := decodeTargetScaled(view.Target, view.Width, view.Height, fcfg.Width, fcfg.Height)

		counts, err := r.Metric.BuildCounts(predR, predG, predB, targetR, targetG, targetB, soa, fp.tileOffsets, fwd.N, n, fp.gridW, fcfg.Width, fcfg.Height, cfg.Metric.Threshold)
		if err != nil {
			return nil, fmt.Errorf("build counts: %w", err)
		}
		acc.AddView(counts)
	}

	return acc.Finalize(), nil
}
