package backward

import (
	"math"

	"github.com/cwbudde/gsplatforge/internal/gpu/forward"
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// Inputs bundles the screen-space gradients the backward rasterizer
// (internal/gpu/raster) accumulated for one Gaussian across every pixel it
// touched this iteration, after decoding the fixed-point atomics.
type Inputs struct {
	DMean2DPx         [2]float32 // pixel-space gradient on the projected center
	DConic            [3]float32 // (a,b,c) gradient on the conic
	DOpacitySigma     float32    // gradient on the post-sigmoid opacity
	DColor            [3]float32
	ProjectedRadiusPx float32
	MaxRadiusPx       float32
}

// ComputeOne recomputes the forward projection algebra of
// internal/gpu/forward for one Gaussian and converts screen-space
// gradients into 3D parameter gradients (spec.md §4.9). It is the host
// oracle backward_opencl.go's kernel is checked against.
func ComputeOne(g scene.Gaussian, cfg forward.Config, in Inputs) GradientRecord {
	tv4 := forward.TransformPoint(cfg.View, g.Mean)
	tv := [3]float32{tv4[0], tv4[1], tv4[2]}

	sigma3 := forward.Covariance3D(g.LogScale, g.Rotation)
	a, b, c, t := forward.Covariance2D(sigma3, cfg.View, tv, cfg.Fx, cfg.Fy, cfg.Width, cfg.Height)
	if _, _, _, ok := forward.ConicFrom2x2Exported(a, b, c); !ok {
		return GradientRecord{}
	}

	var dMean3D [3]float32

	// --- screen (pixel) -> NDC -> clip-homogeneous -> view-space gradient.
	dndcX := in.DMean2DPx[0] / (0.5 * float32(cfg.Width))
	dndcY := in.DMean2DPx[1] / (0.5 * float32(cfg.Height))
	// clip.xyz = ndc.xyz * clip.w; approximate clip.w by the view-space
	// depth (a standard perspective camera sets w = z).
	clipW := tv[2]
	if clipW == 0 {
		return GradientRecord{}
	}
	dclip := [4]float32{dndcX / clipW, dndcY / clipW, 0, 0}
	dclip[3] = -(dndcX*tv4[0] + dndcY*tv4[1]) / (clipW * clipW)

	var dtv4FromNDC [4]float32
	for i := 0; i < 4; i++ {
		var sum float32
		for row := 0; row < 4; row++ {
			sum += cfg.Proj[row*4+i] * dclip[row]
		}
		dtv4FromNDC[i] = sum
	}
	for k := 0; k < 3; k++ {
		var sum float32
		for row := 0; row < 4; row++ {
			sum += cfg.View[row*4+k] * dtv4FromNDC[row]
		}
		dMean3D[k] += sum
	}

	// --- conic -> 2D covariance -> T -> J -> view-space depth/xy gradient,
	// and -> Sigma3 -> M -> (scale, quaternion) gradient.
	dConicMat := forward.Mat3{
		in.DConic[0], in.DConic[1], 0,
		in.DConic[1], in.DConic[2], 0,
		0, 0, 0,
	}
	sigma2 := forward.Mat3{a, b, 0, b, c, 0, 0, 0, 0}
	dSigma2 := negSigmaDSigma(sigma2, dConicMat)

	w := forward.Upper3x3(cfg.View)
	j := forward.Jacobian(tv, cfg.Fx, cfg.Fy, cfg.Width, cfg.Height)
	tMat := forward.Mat3MulMat3(w, j)

	dSigma3 := forward.Mat3MulMat3(forward.Mat3MulMat3(tMat, dSigma2), forward.Mat3Transpose(tMat))
	dT := addMat3(forward.Mat3MulMat3(forward.Mat3MulMat3(sigma3, tMat), dSigma2),
		forward.Mat3MulMat3(forward.Mat3MulMat3(sigma3, tMat), forward.Mat3Transpose(dSigma2)))
	dJ := forward.Mat3MulMat3(forward.Mat3Transpose(w), dT)

	fx, fy := cfg.Fx, cfg.Fy
	z := tv[2]
	dzFromJ := dJ[0]*(-fx/(z*z)) + dJ[4]*(-fy/(z*z)) +
		dJ[2]*(2*fx*tv[0]/(z*z*z)) + dJ[5]*(2*fy*tv[1]/(z*z*z))
	dxFromJ := dJ[2] * (-fx / (z * z))
	dyFromJ := dJ[5] * (-fy / (z * z))

	dtv4FromCov := [4]float32{dxFromJ, dyFromJ, dzFromJ, 0}
	for k := 0; k < 3; k++ {
		var sum float32
		for row := 0; row < 3; row++ {
			sum += w[row*3+k] * dtv4FromCov[row]
		}
		dMean3D[k] += sum
	}

	// Sigma3 = M^T M, M = S*R(q): ds_i = row_i(dM) . row_i(R); dR = S^-1 dM.
	r := forward.RotationFromQuat(g.Rotation)
	sx := float32(math.Exp(float64(g.LogScale[0])))
	sy := float32(math.Exp(float64(g.LogScale[1])))
	sz := float32(math.Exp(float64(g.LogScale[2])))
	m := forward.Mat3{sx * r[0], sx * r[1], sx * r[2], sy * r[3], sy * r[4], sy * r[5], sz * r[6], sz * r[7], sz * r[8]}

	dM := scaleMat3(forward.Mat3MulMat3(m, addMat3(dSigma3, forward.Mat3Transpose(dSigma3))), 1)

	var ds [3]float32
	ds[0] = dM[0]*r[0] + dM[1]*r[1] + dM[2]*r[2]
	ds[1] = dM[3]*r[3] + dM[4]*r[4] + dM[5]*r[5]
	ds[2] = dM[6]*r[6] + dM[7]*r[7] + dM[8]*r[8]

	dR := forward.Mat3{
		dM[0] / sx, dM[1] / sx, dM[2] / sx,
		dM[3] / sy, dM[4] / sy, dM[5] / sy,
		dM[6] / sz, dM[7] / sz, dM[8] / sz,
	}

	dq := quatGradientFromRotationGradient(g.Rotation, dR)

	record := GradientRecord{
		DMean:    dMean3D,
		DOpacity: in.DOpacitySigma * scene.Sigmoid(g.OpacityLogit) * (1 - scene.Sigmoid(g.OpacityLogit)),
		DQuat:    dq,
		DLogS:    [3]float32{ds[0] * sx, ds[1] * sy, ds[2] * sz},
		DColor:   in.DColor,
	}

	if in.ProjectedRadiusPx >= in.MaxRadiusPx && in.MaxRadiusPx > 0 {
		for i := range record.DLogS {
			if record.DLogS[i] < 0 {
				record.DLogS[i] = 0
			}
		}
	}

	_ = t
	return record
}

// negSigmaDSigma computes -Sigma2 * dConic * Sigma2 (derivative of a
// matrix inverse, spec.md §4.9's conic-inversion chain), padded into the
// 3x3 shape the rest of the chain expects.
func negSigmaDSigma(sigma2, dConic forward.Mat3) forward.Mat3 {
	prod := forward.Mat3MulMat3(forward.Mat3MulMat3(sigma2, dConic), sigma2)
	return scaleMat3(prod, -1)
}

func addMat3(a, b forward.Mat3) forward.Mat3 {
	var out forward.Mat3
	for i := range out {
		out[i] = a[i] + b[i]
	}
	return out
}

func scaleMat3(m forward.Mat3, s float32) forward.Mat3 {
	var out forward.Mat3
	for i := range m {
		out[i] = m[i] * s
	}
	return out
}

// quatGradientFromRotationGradient projects a gradient on the 3x3 rotation
// matrix back onto (w,x,y,z) via the four standard partial-derivative
// matrices of R(q) (spec.md §4.9).
func quatGradientFromRotationGradient(q [4]float32, dR forward.Mat3) [4]float32 {
	w, x, y, z := q[0], q[1], q[2], q[3]

	dRdw := forward.Mat3{0, -2 * z, 2 * y, 2 * z, 0, -2 * x, -2 * y, 2 * x, 0}
	dRdx := forward.Mat3{0, 2 * y, 2 * z, 2 * y, -4 * x, -2 * w, 2 * z, 2 * w, -4 * x}
	dRdy := forward.Mat3{-4 * y, 2 * x, 2 * w, 2 * x, 0, 2 * z, -2 * w, 2 * z, -4 * y}
	dRdz := forward.Mat3{-4 * z, -2 * w, 2 * x, 2 * w, -4 * z, 2 * y, 2 * x, 2 * y, 0}

	return [4]float32{
		frobeniusInner(dR, dRdw),
		frobeniusInner(dR, dRdx),
		frobeniusInner(dR, dRdy),
		frobeniusInner(dR, dRdz),
	}
}

func frobeniusInner(a, b forward.Mat3) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
