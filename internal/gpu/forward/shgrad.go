package forward

import "github.com/cwbudde/gsplatforge/internal/scene"

// ViewDir recomputes the world-space unit direction from a Gaussian to the
// camera that ProjectOne evaluates EvalSH against (spec.md §4.4 step 6):
// the camera sits at the view-space origin, so -tv points at it, and the
// view matrix's rotation block (orthonormal) carries that back to world
// space.
func ViewDir(mean [3]float32, view [16]float32) [3]float32 {
	tv4 := transformPoint(view, mean)
	viewDirCam := normalize3([3]float32{-tv4[0], -tv4[1], -tv4[2]})
	worldDir := mat3Transpose(upper3x3(view))
	return mat3MulVec3(worldDir, viewDirCam)
}

// SHCoeffGradient runs EvalSH's basis evaluation in reverse: color is a
// linear combination of the SH coefficients, so d(color[ch])/d(coeff[c])
// is just the basis term EvalSH would multiply that coefficient by. This
// is how a screen-space color gradient (C9's DColor, the gradient on the
// single composited RGB value a Gaussian contributes) turns into a
// gradient on each of the (up to MaxSHCoeffs) coefficients the optimizer
// actually steps (spec.md §4.9, §4.10).
func SHCoeffGradient(degree int, dir [3]float32, dColor [3]float32) [3][scene.MaxSHCoeffs]float32 {
	var basis [scene.MaxSHCoeffs]float32
	basis[0] = shC0
	if degree >= 1 {
		x, y, z := dir[0], dir[1], dir[2]
		basis[1] = -shC1 * y
		basis[2] = shC1 * z
		basis[3] = -shC1 * x
	}
	if degree >= 2 {
		x, y, z := dir[0], dir[1], dir[2]
		xx, yy, zz := x*x, y*y, z*z
		xy, yz, xz := x*y, y*z, x*z
		basis[4] = shC2[0] * xy
		basis[5] = shC2[1] * yz
		basis[6] = shC2[2] * (2*zz - xx - yy)
		basis[7] = shC2[3] * xz
		basis[8] = shC2[4] * (xx - yy)
	}
	if degree >= 3 {
		x, y, z := dir[0], dir[1], dir[2]
		xx, yy, zz := x*x, y*y, z*z
		xy := x * y
		basis[9] = shC3[0] * y * (3*xx - yy)
		basis[10] = shC3[1] * xy * z
		basis[11] = shC3[2] * y * (4*zz - xx - yy)
		basis[12] = shC3[3] * z * (2*zz - 3*xx - 3*yy)
		basis[13] = shC3[4] * x * (4*zz - xx - yy)
		basis[14] = shC3[5] * z * (xx - yy)
		basis[15] = shC3[6] * x * (xx - 3*yy)
	}

	var out [3][scene.MaxSHCoeffs]float32
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < scene.MaxSHCoeffs; c++ {
			out[ch][c] = basis[c] * dColor[ch]
		}
	}
	return out
}
