package forward

import "github.com/cwbudde/gsplatforge/internal/scene"

// Spherical-harmonic basis normalization constants, degrees 0-3, the
// standard real SH basis used by 3D Gaussian Splatting renderers.
const (
	shC0 = 0.28209479177387814
	shC1 = 0.4886025119029199
)

var shC2 = [5]float32{
	1.0925484305920792,
	-1.0925484305920792,
	0.31539156525252005,
	-1.0925484305920792,
	0.5462742152960396,
}

var shC3 = [7]float32{
	-0.5900435899266435,
	2.890611442640554,
	-0.4570457994644658,
	0.3731763325901154,
	-0.4570457994644658,
	1.445305721320277,
	-0.5900435899266435,
}

// EvalSH evaluates up to degree `degree` (0-3) of the real SH basis in
// direction dir (unit vector from Gaussian to camera, per spec.md §4.4
// step 6), returning the unclamped RGB color before the +0.5 DC offset and
// zero-clamp the caller applies.
func EvalSH(degree int, coeffs [3][scene.MaxSHCoeffs]float32, dir [3]float32) [3]float32 {
	var out [3]float32
	for ch := 0; ch < 3; ch++ {
		out[ch] = shC0 * coeffs[ch][0]
	}
	if degree < 1 {
		return out
	}

	x, y, z := dir[0], dir[1], dir[2]
	for ch := 0; ch < 3; ch++ {
		c := coeffs[ch]
		out[ch] += -shC1*y*c[1] + shC1*z*c[2] - shC1*x*c[3]
	}
	if degree < 2 {
		return out
	}

	xx, yy, zz := x*x, y*y, z*z
	xy, yz, xz := x*y, y*z, x*z
	for ch := 0; ch < 3; ch++ {
		c := coeffs[ch]
		out[ch] += shC2[0]*xy*c[4] +
			shC2[1]*yz*c[5] +
			shC2[2]*(2*zz-xx-yy)*c[6] +
			shC2[3]*xz*c[7] +
			shC2[4]*(xx-yy)*c[8]
	}
	if degree < 3 {
		return out
	}

	for ch := 0; ch < 3; ch++ {
		c := coeffs[ch]
		out[ch] += shC3[0]*y*(3*xx-yy)*c[9] +
			shC3[1]*xy*z*c[10] +
			shC3[2]*y*(4*zz-xx-yy)*c[11] +
			shC3[3]*z*(2*zz-3*xx-3*yy)*c[12] +
			shC3[4]*x*(4*zz-xx-yy)*c[13] +
			shC3[5]*z*(xx-yy)*c[14] +
			shC3[6]*x*(xx-3*yy)*c[15]
	}
	return out
}
