package forward

import "math"

type mat3 [9]float32 // row-major 3x3
type mat4 = [16]float32

// Mat3 is the exported row-major 3x3 matrix form internal/gpu/backward
// reuses to recompute this package's forward algebra during the backward
// geometry pass (spec.md §4.9 recomputes rather than stores intermediates).
type Mat3 = mat3

// RotationFromQuat, Covariance3D, Jacobian, Covariance2D, and
// ConicFrom2x2Exported expose this file's unexported helpers for reuse by
// internal/gpu/backward, which must recompute the identical forward
// algebra to derive gradients without its own copy of this math.
func RotationFromQuat(q [4]float32) Mat3 { return rotationFromQuat(q) }
func Covariance3D(logScale [3]float32, q [4]float32) Mat3 { return covariance3D(logScale, q) }
func Jacobian(tv [3]float32, fx, fy float32, width, height int) Mat3 {
	return jacobian(tv, fx, fy, width, height)
}
func Covariance2D(sigma3 Mat3, view [16]float32, tv [3]float32, fx, fy float32, width, height int) (a, b, c float32, t Mat3) {
	return covariance2D(sigma3, view, tv, fx, fy, width, height)
}
func ConicFrom2x2Exported(a, b, c float32) (float32, float32, float32, bool) {
	return conicFrom2x2(a, b, c)
}
func Mat3Transpose(m Mat3) Mat3        { return mat3Transpose(m) }
func Mat3MulMat3(a, b Mat3) Mat3       { return mat3MulMat3(a, b) }
func Upper3x3(m [16]float32) Mat3      { return upper3x3(m) }
func TransformPoint(m [16]float32, p [3]float32) [4]float32 { return transformPoint(m, p) }

func rotationFromQuat(q [4]float32) mat3 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// covariance3D returns Sigma3 = M^T M with M = S*R(q), flattened row-major
// (spec.md §4.4 step 3, §4.9's "Sigma3 = M^T M, M = S*R(q)").
func covariance3D(logScale [3]float32, q [4]float32) mat3 {
	r := rotationFromQuat(q)
	sx, sy, sz := float32(math.Exp(float64(logScale[0]))), float32(math.Exp(float64(logScale[1]))), float32(math.Exp(float64(logScale[2])))
	// M = S*R: scale each row of R by the corresponding sigma.
	m := mat3{
		sx * r[0], sx * r[1], sx * r[2],
		sy * r[3], sy * r[4], sy * r[5],
		sz * r[6], sz * r[7], sz * r[8],
	}
	return mat3TMulM(m)
}

// mat3TMulM computes M^T * M for a row-major 3x3 m.
func mat3TMulM(m mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float32
			for k := 0; k < 3; k++ {
				sum += m[k*3+i] * m[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

func mat3Det(m mat3) float32 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
}

// transformPoint applies a row-major 4x4 matrix to a homogeneous point
// (x,y,z,1), returning the full (x,y,z,w).
func transformPoint(m mat4, p [3]float32) [4]float32 {
	var out [4]float32
	v := [4]float32{p[0], p[1], p[2], 1}
	for i := 0; i < 4; i++ {
		var sum float32
		for j := 0; j < 4; j++ {
			sum += m[i*4+j] * v[j]
		}
		out[i] = sum
	}
	return out
}

// upper3x3 extracts the rotation/scale part of a row-major 4x4 matrix.
func upper3x3(m mat4) mat3 {
	return mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

func mat3MulMat3(a, b mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float32
			for k := 0; k < 3; k++ {
				sum += a[i*3+k] * b[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

func mat3Transpose(m mat3) mat3 {
	return mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// jacobian builds the perspective-projection Jacobian at view-space point
// tv, clamping the tan-angle terms as spec.md §4.4 step 4 requires.
func jacobian(tv [3]float32, fx, fy float32, width, height int) mat3 {
	limX := FovTanClamp * (float32(width) / (2 * fx))
	limY := FovTanClamp * (float32(height) / (2 * fy))

	tx, ty := tv[0]/tv[2], tv[1]/tv[2]
	if tx > limX {
		tx = limX
	} else if tx < -limX {
		tx = -limX
	}
	if ty > limY {
		ty = limY
	} else if ty < -limY {
		ty = -limY
	}
	clampedX := tx * tv[2]
	clampedY := ty * tv[2]

	return mat3{
		fx / tv[2], 0, -fx * clampedX / (tv[2] * tv[2]),
		0, fy / tv[2], -fy * clampedY / (tv[2] * tv[2]),
		0, 0, 0,
	}
}

// covariance2D projects a 3D covariance into screen space via
// Sigma2 = (W*J)^T * Sigma3 * (W*J) + eps*I2, returning the top-left 2x2
// block flattened as (a,b,b,c) plus the full intermediate T = W*J for
// reuse by the backward pass (spec.md §4.4 step 4, §4.9).
func covariance2D(sigma3 mat3, view mat4, tv [3]float32, fx, fy float32, width, height int) (a, b, c float32, t mat3) {
	w := upper3x3(view)
	j := jacobian(tv, fx, fy, width, height)
	t = mat3MulMat3(w, j)
	tT := mat3Transpose(t)
	sigma2Full := mat3MulMat3(mat3MulMat3(tT, sigma3), t)
	a = sigma2Full[0] + CovarianceEpsilon
	b = sigma2Full[1]
	c = sigma2Full[4] + CovarianceEpsilon
	return a, b, c, t
}

// conic inverts the symmetric 2x2 covariance (a,b;b,c); returns ok=false if
// not negative-definite for the kernel's purposes (determinant <= 0).
func conicFrom2x2(a, b, c float32) (conicA, conicB, conicC float32, ok bool) {
	det := a*c - b*b
	if det <= 0 {
		return 0, 0, 0, false
	}
	inv := 1 / det
	return c * inv, -b * inv, a * inv, true
}
