package loss

// Image is a row-major rgba32float buffer, one [3]float32 per pixel (alpha
// is not part of the loss).
type Image struct {
	Width, Height int
	Pixels        [][3]float32
}

// GradientReference computes the per-pixel analytic gradient of
// lambda1*|p-t| + lambda2*(p-t)^2 + lambda_dssim*DSSIM(p,t) (spec.md §4.7).
// It is the host-side oracle loss_opencl.go's kernel is checked against.
//
// The DSSIM term uses one WindowSize x WindowSize box window centered on
// each pixel rather than summing contributions from every overlapping
// window a pixel participates in; this keeps the host oracle O(W*H*window)
// instead of O(W*H*window^2) while still exercising the same analytic
// partials the kernel computes per window.
func GradientReference(pred, target Image, w Weights) Image {
	out := Image{Width: pred.Width, Height: pred.Height, Pixels: make([][3]float32, len(pred.Pixels))}
	half := WindowSize / 2

	for y := 0; y < pred.Height; y++ {
		for x := 0; x < pred.Width; x++ {
			idx := y*pred.Width + x
			p := pred.Pixels[idx]
			t := target.Pixels[idx]

			var grad [3]float32
			for ch := 0; ch < 3; ch++ {
				diff := p[ch] - t[ch]
				grad[ch] += w.L1 * signf(diff)
				grad[ch] += w.L2 * 2 * diff
			}

			if w.DSSIM != 0 {
				dssimGrad := dssimGradientAt(pred, target, x, y, half, w.C1, w.C2)
				for ch := 0; ch < 3; ch++ {
					grad[ch] += w.DSSIM * dssimGrad[ch]
				}
			}

			out.Pixels[idx] = grad
		}
	}
	return out
}

func dssimGradientAt(pred, target Image, cx, cy, half int, c1, c2 float32) [3]float32 {
	var grad [3]float32
	for ch := 0; ch < 3; ch++ {
		var sumX, sumY, sumXX, sumYY, sumXY float32
		n := float32(0)
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				x, y := clampInt(cx+dx, 0, pred.Width-1), clampInt(cy+dy, 0, pred.Height-1)
				idx := y*pred.Width + x
				pv := pred.Pixels[idx][ch]
				tv := target.Pixels[idx][ch]
				sumX += pv
				sumY += tv
				sumXX += pv * pv
				sumYY += tv * tv
				sumXY += pv * tv
				n++
			}
		}
		muX, muY := sumX/n, sumY/n
		varX := sumXX/n - muX*muX
		varY := sumYY/n - muY*muY
		covXY := sumXY/n - muX*muY

		a1 := 2*muX*muY + c1
		a2 := 2*covXY + c2
		b1 := muX*muX + muY*muY + c1
		b2 := varX + varY + c2
		ssim := (a1 * a2) / (b1 * b2)

		// Partial derivative of SSIM at this window w.r.t. the center
		// pixel's own value, treating its contribution to mu_x, var_x,
		// cov_xy (standard SSIM-gradient decomposition, single window).
		p0 := pred.Pixels[cy*pred.Width+cx][ch]
		t0 := target.Pixels[cy*pred.Width+cx][ch]

		dMuX := float32(1) / n
		dVarX := 2 * (p0 - muX) / n
		dCovXY := (t0 - muY) / n

		dA1 := 2 * muY * dMuX
		dB1 := 2 * muX * dMuX
		dA2 := 2 * dCovXY
		dB2 := dVarX

		dSSIM := (dA1*a2+a1*dA2)/(b1*b2) - (a1*a2)/(b1*b1*b2*b2)*(dB1*b2+b1*dB2)
		grad[ch] = -0.5 * dSSIM
		_ = ssim
	}
	return grad
}

func signf(f float32) float32 {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
