package raster

// PixelResult is what ForwardPixel (C6's per-pixel oracle) reports.
type PixelResult struct {
	Color    [3]float32
	TFinal   float32
	NContrib int
}

// ForwardPixel walks contributors front-to-back and alpha-composites them,
// implementing the loop of spec.md §4.6 exactly. px,py is the pixel center
// in screen pixel coordinates.
func ForwardPixel(contributors []Contributor, centers [][2]float32, px, py float32) PixelResult {
	var color [3]float32
	t := float32(1)
	n := 0
	for i, c := range contributors {
		dx := px - centers[i][0]
		dy := py - centers[i][1]
		a := Alpha(c, dx, dy)
		if a < AlphaMin {
			continue
		}
		for ch := 0; ch < 3; ch++ {
			color[ch] += c.Color[ch] * a * t
		}
		t *= 1 - a
		n++
		if t < EpsStop {
			break
		}
	}
	return PixelResult{Color: color, TFinal: t, NContrib: n}
}

// PixelGradients is what BackwardPixel (C8's per-pixel oracle) reports:
// per-contributor gradients on color, opacity, 2D mean and conic.
type PixelGradients struct {
	DColor  [][3]float32
	DOpacity []float32
	DMean2D [][2]float32
	DConic  [][3]float32 // (a,b,c) symmetric terms
}

// BackwardPixel walks the first nContrib contributors in reverse, replaying
// the forward alpha-over to recover per-step transmittance, and accumulates
// the analytic gradients of spec.md §4.8. dLdPixel is the per-channel loss
// gradient w.r.t. this pixel's final color (from the loss kernel, C7).
func BackwardPixel(contributors []Contributor, centers [][2]float32, px, py float32, nContrib int, tFinal float32, dLdPixel [3]float32) PixelGradients {
	out := PixelGradients{
		DColor:   make([][3]float32, nContrib),
		DOpacity: make([]float32, nContrib),
		DMean2D:  make([][2]float32, nContrib),
		DConic:   make([][3]float32, nContrib),
	}

	t := tFinal
	var accumColor [3]float32 // running "previous color" term R

	for i := nContrib - 1; i >= 0; i-- {
		c := contributors[i]
		dx := px - centers[i][0]
		dy := py - centers[i][1]
		a := Alpha(c, dx, dy)
		if a < AlphaMin {
			continue
		}
		// Undo the forward composite: T before this contributor.
		t = t / (1 - a)

		for ch := 0; ch < 3; ch++ {
			out.DColor[i][ch] = a * t * dLdPixel[ch]
		}

		var dLdAlpha float32
		for ch := 0; ch < 3; ch++ {
			dLdAlpha += (c.Color[ch] - accumColor[ch]) * dLdPixel[ch] * t
		}

		// G is the raw Gaussian weight (alpha before the opacity factor);
		// recovered as a/opacity since Alpha clamps post-multiply.
		g := a / maxf(c.Opacity, 1e-12)
		out.DOpacity[i] = g * dLdAlpha

		dAlphaDPower := a * dLdAlpha
		out.DMean2D[i][0] = dAlphaDPower * 0.5 * (2*c.ConicXY[0]*dx + 2*c.ConicXY[1]*dy)
		out.DMean2D[i][1] = dAlphaDPower * 0.5 * (2*c.ConicXY[1]*dx + 2*c.ConicZ*dy)

		out.DConic[i][0] = dAlphaDPower * -0.5 * dx * dx
		out.DConic[i][1] = dAlphaDPower * -1.0 * dx * dy
		out.DConic[i][2] = dAlphaDPower * -0.5 * dy * dy

		for ch := 0; ch < 3; ch++ {
			accumColor[ch] = a*c.Color[ch] + (1-a)*accumColor[ch]
		}
	}

	return out
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
