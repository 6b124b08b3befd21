package metric

import "github.com/cwbudde/gsplatforge/internal/gpu/raster"

// Image is a flat RGB pixel buffer, row-major, matching internal/gpu/loss's
// Image shape (kept as its own type here since the two packages reason
// about different quantities per pixel).
type Image struct {
	Width, Height int
	Pixels        [][3]float32
}

// TileContributors is one tile's sorted contributor batch plus the
// pixel-space center of each contributor, the same shape
// internal/gpu/raster's ForwardPixel/BackwardPixel consume.
type TileContributors struct {
	Contributors []raster.Contributor
	Centers      [][2]float32
}

// BuildReference runs the four passes of spec.md §4.11 for one view and
// returns the per-Gaussian contribution counts (not yet divided by K).
// nContrib is the per-pixel contributor count C6's forward pass recorded;
// tileOf maps a flat pixel index to the TileContributors it was rendered
// from, and threshold is the normalized-error cutoff above which a pixel
// is flagged.
func BuildReference(pred, target Image, nContrib []int, tileOf func(pixelIndex int) TileContributors, threshold float32, numGaussians int) []uint32 {
	n := pred.Width * pred.Height
	errors := make([]uint32, n)
	for i := 0; i < n; i++ {
		errors[i] = quantizeError(pred.Pixels[i], target.Pixels[i])
	}

	min, max := errors[0], errors[0]
	for _, e := range errors {
		if e < min {
			min = e
		}
		if e > max {
			max = e
		}
	}

	counts := make([]uint32, numGaussians)
	if max == min {
		return counts // a perfectly flat error field flags nothing.
	}
	span := float32(max - min)

	for i := 0; i < n; i++ {
		normalized := float32(errors[i]-min) / span
		if normalized <= threshold {
			continue
		}
		px := float32(i%pred.Width) + 0.5
		py := float32(i/pred.Width) + 0.5
		tile := tileOf(i)
		limit := nContrib[i]
		if limit > len(tile.Contributors) {
			limit = len(tile.Contributors)
		}
		for k := 0; k < limit; k++ {
			c := tile.Contributors[k]
			a := alphaOf(c, tile.Centers[k], px, py)
			if a >= AlphaThreshold {
				counts[c.GaussianIndex]++
			}
		}
	}
	return counts
}
