package scene

// PackedGaussian is the 24-byte, six-half-float-pair wire layout of §3:
// pos_opacity[2], rot[2], scale[2]. It is the only layout the renderer and
// the C12 scatter kernels read and write.
type PackedGaussian struct {
	PosOpacity [2]uint32
	Rot        [2]uint32
	Scale      [2]uint32
}

// Pack clamps and encodes an unpacked Gaussian into the renderer's f16
// layout. Any component that would fall outside representable f16 range is
// clamped before packing (spec.md §4.1 invariant). The only callers are the
// Adam repack stage (C10) and the densify/prune scatter (C12); tests call it
// directly to check the round-trip property.
func (g Gaussian) Pack() PackedGaussian {
	logit := ClampOpacityLogit(g.OpacityLogit)
	ls := [3]float32{
		ClampLogScale(g.LogScale[0]),
		ClampLogScale(g.LogScale[1]),
		ClampLogScale(g.LogScale[2]),
	}

	var p PackedGaussian
	p.PosOpacity[0] = packHalves2(g.Mean[0], g.Mean[1])
	p.PosOpacity[1] = packHalves2(g.Mean[2], logit)
	p.Rot[0] = packHalves2(g.Rotation[0], g.Rotation[1])
	p.Rot[1] = packHalves2(g.Rotation[2], g.Rotation[3])
	p.Scale[0] = packHalves2(ls[0], ls[1])
	p.Scale[1] = packHalves2(ls[2], 0)
	return p
}

// Unpack decodes the packed layout back into algebra-ready form, applying
// the read-time clamp to log-scale and opacity-logit in the order spec.md
// §4.1 mandates: unpack the raw halves, then clamp.
func (p PackedGaussian) Unpack() Gaussian {
	mx, my := unpackHalves2(p.PosOpacity[0])
	mz, logit := unpackHalves2(p.PosOpacity[1])
	rw, rx := unpackHalves2(p.Rot[0])
	ry, rz := unpackHalves2(p.Rot[1])
	sx, sy := unpackHalves2(p.Scale[0])
	sz, _ := unpackHalves2(p.Scale[1])

	return Gaussian{
		Mean:         [3]float32{mx, my, mz},
		OpacityLogit: ClampOpacityLogit(logit),
		Rotation:     [4]float32{rw, rx, ry, rz},
		LogScale: [3]float32{
			ClampLogScale(sx),
			ClampLogScale(sy),
			ClampLogScale(sz),
		},
	}
}

// PackedSH is the 24-u32-word (48-half) SH wire layout: MaxSHCoeffs
// coefficients per channel, channel-major (spec.md §3). Coefficient 0 is the
// DC term; +0.5 is applied post-evaluation by the forward kernel, not here.
type PackedSH struct {
	Words [2 * MaxSHCoeffs]uint32
}

// Pack encodes SH coefficients channel-major into half-float pairs.
func (sh SH) Pack() PackedSH {
	var p PackedSH
	halves := make([]float32, 0, 3*MaxSHCoeffs)
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < MaxSHCoeffs; c++ {
			halves = append(halves, sh.Coeffs[ch][c])
		}
	}
	for i := 0; i < len(p.Words); i++ {
		p.Words[i] = packHalves2(halves[2*i], halves[2*i+1])
	}
	return p
}

// Unpack decodes the packed SH layout back into per-channel coefficients.
func (p PackedSH) Unpack() SH {
	halves := make([]float32, 0, 3*MaxSHCoeffs)
	for _, w := range p.Words {
		lo, hi := unpackHalves2(w)
		halves = append(halves, lo, hi)
	}
	var sh SH
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < MaxSHCoeffs; c++ {
			sh.Coeffs[ch][c] = halves[ch*MaxSHCoeffs+c]
		}
	}
	return sh
}

// DCFromColor derives the DC (coefficient 0) SH term from a flat RGB color,
// the default population rule used when ingesting orientation-less point
// clouds (spec.md §6): (c - 0.5) / ShC0.
func DCFromColor(rgb [3]float32) [3]float32 {
	return [3]float32{
		(rgb[0] - 0.5) / ShC0,
		(rgb[1] - 0.5) / ShC0,
		(rgb[2] - 0.5) / ShC0,
	}
}
