package scene

import "testing"

func almostEqual(a, b, tol float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		g    Gaussian
	}{
		{
			name: "origin identity",
			g: Gaussian{
				Mean:         [3]float32{0, 0, 2},
				OpacityLogit: 0.5,
				Rotation:     [4]float32{1, 0, 0, 0},
				LogScale:     [3]float32{-1, -1, -1},
			},
		},
		{
			name: "negative mean, small scale",
			g: Gaussian{
				Mean:         [3]float32{-3.5, 1.25, -0.125},
				OpacityLogit: -2.0,
				Rotation:     [4]float32{0.7071, 0, 0.7071, 0},
				LogScale:     [3]float32{-5, -5, -5},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := tt.g.Pack()
			got := packed.Unpack()

			const tol = 1e-2 // f16 ULP-scale tolerance
			for i := 0; i < 3; i++ {
				if !almostEqual(got.Mean[i], tt.g.Mean[i], tol) {
					t.Errorf("Mean[%d]: got %v want %v", i, got.Mean[i], tt.g.Mean[i])
				}
				if !almostEqual(got.LogScale[i], tt.g.LogScale[i], tol) {
					t.Errorf("LogScale[%d]: got %v want %v", i, got.LogScale[i], tt.g.LogScale[i])
				}
			}
			for i := 0; i < 4; i++ {
				if !almostEqual(got.Rotation[i], tt.g.Rotation[i], tol) {
					t.Errorf("Rotation[%d]: got %v want %v", i, got.Rotation[i], tt.g.Rotation[i])
				}
			}
			if !almostEqual(got.OpacityLogit, tt.g.OpacityLogit, tol) {
				t.Errorf("OpacityLogit: got %v want %v", got.OpacityLogit, tt.g.OpacityLogit)
			}
		})
	}
}

func TestPackClampsLogScale(t *testing.T) {
	g := Gaussian{LogScale: [3]float32{-50, 50, 0}, Rotation: [4]float32{1, 0, 0, 0}}
	got := g.Pack().Unpack()
	if got.LogScale[0] != LogScaleClampMin {
		t.Errorf("LogScale[0] = %v, want clamp to %v", got.LogScale[0], LogScaleClampMin)
	}
	if got.LogScale[1] != LogScaleClampMax {
		t.Errorf("LogScale[1] = %v, want clamp to %v", got.LogScale[1], LogScaleClampMax)
	}
}

func TestPackClampsOpacity(t *testing.T) {
	g := Gaussian{OpacityLogit: 100, Rotation: [4]float32{1, 0, 0, 0}}
	got := g.Pack().Unpack()
	if sig := Sigmoid(got.OpacityLogit); sig > MaxOpacitySigmoid+1e-4 {
		t.Errorf("sigmoid(opacity_logit) = %v, want <= %v", sig, MaxOpacitySigmoid)
	}
}

func TestSHRoundTrip(t *testing.T) {
	var sh SH
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < MaxSHCoeffs; c++ {
			sh.Coeffs[ch][c] = float32(ch*100+c) * 0.01
		}
	}
	got := sh.Pack().Unpack()
	for ch := 0; ch < 3; ch++ {
		for c := 0; c < MaxSHCoeffs; c++ {
			if !almostEqual(got.Coeffs[ch][c], sh.Coeffs[ch][c], 1e-2) {
				t.Errorf("Coeffs[%d][%d]: got %v want %v", ch, c, got.Coeffs[ch][c], sh.Coeffs[ch][c])
			}
		}
	}
}

func TestDCFromColor(t *testing.T) {
	dc := DCFromColor([3]float32{1, 0, 0.5})
	want := [3]float32{(1 - 0.5) / ShC0, (0 - 0.5) / ShC0, (0.5 - 0.5) / ShC0}
	for i := range dc {
		if !almostEqual(dc[i], want[i], 1e-6) {
			t.Errorf("DCFromColor[%d] = %v, want %v", i, dc[i], want[i])
		}
	}
}

func TestSceneValidate(t *testing.T) {
	s := NewScene(4, 2)
	if err := s.Validate(); err != nil {
		t.Fatalf("freshly allocated scene should validate: %v", err)
	}
	s.SHs = s.SHs[:2]
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error after truncating SHs")
	}
}
