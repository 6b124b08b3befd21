package orchestrator

import "testing"

func TestDensifyScheduleActive(t *testing.T) {
	s := DensifySchedule{WarmupIterations: 500, Interval: 100, StopIteration: 1000}

	cases := []struct {
		iteration int
		want      bool
	}{
		{0, false},
		{499, false},
		{500, true},
		{550, false},
		{600, true},
		{999, false},
		{1000, false}, // at/after stop
	}
	for _, c := range cases {
		if got := s.Active(c.iteration); got != c.want {
			t.Errorf("Active(%d) = %v, want %v", c.iteration, got, c.want)
		}
	}
}

func TestDensifyScheduleNext(t *testing.T) {
	s := DensifySchedule{WarmupIterations: 500, Interval: 100, StopIteration: 1000}

	if got := s.Next(0); got != 500 {
		t.Errorf("Next(0) = %d, want 500", got)
	}
	if got := s.Next(501); got != 600 {
		t.Errorf("Next(501) = %d, want 600", got)
	}
	if got := s.Next(600); got != 600 {
		t.Errorf("Next(600) = %d, want 600", got)
	}
	if got := s.Next(950); got != 0 {
		t.Errorf("Next(950) = %d, want 0 (past stop iteration)", got)
	}
}

func TestDensifyScheduleDisabledWhenIntervalZero(t *testing.T) {
	s := DensifySchedule{WarmupIterations: 100}
	if s.Active(200) {
		t.Fatal("Active should always be false with Interval == 0")
	}
	if got := s.Next(0); got != 0 {
		t.Fatalf("Next(0) = %d, want 0 with Interval == 0", got)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for MaxIterations=0")
	}

	cfg = DefaultConfig()
	cfg.SHDegree = 4
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for SHDegree=4")
	}

	cfg = DefaultConfig()
	cfg.MaxInFlight = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for MaxInFlight=0")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got: %v", err)
	}
}
