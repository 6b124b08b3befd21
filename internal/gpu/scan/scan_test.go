package scan

import (
	"math/rand"
	"reflect"
	"testing"
)

// TestExclusiveReferenceLiteralExample is scenario S5 from spec.md §8:
// input [3,0,4,1,5,9,2,6] scans to [0,3,3,7,8,13,22,24] with total 30.
func TestExclusiveReferenceLiteralExample(t *testing.T) {
	input := []uint32{3, 0, 4, 1, 5, 9, 2, 6}
	want := []uint32{0, 3, 3, 7, 8, 13, 22, 24}

	got, err := ExclusiveReference(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got.Offsets, want) {
		t.Fatalf("offsets = %v, want %v", got.Offsets, want)
	}
	if got.Total != 30 {
		t.Fatalf("total = %d, want 30", got.Total)
	}
}

// TestExclusiveScanProperty checks testable property 4: s_i = sum(a[:i])
// and s_{N-1} + a[N-1] = sum(a) for random inputs of varying length.
func TestExclusiveScanProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := rng.Intn(300)
		input := make([]uint32, n)
		var sum uint32
		for i := range input {
			input[i] = uint32(rng.Intn(1000))
			sum += input[i]
		}

		got, err := ExclusiveReference(input)
		if err != nil {
			t.Fatalf("unexpected error on n=%d: %v", n, err)
		}

		var running uint32
		for i, v := range input {
			if got.Offsets[i] != running {
				t.Fatalf("n=%d i=%d offset=%d want=%d", n, i, got.Offsets[i], running)
			}
			running += v
		}
		if got.Total != sum {
			t.Fatalf("n=%d total=%d want=%d", n, got.Total, sum)
		}
	}
}

func TestExclusiveScanEmpty(t *testing.T) {
	got, err := ExclusiveReference(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Offsets) != 0 || got.Total != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestExclusiveScanTooManyElements(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large allocation in -short mode")
	}
	over := make([]uint32, MaxElements+1)
	if _, err := ExclusiveReference(over); err != ErrTooManyElements {
		t.Fatalf("err = %v, want ErrTooManyElements", err)
	}
}
