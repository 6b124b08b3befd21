package radixsort

import (
	"math/rand"
	"sort"
	"testing"
)

func TestSortReferenceOrdersAscending(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	keys := make([]uint32, 500)
	values := make([]uint32, 500)
	for i := range keys {
		keys[i] = rng.Uint32()
		values[i] = uint32(i)
	}

	sortedKeys, sortedVals, err := SortReference(keys, values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !sort.SliceIsSorted(sortedKeys, func(i, j int) bool { return sortedKeys[i] < sortedKeys[j] }) {
		t.Fatalf("output keys are not sorted ascending")
	}

	// every original (key,value) pair must still be present.
	want := map[[2]uint32]int{}
	for i := range keys {
		want[[2]uint32{keys[i], values[i]}]++
	}
	got := map[[2]uint32]int{}
	for i := range sortedKeys {
		got[[2]uint32{sortedKeys[i], sortedVals[i]}]++
	}
	if len(want) != len(got) {
		t.Fatalf("pair set size changed: got %d want %d", len(got), len(want))
	}
	for k, c := range want {
		if got[k] != c {
			t.Fatalf("pair %v count mismatch: got %d want %d", k, got[k], c)
		}
	}
}

// TestSortReferenceStable verifies that entries sharing the same key keep
// their relative value order (spec.md requires a stable sort so that the
// tile-key's depth ordering, already correct before the sort, survives
// ties at the tile-id granularity the low bits cannot distinguish).
func TestSortReferenceStable(t *testing.T) {
	keys := []uint32{5, 5, 5, 1, 1, 0}
	values := []uint32{10, 11, 12, 20, 21, 30}

	sortedKeys, sortedVals, err := SortReference(keys, values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantKeys := []uint32{0, 1, 1, 5, 5, 5}
	wantVals := []uint32{30, 20, 21, 10, 11, 12}
	for i := range wantKeys {
		if sortedKeys[i] != wantKeys[i] || sortedVals[i] != wantVals[i] {
			t.Fatalf("index %d: got (%d,%d) want (%d,%d)", i, sortedKeys[i], sortedVals[i], wantKeys[i], wantVals[i])
		}
	}
}

func TestSortReferenceLengthMismatch(t *testing.T) {
	if _, _, err := SortReference([]uint32{1, 2}, []uint32{1}); err == nil {
		t.Fatalf("expected error for mismatched lengths")
	}
}

func TestSortReferenceEmpty(t *testing.T) {
	keys, vals, err := SortReference(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 0 || len(vals) != 0 {
		t.Fatalf("expected empty output")
	}
}
