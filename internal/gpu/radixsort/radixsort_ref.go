package radixsort

import "fmt"

// SortReference stably sorts keys ascending, permuting values alongside
// them, using the same 4x8-bit LSD radix passes the GPU kernel performs. It
// is the oracle radixsort_opencl.go is checked against in tests and is
// never wired into the training loop.
func SortReference(keys []uint32, values []uint32) ([]uint32, []uint32, error) {
	n := len(keys)
	if n > MaxElements {
		return nil, nil, ErrTooManyElements
	}
	if len(values) != n {
		return nil, nil, fmt.Errorf("radixsort: len(values)=%d != len(keys)=%d", len(values), n)
	}

	curKeys := append([]uint32(nil), keys...)
	curVals := append([]uint32(nil), values...)
	nextKeys := make([]uint32, n)
	nextVals := make([]uint32, n)

	for pass := 0; pass < Passes; pass++ {
		var counts [Radix]int
		for _, k := range curKeys {
			counts[digit(k, pass)]++
		}
		var offsets [Radix]int
		running := 0
		for d := 0; d < Radix; d++ {
			offsets[d] = running
			running += counts[d]
		}
		for i, k := range curKeys {
			d := digit(k, pass)
			pos := offsets[d]
			offsets[d]++
			nextKeys[pos] = k
			nextVals[pos] = curVals[i]
		}
		curKeys, nextKeys = nextKeys, curKeys
		curVals, nextVals = nextVals, curVals
	}

	return curKeys, curVals, nil
}
