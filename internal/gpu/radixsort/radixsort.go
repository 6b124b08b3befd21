// Package radixsort implements the radix sorter (spec.md component C3): a
// stable key-value sort over the u32 tile keys emitted by the forward
// preprocess (internal/gpu/forward), paired with the splat index each key
// belongs to. Sorting the keys groups splat references by tile and orders
// them front-to-back within a tile (internal/gpu/tilekey defines the key
// layout that makes this possible with a single ascending sort).
package radixsort

import "fmt"

// DigitBits is the width of one radix digit; Passes*DigitBits must cover 32
// bits of key.
const DigitBits = 8

// Passes is the number of radix passes needed to sort a full u32 key.
const Passes = 32 / DigitBits

// Radix is the number of buckets per pass (2^DigitBits).
const Radix = 1 << DigitBits

// WorkgroupSize is the number of threads per histogram/scatter workgroup.
const WorkgroupSize = 256

// MaxElements bounds a single sort invocation; kept in step with
// internal/gpu/scan.MaxElements since the sort's per-digit histogram scan
// uses that scanner.
const MaxElements = 2 * WorkgroupSize * (WorkgroupSize * 32)

// ErrTooManyElements is returned when asked to sort more than MaxElements
// entries.
var ErrTooManyElements = fmt.Errorf("radixsort: N exceeds MAX_ELEMENTS (%d)", MaxElements)

// digit extracts the pass-th 8-bit digit of key (pass 0 is the least
// significant byte).
func digit(key uint32, pass int) uint32 {
	return (key >> (uint(pass) * DigitBits)) & (Radix - 1)
}
