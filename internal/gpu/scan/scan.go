// Package scan implements the prefix scanner (spec.md component C2): an
// exclusive Blelloch scan over u32 arrays, used by the tile-key pipeline
// (C4/C5 for per-tile offsets) and the densify/prune compactor (C12 for
// both scan passes).
package scan

import "fmt"

// WorkgroupSize is the number of threads per scan workgroup; each workgroup
// scans a block of 2*WorkgroupSize elements in shared memory (spec.md §4.2).
const WorkgroupSize = 256

// BlockElements is the number of input elements one workgroup reduces.
const BlockElements = 2 * WorkgroupSize

// MaxElements bounds N for a single scan invocation. The spec requires
// MaxElements >= 2*W*(W*32); WorkgroupSize=256 gives a generous margin over
// any scene this engine is expected to hold.
const MaxElements = 2 * WorkgroupSize * (WorkgroupSize * 32)

// ErrTooManyElements is returned when the scan is asked to process more
// than MaxElements values (spec.md §4.2).
var ErrTooManyElements = fmt.Errorf("scan: N exceeds MAX_ELEMENTS (%d)", MaxElements)

// Result is the output of an exclusive scan: Offsets[i] = sum(Input[:i]),
// and Total = Offsets[N-1] + Input[N-1] when N > 0 (spec.md §4.2, property 4).
type Result struct {
	Offsets []uint32
	Total   uint32
}
