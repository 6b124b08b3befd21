package scan

// ExclusiveReference computes the exclusive prefix scan of input using plain
// sequential addition. It is the correctness oracle the GPU three-phase
// scan (scan_opencl.go) is checked against in tests; it is never wired as a
// runtime substitute for the kernel (spec.md's Non-goals exclude a CPU
// fallback for the hot path — this function is test-only).
func ExclusiveReference(input []uint32) (Result, error) {
	n := len(input)
	if n > MaxElements {
		return Result{}, ErrTooManyElements
	}
	offsets := make([]uint32, n)
	var running uint32
	for i, v := range input {
		offsets[i] = running
		running += v
	}
	total := running
	return Result{Offsets: offsets, Total: total}, nil
}
