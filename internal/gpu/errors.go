// Package gpu collects the fault taxonomy shared by every compute-stage
// package under internal/gpu/*: sentinel errors for backend availability
// paired with typed errors for structured, inspectable failures.
package gpu

import "fmt"

// ErrBackendUnavailable indicates the OpenCL backend could not be
// initialized or a kernel could not be built; a "build without -tags gpu"
// variant and a genuine device failure both surface through this sentinel.
var ErrBackendUnavailable = fmt.Errorf("gpu backend unavailable")

// ErrDeviceLost indicates a submission failed because the device reported
// itself lost mid-queue (spec.md §7 backend fault). Training must stop.
var ErrDeviceLost = fmt.Errorf("gpu device lost")

// CapacityError reports that a requested allocation exceeds a configured
// byte budget or a backend limit (spec.md §7 capacity fault).
type CapacityError struct {
	Requested uint64
	Budget    uint64
	Reason    string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: requested %d bytes, budget %d bytes (%s)", e.Requested, e.Budget, e.Reason)
}

// NumericalError reports a fault that spec.md §7 recovers from locally
// (per-Gaussian culling) rather than propagating; it is returned only by
// code paths that report aggregate counts back to the host for logging, not
// as a fatal condition.
type NumericalError struct {
	Gaussian int
	Reason   string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("numerical fault at gaussian %d: %s", e.Gaussian, e.Reason)
}

// BackendError wraps a backend-reported failure (device lost, submission
// validation) with the pass name that triggered it.
type BackendError struct {
	Pass string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend fault in %s: %v", e.Pass, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
