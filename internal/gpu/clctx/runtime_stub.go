//go:build !gpu

package clctx

import (
	"fmt"
	"unsafe"
)

// Runtime is a placeholder when GPU support is not compiled in.
type Runtime struct{}

// ErrNotBuilt indicates the binary was built without GPU support.
var ErrNotBuilt = fmt.Errorf("opencl support requires building with '-tags gpu'")

// Init returns an error when GPU support is not compiled in.
func Init() (*Runtime, error) {
	return nil, ErrNotBuilt
}

// Close is a no-op without GPU support.
func (r *Runtime) Close() {}

func (r *Runtime) ContextPtr() unsafe.Pointer { return nil }
func (r *Runtime) QueuePtr() unsafe.Pointer   { return nil }
func (r *Runtime) DevicePtr() unsafe.Pointer  { return nil }

// EnumeratePlatforms returns an error when GPU support is not compiled in.
func EnumeratePlatforms() ([]PlatformInfo, error) {
	return nil, ErrNotBuilt
}
