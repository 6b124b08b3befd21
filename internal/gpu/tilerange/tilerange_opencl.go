//go:build gpu

package tilerange

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#include <CL/cl.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/cwbudde/gsplatforge/internal/gpu"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
)

// kernelSource implements the atomicMin pass and the backward fill pass of
// spec.md §4.5 as two kernels sharing one tile_offsets buffer.
const kernelSource = `
__kernel void mark_starts(__global const uint *sorted_keys, __global uint *tile_offsets,
                           const uint num_entries) {
    uint s = get_global_id(0);
    if (s >= num_entries) return;
    uint key = sorted_keys[s];
    uint high = key >> 16;
    if (high == 0) return;
    uint tile = high - 1;
    atomic_min(&tile_offsets[tile], s);
}

__kernel void fill_gaps(__global uint *tile_offsets, const uint num_tiles) {
    // Single-workgroup sequential backward fill; num_tiles is small enough
    // (grid_w * grid_h) that one thread suffices.
    if (get_global_id(0) != 0) return;
    uint next = tile_offsets[num_tiles];
    for (int t = (int)num_tiles - 1; t >= 0; t--) {
        if (tile_offsets[t] == 0xffffffffu) {
            tile_offsets[t] = next;
        } else {
            next = tile_offsets[t];
        }
    }
}
`

// Runner owns the compiled tile-range program.
type Runner struct {
	rt         *clctx.Runtime
	program    C.cl_program
	markStarts C.cl_kernel
	fillGaps   C.cl_kernel
}

// NewRunner builds the tile-range kernels against the shared runtime.
func NewRunner(rt *clctx.Runtime) (*Runner, error) {
	ctx := C.cl_context(rt.ContextPtr())
	device := C.cl_device_id(rt.DevicePtr())
	if ctx == nil {
		return nil, gpu.ErrBackendUnavailable
	}

	src := C.CString(kernelSource)
	defer C.free(unsafe.Pointer(src))

	var status C.cl_int
	program := C.clCreateProgramWithSource(ctx, 1, &src, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, fmt.Errorf("tilerange: clCreateProgramWithSource failed: %d", int(status))
	}
	if status = C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, fmt.Errorf("tilerange: clBuildProgram failed: %d", int(status))
	}

	mk := func(name string) (C.cl_kernel, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		k := C.clCreateKernel(program, cname, &status)
		if status != C.CL_SUCCESS {
			return nil, fmt.Errorf("tilerange: clCreateKernel(%s) failed: %d", name, int(status))
		}
		return k, nil
	}

	mark, err := mk("mark_starts")
	if err != nil {
		return nil, err
	}
	fill, err := mk("fill_gaps")
	if err != nil {
		return nil, err
	}

	return &Runner{rt: rt, program: program, markStarts: mark, fillGaps: fill}, nil
}

// Close releases the compiled kernels and program.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	if r.markStarts != nil {
		C.clReleaseKernel(r.markStarts)
	}
	if r.fillGaps != nil {
		C.clReleaseKernel(r.fillGaps)
	}
	if r.program != nil {
		C.clReleaseProgram(r.program)
	}
}

func ref(m C.cl_mem) *C.cl_mem { return &m }

// BuildRanges dispatches mark_starts then fill_gaps over the radix-sorted
// key buffer, producing the numTiles+1 tile_offsets array raster.Runner
// reads (spec.md §4.5).
func (r *Runner) BuildRanges(sortedKeys []uint32, numTiles int) ([]uint32, error) {
	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())
	numEntries := len(sortedKeys)

	var status C.cl_int
	keysBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_ONLY, C.size_t(numEntries*4), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "tilerange.alloc_keys", Err: fmt.Errorf("status %d", int(status))}
	}
	defer C.clReleaseMemObject(keysBuf)
	offsetsBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t((numTiles+1)*4), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "tilerange.alloc_offsets", Err: fmt.Errorf("status %d", int(status))}
	}
	defer C.clReleaseMemObject(offsetsBuf)

	offsets := make([]uint32, numTiles+1)
	for i := range offsets {
		offsets[i] = Sentinel
	}
	offsets[numTiles] = uint32(numEntries)

	if numEntries > 0 {
		if status := C.clEnqueueWriteBuffer(queue, keysBuf, C.CL_TRUE, 0, C.size_t(numEntries*4), unsafe.Pointer(&sortedKeys[0]), 0, nil, nil); status != C.CL_SUCCESS {
			return nil, &gpu.BackendError{Pass: "tilerange.write_keys", Err: fmt.Errorf("status %d", int(status))}
		}
	}
	if status := C.clEnqueueWriteBuffer(queue, offsetsBuf, C.CL_TRUE, 0, C.size_t((numTiles+1)*4), unsafe.Pointer(&offsets[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "tilerange.write_offsets", Err: fmt.Errorf("status %d", int(status))}
	}

	if numEntries > 0 {
		numEntries32 := C.uint(numEntries)
		markArgs := []struct {
			size C.size_t
			ptr  unsafe.Pointer
		}{
			{C.size_t(unsafe.Sizeof(keysBuf)), unsafe.Pointer(ref(keysBuf))},
			{C.size_t(unsafe.Sizeof(offsetsBuf)), unsafe.Pointer(ref(offsetsBuf))},
			{C.size_t(unsafe.Sizeof(numEntries32)), unsafe.Pointer(&numEntries32)},
		}
		for i, a := range markArgs {
			if status := C.clSetKernelArg(r.markStarts, C.cl_uint(i), a.size, a.ptr); status != C.CL_SUCCESS {
				return nil, &gpu.BackendError{Pass: "tilerange.mark_starts.setArg", Err: fmt.Errorf("status %d", int(status))}
			}
		}
		global := C.size_t(numEntries)
		if status := C.clEnqueueNDRangeKernel(queue, r.markStarts, 1, nil, &global, nil, 0, nil, nil); status != C.CL_SUCCESS {
			return nil, &gpu.BackendError{Pass: "tilerange.mark_starts", Err: fmt.Errorf("status %d", int(status))}
		}
	}

	numTiles32 := C.uint(numTiles)
	fillArgs := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(offsetsBuf)), unsafe.Pointer(ref(offsetsBuf))},
		{C.size_t(unsafe.Sizeof(numTiles32)), unsafe.Pointer(&numTiles32)},
	}
	for i, a := range fillArgs {
		if status := C.clSetKernelArg(r.fillGaps, C.cl_uint(i), a.size, a.ptr); status != C.CL_SUCCESS {
			return nil, &gpu.BackendError{Pass: "tilerange.fill_gaps.setArg", Err: fmt.Errorf("status %d", int(status))}
		}
	}
	one := C.size_t(1)
	if status := C.clEnqueueNDRangeKernel(queue, r.fillGaps, 1, nil, &one, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "tilerange.fill_gaps", Err: fmt.Errorf("status %d", int(status))}
	}

	out := make([]uint32, numTiles+1)
	if status := C.clEnqueueReadBuffer(queue, offsetsBuf, C.CL_TRUE, 0, C.size_t((numTiles+1)*4), unsafe.Pointer(&out[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "tilerange.read_offsets", Err: fmt.Errorf("status %d", int(status))}
	}
	return out, nil
}
