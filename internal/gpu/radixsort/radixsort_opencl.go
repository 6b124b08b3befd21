//go:build gpu

package radixsort

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

// kernelSource implements one LSD radix pass per invocation: a per-workgroup
// histogram over the current 8-bit digit, an exclusive scan of the global
// digit counts (done host-side between launches, since it is only Radix=256
// values), and a stable scatter into the next ping-pong buffer.
const kernelSource = `
#define RADIX 256

__kernel void histogram(__global const uint *keys, __global uint *counts,
                         const uint n, const uint shift) {
    __local uint local_counts[RADIX];
    uint lid = get_local_id(0);
    if (lid < RADIX) local_counts[lid] = 0;
    barrier(CLK_LOCAL_MEM_FENCE);

    uint gid = get_global_id(0);
    if (gid < n) {
        uint d = (keys[gid] >> shift) & (RADIX - 1);
        atomic_inc(&local_counts[d]);
    }
    barrier(CLK_LOCAL_MEM_FENCE);

    if (lid < RADIX) {
        atomic_add(&counts[get_group_id(0) * RADIX + lid], local_counts[lid]);
    }
}

__kernel void scatter(__global const uint *keys_in, __global const uint *vals_in,
                       __global uint *keys_out, __global uint *vals_out,
                       __global uint *digit_offsets, const uint n, const uint shift) {
    uint gid = get_global_id(0);
    if (gid >= n) return;
    uint d = (keys_in[gid] >> shift) & (RADIX - 1);
    uint pos = atomic_inc(&digit_offsets[d]);
    keys_out[pos] = keys_in[gid];
    vals_out[pos] = vals_in[gid];
}
`

// Runner owns the compiled radix-sort program for one OpenCL context.
type Runner struct {
	rt        *clctx.Runtime
	program   C.cl_program
	histogram C.cl_kernel
	scatter   C.cl_kernel
}

// NewRunner builds the radix-sort kernels against the shared runtime.
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
		return nil, fmt.Errorf("radixsort: clCreateProgramWithSource failed: %d", int(status))
	}
	if status = C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, fmt.Errorf("radixsort: clBuildProgram failed: %d", int(status))
	}

	mk := func(name string) (C.cl_kernel, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		k := C.clCreateKernel(program, cname, &status)
		if status != C.CL_SUCCESS {
			return nil, fmt.Errorf("radixsort: clCreateKernel(%s) failed: %d", name, int(status))
		}
		return k, nil
	}

	hist, err := mk("histogram")
	if err != nil {
		return nil, err
	}
	scat, err := mk("scatter")
	if err != nil {
		return nil, err
	}

	return &Runner{rt: rt, program: program, histogram: hist, scatter: scat}, nil
}

// Close releases the compiled kernels and program.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	if r.histogram != nil {
		C.clReleaseKernel(r.histogram)
	}
	if r.scatter != nil {
		C.clReleaseKernel(r.scatter)
	}
	if r.program != nil {
		C.clReleaseProgram(r.program)
	}
}

// Sort dispatches Passes ping-pong histogram+scatter rounds and returns the
// sorted keys and permuted values. The exclusive scan of the 256-bucket
// histogram is done host-side: 256 values is not worth a device round trip
// through internal/gpu/scan.
func (r *Runner) Sort(keys, values []uint32) ([]uint32, []uint32, error) {
	n := len(keys)
	if n == 0 {
		return nil, nil, nil
	}
	if n > MaxElements {
		return nil, nil, ErrTooManyElements
	}
	if len(values) != n {
		return nil, nil, fmt.Errorf("radixsort: len(values)=%d != len(keys)=%d", len(values), n)
	}

	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())

	numGroups := (n + WorkgroupSize - 1) / WorkgroupSize

	curKeys := append([]uint32(nil), keys...)
	curVals := append([]uint32(nil), values...)

	var status C.cl_int
	keysInBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(n*4), nil, &status)
	valsInBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(n*4), nil, &status)
	keysOutBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(n*4), nil, &status)
	valsOutBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(n*4), nil, &status)
	countsBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(numGroups*Radix*4), nil, &status)
	offsetsBuf := C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(Radix*4), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, nil, fmt.Errorf("radixsort: buffer allocation failed: %d", int(status))
	}
	defer C.clReleaseMemObject(keysInBuf)
	defer C.clReleaseMemObject(valsInBuf)
	defer C.clReleaseMemObject(keysOutBuf)
	defer C.clReleaseMemObject(valsOutBuf)
	defer C.clReleaseMemObject(countsBuf)
	defer C.clReleaseMemObject(offsetsBuf)

	un := C.uint(n)
	global := C.size_t(numGroups * WorkgroupSize)
	local := C.size_t(WorkgroupSize)

	for pass := 0; pass < Passes; pass++ {
		shift := C.uint(pass * DigitBits)

		status = C.clEnqueueWriteBuffer(queue, keysInBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&curKeys[0]), 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.write_keys", Err: fmt.Errorf("status %d", int(status))}
		}
		status = C.clEnqueueWriteBuffer(queue, valsInBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&curVals[0]), 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.write_vals", Err: fmt.Errorf("status %d", int(status))}
		}

		zero := make([]uint32, numGroups*Radix)
		status = C.clEnqueueWriteBuffer(queue, countsBuf, C.CL_TRUE, 0, C.size_t(len(zero)*4), unsafe.Pointer(&zero[0]), 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.clear_counts", Err: fmt.Errorf("status %d", int(status))}
		}

		C.clSetKernelArg(r.histogram, 0, C.size_t(unsafe.Sizeof(keysInBuf)), unsafe.Pointer(&keysInBuf))
		C.clSetKernelArg(r.histogram, 1, C.size_t(unsafe.Sizeof(countsBuf)), unsafe.Pointer(&countsBuf))
		C.clSetKernelArg(r.histogram, 2, C.size_t(unsafe.Sizeof(un)), unsafe.Pointer(&un))
		C.clSetKernelArg(r.histogram, 3, C.size_t(unsafe.Sizeof(shift)), unsafe.Pointer(&shift))
		status = C.clEnqueueNDRangeKernel(queue, r.histogram, 1, nil, &global, &local, 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.histogram", Err: fmt.Errorf("status %d", int(status))}
		}

		counts := make([]uint32, numGroups*Radix)
		status = C.clEnqueueReadBuffer(queue, countsBuf, C.CL_TRUE, 0, C.size_t(len(counts)*4), unsafe.Pointer(&counts[0]), 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.read_counts", Err: fmt.Errorf("status %d", int(status))}
		}

		var totals [Radix]uint32
		for g := 0; g < numGroups; g++ {
			for d := 0; d < Radix; d++ {
				totals[d] += counts[g*Radix+d]
			}
		}
		var offsets [Radix]uint32
		var running uint32
		for d := 0; d < Radix; d++ {
			offsets[d] = running
			running += totals[d]
		}

		status = C.clEnqueueWriteBuffer(queue, offsetsBuf, C.CL_TRUE, 0, C.size_t(Radix*4), unsafe.Pointer(&offsets[0]), 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.write_offsets", Err: fmt.Errorf("status %d", int(status))}
		}

		C.clSetKernelArg(r.scatter, 0, C.size_t(unsafe.Sizeof(keysInBuf)), unsafe.Pointer(&keysInBuf))
		C.clSetKernelArg(r.scatter, 1, C.size_t(unsafe.Sizeof(valsInBuf)), unsafe.Pointer(&valsInBuf))
		C.clSetKernelArg(r.scatter, 2, C.size_t(unsafe.Sizeof(keysOutBuf)), unsafe.Pointer(&keysOutBuf))
		C.clSetKernelArg(r.scatter, 3, C.size_t(unsafe.Sizeof(valsOutBuf)), unsafe.Pointer(&valsOutBuf))
		C.clSetKernelArg(r.scatter, 4, C.size_t(unsafe.Sizeof(offsetsBuf)), unsafe.Pointer(&offsetsBuf))
		C.clSetKernelArg(r.scatter, 5, C.size_t(unsafe.Sizeof(un)), unsafe.Pointer(&un))
		C.clSetKernelArg(r.scatter, 6, C.size_t(unsafe.Sizeof(shift)), unsafe.Pointer(&shift))
		status = C.clEnqueueNDRangeKernel(queue, r.scatter, 1, nil, &global, &local, 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.scatter", Err: fmt.Errorf("status %d", int(status))}
		}

		status = C.clEnqueueReadBuffer(queue, keysOutBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&curKeys[0]), 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.read_keys", Err: fmt.Errorf("status %d", int(status))}
		}
		status = C.clEnqueueReadBuffer(queue, valsOutBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&curVals[0]), 0, nil, nil)
		if status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "radixsort.read_vals", Err: fmt.Errorf("status %d", int(status))}
		}
	}

	return curKeys, curVals, nil
}
