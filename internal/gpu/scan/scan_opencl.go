//go:build gpu

package scan

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

// kernelSource implements the three-phase Blelloch scan of spec.md §4.2:
// (a) per-workgroup block scan + block total, (b) single-workgroup scan of
// block totals, (c) per-workgroup addition of the block offset.
const kernelSource = `
#define WG_SIZE 256
#define BLOCK_ELEMS (2 * WG_SIZE)

__kernel void scan_block(__global const uint *input, __global uint *output,
                          __global uint *block_sums, const uint n) {
    __local uint temp[BLOCK_ELEMS];
    const uint lid = get_local_id(0);
    const uint gid = get_group_id(0) * BLOCK_ELEMS;

    uint ai = lid;
    uint bi = lid + WG_SIZE;
    temp[ai] = (gid + ai < n) ? input[gid + ai] : 0;
    temp[bi] = (gid + bi < n) ? input[gid + bi] : 0;

    uint offset = 1;
    for (uint d = BLOCK_ELEMS >> 1; d > 0; d >>= 1) {
        barrier(CLK_LOCAL_MEM_FENCE);
        if (lid < d) {
            uint i = offset * (2 * lid + 1) - 1;
            uint j = offset * (2 * lid + 2) - 1;
            temp[j] += temp[i];
        }
        offset *= 2;
    }

    if (lid == 0) {
        block_sums[get_group_id(0)] = temp[BLOCK_ELEMS - 1];
        temp[BLOCK_ELEMS - 1] = 0;
    }

    for (uint d = 1; d < BLOCK_ELEMS; d *= 2) {
        offset >>= 1;
        barrier(CLK_LOCAL_MEM_FENCE);
        if (lid < d) {
            uint i = offset * (2 * lid + 1) - 1;
            uint j = offset * (2 * lid + 2) - 1;
            uint t = temp[i];
            temp[i] = temp[j];
            temp[j] += t;
        }
    }
    barrier(CLK_LOCAL_MEM_FENCE);

    if (gid + ai < n) output[gid + ai] = temp[ai];
    if (gid + bi < n) output[gid + bi] = temp[bi];
}

__kernel void scan_single_block(__global uint *block_sums, const uint n) {
    __local uint temp[BLOCK_ELEMS];
    const uint lid = get_local_id(0);
    temp[lid] = (lid < n) ? block_sums[lid] : 0;
    temp[lid + WG_SIZE] = (lid + WG_SIZE < n) ? block_sums[lid + WG_SIZE] : 0;

    uint offset = 1;
    for (uint d = BLOCK_ELEMS >> 1; d > 0; d >>= 1) {
        barrier(CLK_LOCAL_MEM_FENCE);
        if (lid < d) {
            uint i = offset * (2 * lid + 1) - 1;
            uint j = offset * (2 * lid + 2) - 1;
            temp[j] += temp[i];
        }
        offset *= 2;
    }
    if (lid == 0) temp[BLOCK_ELEMS - 1] = 0;
    for (uint d = 1; d < BLOCK_ELEMS; d *= 2) {
        offset >>= 1;
        barrier(CLK_LOCAL_MEM_FENCE);
        if (lid < d) {
            uint i = offset * (2 * lid + 1) - 1;
            uint j = offset * (2 * lid + 2) - 1;
            uint t = temp[i];
            temp[i] = temp[j];
            temp[j] += t;
        }
    }
    barrier(CLK_LOCAL_MEM_FENCE);
    if (lid < n) block_sums[lid] = temp[lid];
    if (lid + WG_SIZE < n) block_sums[lid + WG_SIZE] = temp[lid + WG_SIZE];
}

__kernel void scan_add_offsets(__global uint *output, __global const uint *block_sums, const uint n) {
    const uint gid = get_group_id(0) * BLOCK_ELEMS + get_local_id(0);
    const uint off = block_sums[get_group_id(0)];
    if (gid < n) output[gid] += off;
    uint gid2 = gid + WG_SIZE;
    if (gid2 < n) output[gid2] += off;
}
`

// Runner owns the compiled scan program for one OpenCL context.
type Runner struct {
	rt      *clctx.Runtime
	program C.cl_program
	block   C.cl_kernel
	single  C.cl_kernel
	addOff  C.cl_kernel
}

// NewRunner builds the scan kernels against the shared runtime.
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
		return nil, fmt.Errorf("scan: clCreateProgramWithSource failed: %d", int(status))
	}
	if status = C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, fmt.Errorf("scan: clBuildProgram failed: %d", int(status))
	}

	mk := func(name string) (C.cl_kernel, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		k := C.clCreateKernel(program, cname, &status)
		if status != C.CL_SUCCESS {
			return nil, fmt.Errorf("scan: clCreateKernel(%s) failed: %d", name, int(status))
		}
		return k, nil
	}

	block, err := mk("scan_block")
	if err != nil {
		return nil, err
	}
	single, err := mk("scan_single_block")
	if err != nil {
		return nil, err
	}
	addOff, err := mk("scan_add_offsets")
	if err != nil {
		return nil, err
	}

	return &Runner{rt: rt, program: program, block: block, single: single, addOff: addOff}, nil
}

// Close releases the compiled kernels and program.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	if r.block != nil {
		C.clReleaseKernel(r.block)
	}
	if r.single != nil {
		C.clReleaseKernel(r.single)
	}
	if r.addOff != nil {
		C.clReleaseKernel(r.addOff)
	}
	if r.program != nil {
		C.clReleaseProgram(r.program)
	}
}

// ExclusiveScan dispatches the three-phase scan over input and reads the
// result back. It is the production hot path; internal/gpu/scan/scan_ref.go
// is only used by tests to check this kernel's arithmetic.
func (r *Runner) ExclusiveScan(input []uint32) (Result, error) {
	n := len(input)
	if n == 0 {
		return Result{}, nil
	}
	if n > MaxElements {
		return Result{}, ErrTooManyElements
	}

	numBlocks := (n + BlockElements - 1) / BlockElements
	queue := C.cl_command_queue(r.rt.QueuePtr())

	inBuf, outBuf, sumsBuf, err := r.allocBuffers(n, numBlocks)
	if err != nil {
		return Result{}, err
	}
	defer C.clReleaseMemObject(inBuf)
	defer C.clReleaseMemObject(outBuf)
	defer C.clReleaseMemObject(sumsBuf)

	status := C.clEnqueueWriteBuffer(queue, inBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&input[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return Result{}, &gpu.BackendError{Pass: "scan.write", Err: fmt.Errorf("status %d", int(status))}
	}

	un := C.uint(n)
	C.clSetKernelArg(r.block, 0, C.size_t(unsafe.Sizeof(inBuf)), unsafe.Pointer(&inBuf))
	C.clSetKernelArg(r.block, 1, C.size_t(unsafe.Sizeof(outBuf)), unsafe.Pointer(&outBuf))
	C.clSetKernelArg(r.block, 2, C.size_t(unsafe.Sizeof(sumsBuf)), unsafe.Pointer(&sumsBuf))
	C.clSetKernelArg(r.block, 3, C.size_t(unsafe.Sizeof(un)), unsafe.Pointer(&un))

	global := C.size_t(numBlocks * WorkgroupSize)
	local := C.size_t(WorkgroupSize)
	status = C.clEnqueueNDRangeKernel(queue, r.block, 1, nil, &global, &local, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return Result{}, &gpu.BackendError{Pass: "scan.block", Err: fmt.Errorf("status %d", int(status))}
	}

	unb := C.uint(numBlocks)
	C.clSetKernelArg(r.single, 0, C.size_t(unsafe.Sizeof(sumsBuf)), unsafe.Pointer(&sumsBuf))
	C.clSetKernelArg(r.single, 1, C.size_t(unsafe.Sizeof(unb)), unsafe.Pointer(&unb))
	singleGlobal := C.size_t(WorkgroupSize)
	status = C.clEnqueueNDRangeKernel(queue, r.single, 1, nil, &singleGlobal, &singleGlobal, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return Result{}, &gpu.BackendError{Pass: "scan.single", Err: fmt.Errorf("status %d", int(status))}
	}

	C.clSetKernelArg(r.addOff, 0, C.size_t(unsafe.Sizeof(outBuf)), unsafe.Pointer(&outBuf))
	C.clSetKernelArg(r.addOff, 1, C.size_t(unsafe.Sizeof(sumsBuf)), unsafe.Pointer(&sumsBuf))
	C.clSetKernelArg(r.addOff, 2, C.size_t(unsafe.Sizeof(un)), unsafe.Pointer(&un))
	status = C.clEnqueueNDRangeKernel(queue, r.addOff, 1, nil, &global, &local, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return Result{}, &gpu.BackendError{Pass: "scan.addOffsets", Err: fmt.Errorf("status %d", int(status))}
	}

	out := make([]uint32, n)
	status = C.clEnqueueReadBuffer(queue, outBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&out[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return Result{}, &gpu.BackendError{Pass: "scan.read", Err: fmt.Errorf("status %d", int(status))}
	}

	total := out[n-1] + input[n-1]
	return Result{Offsets: out, Total: total}, nil
}

func (r *Runner) allocBuffers(n, numBlocks int) (in, out, sums C.cl_mem, err error) {
	ctx := C.cl_context(r.rt.ContextPtr())
	var status C.cl_int
	in = C.clCreateBuffer(ctx, C.CL_MEM_READ_ONLY, C.size_t(n*4), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, nil, nil, fmt.Errorf("scan: alloc input: %d", int(status))
	}
	out = C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(n*4), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, nil, nil, fmt.Errorf("scan: alloc output: %d", int(status))
	}
	sums = C.clCreateBuffer(ctx, C.CL_MEM_READ_WRITE, C.size_t(numBlocks*4), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, nil, nil, fmt.Errorf("scan: alloc sums: %d", int(status))
	}
	return in, out, sums, nil
}
