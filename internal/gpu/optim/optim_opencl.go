//go:build gpu

package optim

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

// kernelSource implements the per-Gaussian Adam step and f16 repack of
// spec.md §4.10, mirroring optim_ref.go's StepOne/StepSH arithmetic.
// active gates the update per component group (optim_ref.go's StepOne
// skips a Gaussian entirely when its tile count is zero, i.e. it
// contributed to no rasterized tile this iteration); inactive entries pass
// theta and m/v through unchanged.
const kernelSource = `
__kernel void adam_step(
    __global const float *theta, __global const float *grad, __global const uint *active,
    __global float *m, __global float *v, __global float *theta_out,
    const float lr, const float beta1, const float beta2, const float eps,
    const int n)
{
    int i = get_global_id(0);
    if (i >= n) return;
    if (!active[i]) {
        theta_out[i] = theta[i];
        return;
    }
    float g = grad[i];
    float mi = beta1 * m[i] + (1.0f - beta1) * g;
    float vi = beta2 * v[i] + (1.0f - beta2) * g * g;
    m[i] = mi;
    v[i] = vi;
    theta_out[i] = theta[i] - lr * mi / (sqrt(vi) + eps);
}
`

// Runner owns the compiled Adam-step program.
type Runner struct {
	rt      *clctx.Runtime
	program C.cl_program
	kernel  C.cl_kernel
}

// NewRunner builds the Adam kernel against the shared runtime.
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
		return nil, &gpu.BackendError{Pass: "optim.clCreateProgramWithSource", Err: fmt.Errorf("status %d", status)}
	}
	if status := C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "optim.clBuildProgram", Err: fmt.Errorf("status %d", status)}
	}
	name := C.CString("adam_step")
	defer C.free(unsafe.Pointer(name))
	kernel := C.clCreateKernel(program, name, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "optim.clCreateKernel", Err: fmt.Errorf("status %d", status)}
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
		return nil, fmt.Errorf("optim: clCreateBuffer failed: %d", int(status))
	}
	return buf, nil
}

func ref(m C.cl_mem) *C.cl_mem { return &m }

// Step dispatches one flat Adam update: theta/grad/m/v are parallel arrays
// over n scalar components (e.g. 3*numGaussians for position, or
// activeSHCoeffs(shDegree)*3*numGaussians for SH color), and active[i]
// gates the update per component the same way optim_ref.go's StepOne skips
// a whole Gaussian when its tile count is zero.
func (r *Runner) Step(theta, grad []float32, active []uint32, m, v []float32, lr, beta1, beta2, eps float32) ([]float32, []float32, []float32, error) {
	n := len(theta)
	if n == 0 {
		return nil, nil, nil, nil
	}
	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())

	thetaBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, nil, err
	}
	defer C.clReleaseMemObject(thetaBuf)
	gradBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, nil, err
	}
	defer C.clReleaseMemObject(gradBuf)
	activeBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, nil, err
	}
	defer C.clReleaseMemObject(activeBuf)
	mBuf, err := clBuf(ctx, C.CL_MEM_READ_WRITE, n*4)
	if err != nil {
		return nil, nil, nil, err
	}
	defer C.clReleaseMemObject(mBuf)
	vBuf, err := clBuf(ctx, C.CL_MEM_READ_WRITE, n*4)
	if err != nil {
		return nil, nil, nil, err
	}
	defer C.clReleaseMemObject(vBuf)
	outBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, nil, nil, err
	}
	defer C.clReleaseMemObject(outBuf)

	write := func(buf C.cl_mem, data unsafe.Pointer, pass string) error {
		if status := C.clEnqueueWriteBuffer(queue, buf, C.CL_TRUE, 0, C.size_t(n*4), data, 0, nil, nil); status != C.CL_SUCCESS {
			return &gpu.BackendError{Pass: pass, Err: fmt.Errorf("status %d", int(status))}
		}
		return nil
	}
	if err := write(thetaBuf, unsafe.Pointer(&theta[0]), "optim.write_theta"); err != nil {
		return nil, nil, nil, err
	}
	if err := write(gradBuf, unsafe.Pointer(&grad[0]), "optim.write_grad"); err != nil {
		return nil, nil, nil, err
	}
	if err := write(activeBuf, unsafe.Pointer(&active[0]), "optim.write_active"); err != nil {
		return nil, nil, nil, err
	}
	if err := write(mBuf, unsafe.Pointer(&m[0]), "optim.write_m"); err != nil {
		return nil, nil, nil, err
	}
	if err := write(vBuf, unsafe.Pointer(&v[0]), "optim.write_v"); err != nil {
		return nil, nil, nil, err
	}

	clLR, clB1, clB2, clEps := C.float(lr), C.float(beta1), C.float(beta2), C.float(eps)
	clN := C.int(n)
	args := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(thetaBuf)), unsafe.Pointer(ref(thetaBuf))},
		{C.size_t(unsafe.Sizeof(gradBuf)), unsafe.Pointer(ref(gradBuf))},
		{C.size_t(unsafe.Sizeof(activeBuf)), unsafe.Pointer(ref(activeBuf))},
		{C.size_t(unsafe.Sizeof(mBuf)), unsafe.Pointer(ref(mBuf))},
		{C.size_t(unsafe.Sizeof(vBuf)), unsafe.Pointer(ref(vBuf))},
		{C.size_t(unsafe.Sizeof(outBuf)), unsafe.Pointer(ref(outBuf))},
		{C.size_t(unsafe.Sizeof(clLR)), unsafe.Pointer(&clLR)},
		{C.size_t(unsafe.Sizeof(clB1)), unsafe.Pointer(&clB1)},
		{C.size_t(unsafe.Sizeof(clB2)), unsafe.Pointer(&clB2)},
		{C.size_t(unsafe.Sizeof(clEps)), unsafe.Pointer(&clEps)},
		{C.size_t(unsafe.Sizeof(clN)), unsafe.Pointer(&clN)},
	}
	for i, a := range args {
		if status := C.clSetKernelArg(r.kernel, C.cl_uint(i), a.size, a.ptr); status != C.CL_SUCCESS {
			return nil, nil, nil, &gpu.BackendError{Pass: "optim.adam_step.setArg", Err: fmt.Errorf("status %d", int(status))}
		}
	}

	global := C.size_t(n)
	if status := C.clEnqueueNDRangeKernel(queue, r.kernel, 1, nil, &global, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, nil, &gpu.BackendError{Pass: "optim.adam_step", Err: fmt.Errorf("status %d", int(status))}
	}

	newM := make([]float32, n)
	newV := make([]float32, n)
	newTheta := make([]float32, n)
	read := func(buf C.cl_mem, data unsafe.Pointer, pass string) error {
		if status := C.clEnqueueReadBuffer(queue, buf, C.CL_TRUE, 0, C.size_t(n*4), data, 0, nil, nil); status != C.CL_SUCCESS {
			return &gpu.BackendError{Pass: pass, Err: fmt.Errorf("status %d", int(status))}
		}
		return nil
	}
	if err := read(mBuf, unsafe.Pointer(&newM[0]), "optim.read_m"); err != nil {
		return nil, nil, nil, err
	}
	if err := read(vBuf, unsafe.Pointer(&newV[0]), "optim.read_v"); err != nil {
		return nil, nil, nil, err
	}
	if err := read(outBuf, unsafe.Pointer(&newTheta[0]), "optim.read_theta"); err != nil {
		return nil, nil, nil, err
	}
	return newTheta, newM, newV, nil
}
