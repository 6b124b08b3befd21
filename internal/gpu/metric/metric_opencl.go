//go:build gpu

package metric

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
	"github.com/cwbudde/gsplatforge/internal/gpu/raster"
)

// kernelSource implements all four passes of spec.md §4.11. The min/max
// tree reduction (step 2) is folded into a host-side scan over the error
// pass's output, the same way internal/gpu/radixsort reduces its 256-bucket
// histogram on the host rather than round-tripping a tree-reduction kernel;
// n is small enough per view that this costs nothing next to the pixel
// passes. error_pass and threshold_pass mirror metric_ref.go's
// quantizeError and threshold step; count_pass mirrors BuildReference's
// per-tile contributor walk, recomputing alpha the same way
// internal/gpu/raster's forward kernel does and atomically incrementing a
// per-Gaussian counter when a flagged pixel's contributor clears
// AlphaThreshold.
const kernelSource = `
#define TILE 16
#define ALPHA_MIN (1.0f/255.0f)
#define ALPHA_MAX 0.99f
#define ALPHA_THRESHOLD (1.0f/255.0f)

__kernel void error_pass(
    __global const float *pred_r, __global const float *pred_g, __global const float *pred_b,
    __global const float *target_r, __global const float *target_g, __global const float *target_b,
    __global uint *errors, const float scale, const int n)
{
    int i = get_global_id(0);
    if (i >= n) return;
    float l1 = fabs(pred_r[i]-target_r[i]) + fabs(pred_g[i]-target_g[i]) + fabs(pred_b[i]-target_b[i]);
    errors[i] = (uint)(l1 * scale);
}

__kernel void threshold_pass(
    __global const uint *errors, __global uint *flags,
    const uint min_v, const uint max_v, const float threshold, const int n)
{
    int i = get_global_id(0);
    if (i >= n) return;
    float span = (float)(max_v - min_v);
    float normalized = span > 0.0f ? (float)(errors[i] - min_v) / span : 0.0f;
    flags[i] = normalized > threshold ? 1 : 0;
}

__kernel void count_pass(
    __global const uint *flags,
    __global const float *c_ndc_x, __global const float *c_ndc_y,
    __global const float *c_conic_a, __global const float *c_conic_b, __global const float *c_conic_c,
    __global const float *c_opacity, __global const uint *c_gaussian_index,
    __global const uint *tile_offsets, __global const uint *n_contrib,
    __global uint *counts,
    const uint grid_width, const uint width, const uint height)
{
    uint tx = get_group_id(0);
    uint ty = get_group_id(1);
    uint px = tx * TILE + get_local_id(0);
    uint py = ty * TILE + get_local_id(1);
    if (px >= width || py >= height) return;
    uint idx = py*width+px;
    if (!flags[idx]) return;

    uint tile = ty*grid_width+tx;
    uint start = tile_offsets[tile];
    uint end = tile_offsets[tile+1];
    uint limit = start + n_contrib[idx];
    if (limit < start) limit = start;
    if (limit > end) limit = end;

    for (uint s = start; s < limit; s++) {
        float dx = (float)px - c_ndc_x[s];
        float dy = (float)py - c_ndc_y[s];
        float power = -0.5f * (c_conic_a[s]*dx*dx + 2.0f*c_conic_b[s]*dx*dy + c_conic_c[s]*dy*dy);
        if (power > 0.0f) continue;
        float a = c_opacity[s] * exp(power);
        if (a > ALPHA_MAX) a = ALPHA_MAX;
        if (a < ALPHA_THRESHOLD) continue;
        atomic_inc(&counts[c_gaussian_index[s]]);
    }
}
`

// Runner owns the compiled error/threshold/count-pass program.
type Runner struct {
	rt      *clctx.Runtime
	program C.cl_program
	errorK  C.cl_kernel
	thresh  C.cl_kernel
	count   C.cl_kernel
}

// NewRunner builds the metric kernels against the shared runtime.
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
		return nil, &gpu.BackendError{Pass: "metric.clCreateProgramWithSource", Err: fmt.Errorf("status %d", status)}
	}
	if status := C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "metric.clBuildProgram", Err: fmt.Errorf("status %d", status)}
	}
	errName := C.CString("error_pass")
	defer C.free(unsafe.Pointer(errName))
	errorK := C.clCreateKernel(program, errName, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "metric.clCreateKernel(error_pass)", Err: fmt.Errorf("status %d", status)}
	}
	threshName := C.CString("threshold_pass")
	defer C.free(unsafe.Pointer(threshName))
	thresh := C.clCreateKernel(program, threshName, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "metric.clCreateKernel(threshold_pass)", Err: fmt.Errorf("status %d", status)}
	}
	countName := C.CString("count_pass")
	defer C.free(unsafe.Pointer(countName))
	count := C.clCreateKernel(program, countName, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "metric.clCreateKernel(count_pass)", Err: fmt.Errorf("status %d", status)}
	}
	return &Runner{rt: rt, program: program, errorK: errorK, thresh: thresh, count: count}, nil
}

// Close releases the compiled kernels and program.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	if r.errorK != nil {
		C.clReleaseKernel(r.errorK)
	}
	if r.thresh != nil {
		C.clReleaseKernel(r.thresh)
	}
	if r.count != nil {
		C.clReleaseKernel(r.count)
	}
	if r.program != nil {
		C.clReleaseProgram(r.program)
	}
}

func clBuf(ctx C.cl_context, flags C.cl_mem_flags, size int) (C.cl_mem, error) {
	var status C.cl_int
	buf := C.clCreateBuffer(ctx, flags, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, fmt.Errorf("metric: clCreateBuffer failed: %d", int(status))
	}
	return buf, nil
}

func setArg(kernel C.cl_kernel, idx C.cl_uint, size C.size_t, ptr unsafe.Pointer) error {
	if status := C.clSetKernelArg(kernel, idx, size, ptr); status != C.CL_SUCCESS {
		return fmt.Errorf("clSetKernelArg(%d) failed: %d", int(idx), int(status))
	}
	return nil
}

func writeBuf(queue C.cl_command_queue, buf C.cl_mem, data unsafe.Pointer, size int, pass string) error {
	if size == 0 {
		return nil
	}
	if status := C.clEnqueueWriteBuffer(queue, buf, C.CL_TRUE, 0, C.size_t(size), data, 0, nil, nil); status != C.CL_SUCCESS {
		return &gpu.BackendError{Pass: pass, Err: fmt.Errorf("status %d", int(status))}
	}
	return nil
}

func readBuf(queue C.cl_command_queue, buf C.cl_mem, data unsafe.Pointer, size int, pass string) error {
	if status := C.clEnqueueReadBuffer(queue, buf, C.CL_TRUE, 0, C.size_t(size), data, 0, nil, nil); status != C.CL_SUCCESS {
		return &gpu.BackendError{Pass: pass, Err: fmt.Errorf("status %d", int(status))}
	}
	return nil
}

func ref(m C.cl_mem) *C.cl_mem { return &m }

// BuildCounts dispatches the full four-pass metric pipeline for one view:
// error_pass computes a quantized per-pixel L1 error, a host-side min/max
// scan finds the view's error span, threshold_pass flags pixels above the
// normalized cutoff, and count_pass walks each flagged pixel's sorted
// contributor prefix (soa, tileOffsets, nContrib all coming from the same
// C6 forward pass internal/gpu/raster ran for this view) to score
// per-Gaussian contribution counts.
func (r *Runner) BuildCounts(predR, predG, predB, targetR, targetG, targetB []float32, soa raster.ContributorSOA, tileOffsets []uint32, nContrib []uint32, numGaussians, gridWidth, width, height int, threshold float32) ([]uint32, error) {
	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())
	n := width * height
	k := len(soa.NDCX)

	pixBufs := map[string]C.cl_mem{}
	pixNames := []struct {
		name  string
		flags C.cl_mem_flags
		size  int
	}{
		{"pred_r", C.CL_MEM_READ_ONLY, n * 4}, {"pred_g", C.CL_MEM_READ_ONLY, n * 4}, {"pred_b", C.CL_MEM_READ_ONLY, n * 4},
		{"target_r", C.CL_MEM_READ_ONLY, n * 4}, {"target_g", C.CL_MEM_READ_ONLY, n * 4}, {"target_b", C.CL_MEM_READ_ONLY, n * 4},
		{"errors", C.CL_MEM_READ_WRITE, n * 4},
		{"flags", C.CL_MEM_READ_WRITE, n * 4},
	}
	for _, spec := range pixNames {
		b, err := clBuf(ctx, spec.flags, spec.size)
		if err != nil {
			return nil, err
		}
		pixBufs[spec.name] = b
		defer C.clReleaseMemObject(b)
	}
	for _, f := range []struct {
		name string
		data []float32
	}{{"pred_r", predR}, {"pred_g", predG}, {"pred_b", predB}, {"target_r", targetR}, {"target_g", targetG}, {"target_b", targetB}} {
		if err := writeBuf(queue, pixBufs[f.name], unsafe.Pointer(&f.data[0]), n*4, "metric.write_"+f.name); err != nil {
			return nil, err
		}
	}

	scale := C.float(QuantizeScale)
	nArg := C.int(n)
	errArgs := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(pixBufs["pred_r"])), unsafe.Pointer(ref(pixBufs["pred_r"]))},
		{C.size_t(unsafe.Sizeof(pixBufs["pred_g"])), unsafe.Pointer(ref(pixBufs["pred_g"]))},
		{C.size_t(unsafe.Sizeof(pixBufs["pred_b"])), unsafe.Pointer(ref(pixBufs["pred_b"]))},
		{C.size_t(unsafe.Sizeof(pixBufs["target_r"])), unsafe.Pointer(ref(pixBufs["target_r"]))},
		{C.size_t(unsafe.Sizeof(pixBufs["target_g"])), unsafe.Pointer(ref(pixBufs["target_g"]))},
		{C.size_t(unsafe.Sizeof(pixBufs["target_b"])), unsafe.Pointer(ref(pixBufs["target_b"]))},
		{C.size_t(unsafe.Sizeof(pixBufs["errors"])), unsafe.Pointer(ref(pixBufs["errors"]))},
		{C.size_t(unsafe.Sizeof(scale)), unsafe.Pointer(&scale)},
		{C.size_t(unsafe.Sizeof(nArg)), unsafe.Pointer(&nArg)},
	}
	for i, a := range errArgs {
		if err := setArg(r.errorK, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, &gpu.BackendError{Pass: "metric.error_pass.setArg", Err: err}
		}
	}
	global1 := C.size_t(n)
	if status := C.clEnqueueNDRangeKernel(queue, r.errorK, 1, nil, &global1, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "metric.error_pass", Err: fmt.Errorf("status %d", int(status))}
	}

	errors := make([]uint32, n)
	if err := readBuf(queue, pixBufs["errors"], unsafe.Pointer(&errors[0]), n*4, "metric.read_errors"); err != nil {
		return nil, err
	}
	minV, maxV := errors[0], errors[0]
	for _, e := range errors {
		if e < minV {
			minV = e
		}
		if e > maxV {
			maxV = e
		}
	}

	counts := make([]uint32, numGaussians)
	if maxV == minV {
		return counts, nil
	}

	cMin, cMax, cThresh := C.uint(minV), C.uint(maxV), C.float(threshold)
	threshArgs := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(pixBufs["errors"])), unsafe.Pointer(ref(pixBufs["errors"]))},
		{C.size_t(unsafe.Sizeof(pixBufs["flags"])), unsafe.Pointer(ref(pixBufs["flags"]))},
		{C.size_t(unsafe.Sizeof(cMin)), unsafe.Pointer(&cMin)},
		{C.size_t(unsafe.Sizeof(cMax)), unsafe.Pointer(&cMax)},
		{C.size_t(unsafe.Sizeof(cThresh)), unsafe.Pointer(&cThresh)},
		{C.size_t(unsafe.Sizeof(nArg)), unsafe.Pointer(&nArg)},
	}
	for i, a := range threshArgs {
		if err := setArg(r.thresh, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, &gpu.BackendError{Pass: "metric.threshold_pass.setArg", Err: err}
		}
	}
	if status := C.clEnqueueNDRangeKernel(queue, r.thresh, 1, nil, &global1, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "metric.threshold_pass", Err: fmt.Errorf("status %d", int(status))}
	}

	contribBufs := map[string]C.cl_mem{}
	contribNames := []struct {
		name  string
		flags C.cl_mem_flags
		size  int
	}{
		{"ndc_x", C.CL_MEM_READ_ONLY, k * 4}, {"ndc_y", C.CL_MEM_READ_ONLY, k * 4},
		{"conic_a", C.CL_MEM_READ_ONLY, k * 4}, {"conic_b", C.CL_MEM_READ_ONLY, k * 4}, {"conic_c", C.CL_MEM_READ_ONLY, k * 4},
		{"opacity", C.CL_MEM_READ_ONLY, k * 4}, {"gaussian_index", C.CL_MEM_READ_ONLY, k * 4},
		{"tile_offsets", C.CL_MEM_READ_ONLY, len(tileOffsets) * 4},
		{"n_contrib", C.CL_MEM_READ_ONLY, n * 4},
		{"counts", C.CL_MEM_READ_WRITE, numGaussians * 4},
	}
	for _, spec := range contribNames {
		b, err := clBuf(ctx, spec.flags, spec.size)
		if err != nil {
			return nil, err
		}
		contribBufs[spec.name] = b
		defer C.clReleaseMemObject(b)
	}
	if k > 0 {
		for _, f := range []struct {
			name string
			data []float32
		}{{"ndc_x", soa.NDCX}, {"ndc_y", soa.NDCY}, {"conic_a", soa.ConicA}, {"conic_b", soa.ConicB}, {"conic_c", soa.ConicC}, {"opacity", soa.Opacity}} {
			if err := writeBuf(queue, contribBufs[f.name], unsafe.Pointer(&f.data[0]), k*4, "metric.write_"+f.name); err != nil {
				return nil, err
			}
		}
		if err := writeBuf(queue, contribBufs["gaussian_index"], unsafe.Pointer(&soa.GaussianIndex[0]), k*4, "metric.write_gaussian_index"); err != nil {
			return nil, err
		}
	}
	if err := writeBuf(queue, contribBufs["tile_offsets"], unsafe.Pointer(&tileOffsets[0]), len(tileOffsets)*4, "metric.write_tile_offsets"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, contribBufs["n_contrib"], unsafe.Pointer(&nContrib[0]), n*4, "metric.write_n_contrib"); err != nil {
		return nil, err
	}
	zeroCounts := make([]uint32, numGaussians)
	if err := writeBuf(queue, contribBufs["counts"], unsafe.Pointer(&zeroCounts[0]), numGaussians*4, "metric.zero_counts"); err != nil {
		return nil, err
	}

	gw, w, h := C.uint(gridWidth), C.uint(width), C.uint(height)
	countArgs := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(pixBufs["flags"])), unsafe.Pointer(ref(pixBufs["flags"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["ndc_x"])), unsafe.Pointer(ref(contribBufs["ndc_x"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["ndc_y"])), unsafe.Pointer(ref(contribBufs["ndc_y"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["conic_a"])), unsafe.Pointer(ref(contribBufs["conic_a"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["conic_b"])), unsafe.Pointer(ref(contribBufs["conic_b"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["conic_c"])), unsafe.Pointer(ref(contribBufs["conic_c"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["opacity"])), unsafe.Pointer(ref(contribBufs["opacity"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["gaussian_index"])), unsafe.Pointer(ref(contribBufs["gaussian_index"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["tile_offsets"])), unsafe.Pointer(ref(contribBufs["tile_offsets"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["n_contrib"])), unsafe.Pointer(ref(contribBufs["n_contrib"]))},
		{C.size_t(unsafe.Sizeof(contribBufs["counts"])), unsafe.Pointer(ref(contribBufs["counts"]))},
		{C.size_t(unsafe.Sizeof(gw)), unsafe.Pointer(&gw)},
		{C.size_t(unsafe.Sizeof(w)), unsafe.Pointer(&w)},
		{C.size_t(unsafe.Sizeof(h)), unsafe.Pointer(&h)},
	}
	for i, a := range countArgs {
		if err := setArg(r.count, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, &gpu.BackendError{Pass: "metric.count_pass.setArg", Err: err}
		}
	}
	global2 := [2]C.size_t{C.size_t(gridWidth * 16), C.size_t((height + 15) / 16 * 16)}
	local2 := [2]C.size_t{16, 16}
	if status := C.clEnqueueNDRangeKernel(queue, r.count, 2, nil, &global2[0], &local2[0], 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "metric.count_pass", Err: fmt.Errorf("status %d", int(status))}
	}

	if err := readBuf(queue, contribBufs["counts"], unsafe.Pointer(&counts[0]), numGaussians*4, "metric.read_counts"); err != nil {
		return nil, err
	}
	return counts, nil
}
