//go:build gpu

package raster

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
	"github.com/cwbudde/gsplatforge/internal/gpu/backward"
	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
)

// kernelSource implements the tile-workgroup forward and backward passes
// of spec.md §4.6/§4.8. Each workgroup owns one 16x16 tile, walking the
// sorted contributor range for that tile front-to-back (forward) or
// back-to-front (backward). Contributors are struct-of-arrays rather than
// an AoS C struct so the Go side never has to match this package's cgo
// struct padding against a hand-packed byte buffer.
const kernelSource = `
#define TILE 16
#define ALPHA_MIN (1.0f/255.0f)
#define ALPHA_MAX 0.99f
#define EPS_STOP (1.0f/256.0f)

__kernel void rasterize_forward(
    __global const float *c_ndc_x, __global const float *c_ndc_y,
    __global const float *c_conic_a, __global const float *c_conic_b, __global const float *c_conic_c,
    __global const float *c_color_r, __global const float *c_color_g, __global const float *c_color_b,
    __global const float *c_opacity,
    __global const uint *tile_offsets,
    __global uchar4 *out_color, __global float *out_color_f,
    __global float *out_t, __global uint *out_n, __global int *out_last,
    const uint grid_width, const uint width, const uint height)
{
    uint tx = get_group_id(0);
    uint ty = get_group_id(1);
    uint px = tx * TILE + get_local_id(0);
    uint py = ty * TILE + get_local_id(1);
    uint tile = ty * grid_width + tx;

    uint start = tile_offsets[tile];
    uint end = tile_offsets[tile + 1];

    float3 color = (float3)(0.0f, 0.0f, 0.0f);
    float t = 1.0f;
    uint n = 0;
    int last = -1;
    int alive = (px < width && py < height);

    for (uint s = start; s < end; s++) {
        if (!alive || t < EPS_STOP) continue;
        last = (int)s;
        float dx = (float)px - c_ndc_x[s];
        float dy = (float)py - c_ndc_y[s];
        float power = -0.5f * (c_conic_a[s]*dx*dx + 2.0f*c_conic_b[s]*dx*dy + c_conic_c[s]*dy*dy);
        if (power > 0.0f) continue;
        float a = c_opacity[s] * exp(power);
        if (a > ALPHA_MAX) a = ALPHA_MAX;
        if (a < ALPHA_MIN) continue;
        color += (float3)(c_color_r[s], c_color_g[s], c_color_b[s]) * a * t;
        t *= (1.0f - a);
        n++;
    }

    if (alive) {
        uint idx = py * width + px;
        out_color[idx] = (uchar4)(convert_uchar_sat(color.x*255.0f), convert_uchar_sat(color.y*255.0f), convert_uchar_sat(color.z*255.0f), 255);
        out_color_f[idx*3+0] = color.x;
        out_color_f[idx*3+1] = color.y;
        out_color_f[idx*3+2] = color.z;
        out_t[idx] = t;
        out_n[idx] = n;
        out_last[idx] = last;
    }
}

__kernel void rasterize_backward(
    __global const float *c_ndc_x, __global const float *c_ndc_y,
    __global const float *c_conic_a, __global const float *c_conic_b, __global const float *c_conic_c,
    __global const float *c_color_r, __global const float *c_color_g, __global const float *c_color_b,
    __global const float *c_opacity, __global const uint *c_gaussian_index,
    __global const uint *tile_offsets,
    __global const float *out_t, __global const uint *out_n, __global const int *out_last,
    __global const float *dl_dcolor,
    __global int *d_mean2d_fixed, __global int *d_conic_fixed,
    __global int *d_opacity_fixed, __global int *d_color_fixed,
    const uint grid_width, const uint width, const uint height, const float fixed_scale)
{
    uint tx = get_group_id(0);
    uint ty = get_group_id(1);
    uint px = tx * TILE + get_local_id(0);
    uint py = ty * TILE + get_local_id(1);
    uint tile = ty * grid_width + tx;
    uint start = tile_offsets[tile];

    if (!(px < width && py < height)) return;
    uint idx = py * width + px;

    int remaining = (int)out_n[idx];
    if (remaining == 0) return;
    int last = out_last[idx];
    if (last < (int)start) return;

    float accumT = out_t[idx];
    float3 accumColor = (float3)(0.0f, 0.0f, 0.0f);
    float3 dl = (float3)(dl_dcolor[idx*3+0], dl_dcolor[idx*3+1], dl_dcolor[idx*3+2]);

    for (int s = last; s >= (int)start && remaining > 0; s--) {
        float dx = (float)px - c_ndc_x[s];
        float dy = (float)py - c_ndc_y[s];
        float a_ = c_conic_a[s], b_ = c_conic_b[s], cc_ = c_conic_c[s];
        float power = -0.5f * (a_*dx*dx + 2.0f*b_*dx*dy + cc_*dy*dy);
        if (power > 0.0f) continue;
        float opacity = c_opacity[s];
        float alpha = opacity * exp(power);
        if (alpha > ALPHA_MAX) alpha = ALPHA_MAX;
        if (alpha < ALPHA_MIN) continue;

        float t = accumT / (1.0f - alpha);
        float3 color = (float3)(c_color_r[s], c_color_g[s], c_color_b[s]);

        float3 dcolorContrib = alpha * t * dl;
        float3 diff = color - accumColor;
        float dLdAlpha = (diff.x*dl.x + diff.y*dl.y + diff.z*dl.z) * t;

        float g = alpha / fmax(opacity, 1e-12f);
        float dOpacity = g * dLdAlpha;

        float dAlphaDPower = alpha * dLdAlpha;
        float dPowerDDx = -(a_*dx + b_*dy);
        float dPowerDDy = -(b_*dx + cc_*dy);
        float dMeanX = -dAlphaDPower * dPowerDDx;
        float dMeanY = -dAlphaDPower * dPowerDDy;
        float dConicA = -0.5f * dAlphaDPower * dx*dx;
        float dConicB = -dAlphaDPower * dx*dy;
        float dConicC = -0.5f * dAlphaDPower * dy*dy;

        uint gi = c_gaussian_index[s];
        atomic_add(&d_color_fixed[gi*3+0], (int)(dcolorContrib.x*fixed_scale));
        atomic_add(&d_color_fixed[gi*3+1], (int)(dcolorContrib.y*fixed_scale));
        atomic_add(&d_color_fixed[gi*3+2], (int)(dcolorContrib.z*fixed_scale));
        atomic_add(&d_opacity_fixed[gi], (int)(dOpacity*fixed_scale));
        atomic_add(&d_mean2d_fixed[gi*2+0], (int)(dMeanX*fixed_scale));
        atomic_add(&d_mean2d_fixed[gi*2+1], (int)(dMeanY*fixed_scale));
        atomic_add(&d_conic_fixed[gi*3+0], (int)(dConicA*fixed_scale));
        atomic_add(&d_conic_fixed[gi*3+1], (int)(dConicB*fixed_scale));
        atomic_add(&d_conic_fixed[gi*3+2], (int)(dConicC*fixed_scale));

        accumColor += color * alpha * t;
        accumT = t;
        remaining--;
    }
}
`

// Runner owns the compiled rasterizer program: both the forward
// alpha-composite kernel (C6) and the backward gradient kernel (C8), which
// share one tile workgroup layout and must agree on the EpsStop/AlphaMin
// cutoffs (design notes §9).
type Runner struct {
	rt       *clctx.Runtime
	program  C.cl_program
	forward  C.cl_kernel
	backward C.cl_kernel
}

// NewRunner builds the rasterizer kernels against the shared runtime.
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
		return nil, &gpu.BackendError{Pass: "raster.clCreateProgramWithSource", Err: fmt.Errorf("status %d", int(status))}
	}
	if status = C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "raster.clBuildProgram", Err: fmt.Errorf("status %d", int(status))}
	}

	mk := func(name string) (C.cl_kernel, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		k := C.clCreateKernel(program, cname, &status)
		if status != C.CL_SUCCESS {
			return nil, &gpu.BackendError{Pass: "raster.clCreateKernel(" + name + ")", Err: fmt.Errorf("status %d", int(status))}
		}
		return k, nil
	}

	fwd, err := mk("rasterize_forward")
	if err != nil {
		return nil, err
	}
	bwd, err := mk("rasterize_backward")
	if err != nil {
		return nil, err
	}

	return &Runner{rt: rt, program: program, forward: fwd, backward: bwd}, nil
}

// Close releases the compiled kernels and program.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	if r.forward != nil {
		C.clReleaseKernel(r.forward)
	}
	if r.backward != nil {
		C.clReleaseKernel(r.backward)
	}
	if r.program != nil {
		C.clReleaseProgram(r.program)
	}
}

// ContributorSOA is the struct-of-arrays flattening of a sorted contributor
// list, the layout both rasterizer kernels read.
type ContributorSOA struct {
	NDCX          []float32
	NDCY          []float32
	ConicA        []float32
	ConicB        []float32
	ConicC        []float32
	ColorR        []float32
	ColorG        []float32
	ColorB        []float32
	Opacity       []float32
	GaussianIndex []uint32
}

// Flatten converts a sorted []Contributor into ContributorSOA.
func Flatten(cs []Contributor) ContributorSOA {
	n := len(cs)
	out := ContributorSOA{
		NDCX: make([]float32, n), NDCY: make([]float32, n),
		ConicA: make([]float32, n), ConicB: make([]float32, n), ConicC: make([]float32, n),
		ColorR: make([]float32, n), ColorG: make([]float32, n), ColorB: make([]float32, n),
		Opacity: make([]float32, n), GaussianIndex: make([]uint32, n),
	}
	for i, c := range cs {
		out.NDCX[i], out.NDCY[i] = c.NDC[0], c.NDC[1]
		out.ConicA[i], out.ConicB[i], out.ConicC[i] = c.ConicXY[0], c.ConicXY[1], c.ConicZ
		out.ColorR[i], out.ColorG[i], out.ColorB[i] = c.Color[0], c.Color[1], c.Color[2]
		out.Opacity[i] = c.Opacity
		out.GaussianIndex[i] = uint32(c.GaussianIndex)
	}
	return out
}

// ForwardResult is the per-pixel output of the forward rasterizer.
type ForwardResult struct {
	ColorRGBA []uint8  // width*height*4
	ColorF    []float32 // width*height*3
	T         []float32 // width*height
	N         []uint32  // width*height
	Last      []int32   // width*height
}

func clBuf(ctx C.cl_context, flags C.cl_mem_flags, size int) (C.cl_mem, error) {
	var status C.cl_int
	buf := C.clCreateBuffer(ctx, flags, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, fmt.Errorf("raster: clCreateBuffer failed: %d", int(status))
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

// RasterizeForward dispatches the forward alpha-composite pass over one
// view's sorted contributor range and per-tile offsets (spec.md §4.6).
func (r *Runner) RasterizeForward(soa ContributorSOA, tileOffsets []uint32, gridWidth, width, height int) (*ForwardResult, error) {
	k := len(soa.NDCX)
	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())
	pixels := width * height

	bufs := map[string]C.cl_mem{}
	alloc := func(name string, flags C.cl_mem_flags, size int) error {
		b, err := clBuf(ctx, flags, size)
		if err != nil {
			return err
		}
		bufs[name] = b
		return nil
	}
	names := []struct {
		name  string
		flags C.cl_mem_flags
		size  int
	}{
		{"ndc_x", C.CL_MEM_READ_ONLY, k * 4}, {"ndc_y", C.CL_MEM_READ_ONLY, k * 4},
		{"conic_a", C.CL_MEM_READ_ONLY, k * 4}, {"conic_b", C.CL_MEM_READ_ONLY, k * 4}, {"conic_c", C.CL_MEM_READ_ONLY, k * 4},
		{"color_r", C.CL_MEM_READ_ONLY, k * 4}, {"color_g", C.CL_MEM_READ_ONLY, k * 4}, {"color_b", C.CL_MEM_READ_ONLY, k * 4},
		{"opacity", C.CL_MEM_READ_ONLY, k * 4},
		{"tile_offsets", C.CL_MEM_READ_ONLY, len(tileOffsets) * 4},
		{"out_color", C.CL_MEM_WRITE_ONLY, pixels * 4},
		{"out_color_f", C.CL_MEM_WRITE_ONLY, pixels * 3 * 4},
		{"out_t", C.CL_MEM_WRITE_ONLY, pixels * 4},
		{"out_n", C.CL_MEM_WRITE_ONLY, pixels * 4},
		{"out_last", C.CL_MEM_WRITE_ONLY, pixels * 4},
	}
	for _, spec := range names {
		if err := alloc(spec.name, spec.flags, spec.size); err != nil {
			return nil, err
		}
		defer C.clReleaseMemObject(bufs[spec.name])
	}

	if k > 0 {
		if err := writeBuf(queue, bufs["ndc_x"], unsafe.Pointer(&soa.NDCX[0]), k*4, "raster.write_ndc_x"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["ndc_y"], unsafe.Pointer(&soa.NDCY[0]), k*4, "raster.write_ndc_y"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["conic_a"], unsafe.Pointer(&soa.ConicA[0]), k*4, "raster.write_conic_a"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["conic_b"], unsafe.Pointer(&soa.ConicB[0]), k*4, "raster.write_conic_b"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["conic_c"], unsafe.Pointer(&soa.ConicC[0]), k*4, "raster.write_conic_c"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["color_r"], unsafe.Pointer(&soa.ColorR[0]), k*4, "raster.write_color_r"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["color_g"], unsafe.Pointer(&soa.ColorG[0]), k*4, "raster.write_color_g"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["color_b"], unsafe.Pointer(&soa.ColorB[0]), k*4, "raster.write_color_b"); err != nil {
			return nil, err
		}
		if err := writeBuf(queue, bufs["opacity"], unsafe.Pointer(&soa.Opacity[0]), k*4, "raster.write_opacity"); err != nil {
			return nil, err
		}
	}
	if err := writeBuf(queue, bufs["tile_offsets"], unsafe.Pointer(&tileOffsets[0]), len(tileOffsets)*4, "raster.write_tile_offsets"); err != nil {
		return nil, err
	}

	gw, w, h := C.uint(gridWidth), C.uint(width), C.uint(height)
	args := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(bufs["ndc_x"])), unsafe.Pointer(ref(bufs["ndc_x"]))},
		{C.size_t(unsafe.Sizeof(bufs["ndc_y"])), unsafe.Pointer(ref(bufs["ndc_y"]))},
		{C.size_t(unsafe.Sizeof(bufs["conic_a"])), unsafe.Pointer(ref(bufs["conic_a"]))},
		{C.size_t(unsafe.Sizeof(bufs["conic_b"])), unsafe.Pointer(ref(bufs["conic_b"]))},
		{C.size_t(unsafe.Sizeof(bufs["conic_c"])), unsafe.Pointer(ref(bufs["conic_c"]))},
		{C.size_t(unsafe.Sizeof(bufs["color_r"])), unsafe.Pointer(ref(bufs["color_r"]))},
		{C.size_t(unsafe.Sizeof(bufs["color_g"])), unsafe.Pointer(ref(bufs["color_g"]))},
		{C.size_t(unsafe.Sizeof(bufs["color_b"])), unsafe.Pointer(ref(bufs["color_b"]))},
		{C.size_t(unsafe.Sizeof(bufs["opacity"])), unsafe.Pointer(ref(bufs["opacity"]))},
		{C.size_t(unsafe.Sizeof(bufs["tile_offsets"])), unsafe.Pointer(ref(bufs["tile_offsets"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_color"])), unsafe.Pointer(ref(bufs["out_color"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_color_f"])), unsafe.Pointer(ref(bufs["out_color_f"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_t"])), unsafe.Pointer(ref(bufs["out_t"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_n"])), unsafe.Pointer(ref(bufs["out_n"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_last"])), unsafe.Pointer(ref(bufs["out_last"]))},
		{C.size_t(unsafe.Sizeof(gw)), unsafe.Pointer(&gw)},
		{C.size_t(unsafe.Sizeof(w)), unsafe.Pointer(&w)},
		{C.size_t(unsafe.Sizeof(h)), unsafe.Pointer(&h)},
	}
	for i, a := range args {
		if err := setArg(r.forward, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, &gpu.BackendError{Pass: "raster.rasterize_forward.setArg", Err: err}
		}
	}

	global := [2]C.size_t{C.size_t(gridWidth * 16), C.size_t((height + 15) / 16 * 16)}
	local := [2]C.size_t{16, 16}
	if status := C.clEnqueueNDRangeKernel(queue, r.forward, 2, nil, &global[0], &local[0], 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "raster.rasterize_forward", Err: fmt.Errorf("status %d", int(status))}
	}

	out := &ForwardResult{
		ColorRGBA: make([]uint8, pixels*4),
		ColorF:    make([]float32, pixels*3),
		T:         make([]float32, pixels),
		N:         make([]uint32, pixels),
		Last:      make([]int32, pixels),
	}
	if err := readBuf(queue, bufs["out_color"], unsafe.Pointer(&out.ColorRGBA[0]), pixels*4, "raster.read_out_color"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, bufs["out_color_f"], unsafe.Pointer(&out.ColorF[0]), pixels*3*4, "raster.read_out_color_f"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, bufs["out_t"], unsafe.Pointer(&out.T[0]), pixels*4, "raster.read_out_t"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, bufs["out_n"], unsafe.Pointer(&out.N[0]), pixels*4, "raster.read_out_n"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, bufs["out_last"], unsafe.Pointer(&out.Last[0]), pixels*4, "raster.read_out_last"); err != nil {
		return nil, err
	}
	return out, nil
}

// GradientAccumulators is RasterizeBackward's decoded, per-Gaussian output
// (already converted out of backward.FixedPointScale fixed point).
type GradientAccumulators struct {
	DMean2D []float32 // n*2
	DConic  []float32 // n*3
	DOpacity []float32 // n
	DColor  []float32 // n*3
}

// RasterizeBackward dispatches the backward gradient pass (C8): it walks
// each tile's contributor range back to front, replaying the forward
// alpha-composite to recover per-step transmittance, and atomically scatters
// fixed-point gradients into per-Gaussian accumulators sized numGaussians,
// which C9 (internal/gpu/backward) later decodes and recomputes into 3D
// parameter gradients.
func (r *Runner) RasterizeBackward(soa ContributorSOA, tileOffsets []uint32, fwd *ForwardResult, dLdColor []float32, numGaussians, gridWidth, width, height int) (*GradientAccumulators, error) {
	k := len(soa.NDCX)
	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())
	pixels := width * height

	bufs := map[string]C.cl_mem{}
	names := []struct {
		name  string
		flags C.cl_mem_flags
		size  int
	}{
		{"ndc_x", C.CL_MEM_READ_ONLY, k * 4}, {"ndc_y", C.CL_MEM_READ_ONLY, k * 4},
		{"conic_a", C.CL_MEM_READ_ONLY, k * 4}, {"conic_b", C.CL_MEM_READ_ONLY, k * 4}, {"conic_c", C.CL_MEM_READ_ONLY, k * 4},
		{"color_r", C.CL_MEM_READ_ONLY, k * 4}, {"color_g", C.CL_MEM_READ_ONLY, k * 4}, {"color_b", C.CL_MEM_READ_ONLY, k * 4},
		{"opacity", C.CL_MEM_READ_ONLY, k * 4}, {"gaussian_index", C.CL_MEM_READ_ONLY, k * 4},
		{"tile_offsets", C.CL_MEM_READ_ONLY, len(tileOffsets) * 4},
		{"out_t", C.CL_MEM_READ_ONLY, pixels * 4}, {"out_n", C.CL_MEM_READ_ONLY, pixels * 4}, {"out_last", C.CL_MEM_READ_ONLY, pixels * 4},
		{"dl_dcolor", C.CL_MEM_READ_ONLY, pixels * 3 * 4},
		{"d_mean2d", C.CL_MEM_READ_WRITE, numGaussians * 2 * 4},
		{"d_conic", C.CL_MEM_READ_WRITE, numGaussians * 3 * 4},
		{"d_opacity", C.CL_MEM_READ_WRITE, numGaussians * 4},
		{"d_color", C.CL_MEM_READ_WRITE, numGaussians * 3 * 4},
	}
	for _, spec := range names {
		b, err := clBuf(ctx, spec.flags, spec.size)
		if err != nil {
			return nil, err
		}
		bufs[spec.name] = b
		defer C.clReleaseMemObject(b)
	}

	zeroInt := make([]int32, numGaussians*3)
	if err := writeBuf(queue, bufs["d_mean2d"], unsafe.Pointer(&zeroInt[0]), numGaussians*2*4, "raster.backward.zero_mean2d"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, bufs["d_conic"], unsafe.Pointer(&zeroInt[0]), numGaussians*3*4, "raster.backward.zero_conic"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, bufs["d_opacity"], unsafe.Pointer(&zeroInt[0]), numGaussians*4, "raster.backward.zero_opacity"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, bufs["d_color"], unsafe.Pointer(&zeroInt[0]), numGaussians*3*4, "raster.backward.zero_color"); err != nil {
		return nil, err
	}

	if k > 0 {
		for _, f := range []struct {
			name string
			data []float32
		}{
			{"ndc_x", soa.NDCX}, {"ndc_y", soa.NDCY},
			{"conic_a", soa.ConicA}, {"conic_b", soa.ConicB}, {"conic_c", soa.ConicC},
			{"color_r", soa.ColorR}, {"color_g", soa.ColorG}, {"color_b", soa.ColorB},
			{"opacity", soa.Opacity},
		} {
			if err := writeBuf(queue, bufs[f.name], unsafe.Pointer(&f.data[0]), k*4, "raster.backward.write_"+f.name); err != nil {
				return nil, err
			}
		}
		if err := writeBuf(queue, bufs["gaussian_index"], unsafe.Pointer(&soa.GaussianIndex[0]), k*4, "raster.backward.write_gaussian_index"); err != nil {
			return nil, err
		}
	}
	if err := writeBuf(queue, bufs["tile_offsets"], unsafe.Pointer(&tileOffsets[0]), len(tileOffsets)*4, "raster.backward.write_tile_offsets"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, bufs["out_t"], unsafe.Pointer(&fwd.T[0]), pixels*4, "raster.backward.write_out_t"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, bufs["out_n"], unsafe.Pointer(&fwd.N[0]), pixels*4, "raster.backward.write_out_n"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, bufs["out_last"], unsafe.Pointer(&fwd.Last[0]), pixels*4, "raster.backward.write_out_last"); err != nil {
		return nil, err
	}
	if err := writeBuf(queue, bufs["dl_dcolor"], unsafe.Pointer(&dLdColor[0]), pixels*3*4, "raster.backward.write_dl_dcolor"); err != nil {
		return nil, err
	}

	gw, w, h := C.uint(gridWidth), C.uint(width), C.uint(height)
	scale := C.float(backward.FixedPointScale)
	args := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(bufs["ndc_x"])), unsafe.Pointer(ref(bufs["ndc_x"]))},
		{C.size_t(unsafe.Sizeof(bufs["ndc_y"])), unsafe.Pointer(ref(bufs["ndc_y"]))},
		{C.size_t(unsafe.Sizeof(bufs["conic_a"])), unsafe.Pointer(ref(bufs["conic_a"]))},
		{C.size_t(unsafe.Sizeof(bufs["conic_b"])), unsafe.Pointer(ref(bufs["conic_b"]))},
		{C.size_t(unsafe.Sizeof(bufs["conic_c"])), unsafe.Pointer(ref(bufs["conic_c"]))},
		{C.size_t(unsafe.Sizeof(bufs["color_r"])), unsafe.Pointer(ref(bufs["color_r"]))},
		{C.size_t(unsafe.Sizeof(bufs["color_g"])), unsafe.Pointer(ref(bufs["color_g"]))},
		{C.size_t(unsafe.Sizeof(bufs["color_b"])), unsafe.Pointer(ref(bufs["color_b"]))},
		{C.size_t(unsafe.Sizeof(bufs["opacity"])), unsafe.Pointer(ref(bufs["opacity"]))},
		{C.size_t(unsafe.Sizeof(bufs["gaussian_index"])), unsafe.Pointer(ref(bufs["gaussian_index"]))},
		{C.size_t(unsafe.Sizeof(bufs["tile_offsets"])), unsafe.Pointer(ref(bufs["tile_offsets"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_t"])), unsafe.Pointer(ref(bufs["out_t"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_n"])), unsafe.Pointer(ref(bufs["out_n"]))},
		{C.size_t(unsafe.Sizeof(bufs["out_last"])), unsafe.Pointer(ref(bufs["out_last"]))},
		{C.size_t(unsafe.Sizeof(bufs["dl_dcolor"])), unsafe.Pointer(ref(bufs["dl_dcolor"]))},
		{C.size_t(unsafe.Sizeof(bufs["d_mean2d"])), unsafe.Pointer(ref(bufs["d_mean2d"]))},
		{C.size_t(unsafe.Sizeof(bufs["d_conic"])), unsafe.Pointer(ref(bufs["d_conic"]))},
		{C.size_t(unsafe.Sizeof(bufs["d_opacity"])), unsafe.Pointer(ref(bufs["d_opacity"]))},
		{C.size_t(unsafe.Sizeof(bufs["d_color"])), unsafe.Pointer(ref(bufs["d_color"]))},
		{C.size_t(unsafe.Sizeof(gw)), unsafe.Pointer(&gw)},
		{C.size_t(unsafe.Sizeof(w)), unsafe.Pointer(&w)},
		{C.size_t(unsafe.Sizeof(h)), unsafe.Pointer(&h)},
		{C.size_t(unsafe.Sizeof(scale)), unsafe.Pointer(&scale)},
	}
	for i, a := range args {
		if err := setArg(r.backward, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, &gpu.BackendError{Pass: "raster.rasterize_backward.setArg", Err: err}
		}
	}

	global := [2]C.size_t{C.size_t(gridWidth * 16), C.size_t((height + 15) / 16 * 16)}
	local := [2]C.size_t{16, 16}
	if status := C.clEnqueueNDRangeKernel(queue, r.backward, 2, nil, &global[0], &local[0], 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "raster.rasterize_backward", Err: fmt.Errorf("status %d", int(status))}
	}

	fixedMean := make([]int32, numGaussians*2)
	fixedConic := make([]int32, numGaussians*3)
	fixedOpacity := make([]int32, numGaussians)
	fixedColor := make([]int32, numGaussians*3)
	if err := readBuf(queue, bufs["d_mean2d"], unsafe.Pointer(&fixedMean[0]), numGaussians*2*4, "raster.backward.read_mean2d"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, bufs["d_conic"], unsafe.Pointer(&fixedConic[0]), numGaussians*3*4, "raster.backward.read_conic"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, bufs["d_opacity"], unsafe.Pointer(&fixedOpacity[0]), numGaussians*4, "raster.backward.read_opacity"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, bufs["d_color"], unsafe.Pointer(&fixedColor[0]), numGaussians*3*4, "raster.backward.read_color"); err != nil {
		return nil, err
	}

	out := &GradientAccumulators{
		DMean2D:  make([]float32, numGaussians*2),
		DConic:   make([]float32, numGaussians*3),
		DOpacity: make([]float32, numGaussians),
		DColor:   make([]float32, numGaussians*3),
	}
	for i := range out.DMean2D {
		out.DMean2D[i] = backward.DecodeFixed(fixedMean[i])
	}
	for i := range out.DConic {
		out.DConic[i] = backward.DecodeFixed(fixedConic[i])
	}
	for i := range out.DOpacity {
		out.DOpacity[i] = backward.DecodeFixed(fixedOpacity[i])
	}
	for i := range out.DColor {
		out.DColor[i] = backward.DecodeFixed(fixedColor[i])
	}
	return out, nil
}

// ref returns a pointer to a map-stored cl_mem value; cgo requires the
// address of the actual cl_mem, not a copy, when passed to clSetKernelArg.
func ref(m C.cl_mem) *C.cl_mem {
	return &m
}
