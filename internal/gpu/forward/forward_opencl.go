//go:build gpu

package forward

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
	"github.com/cwbudde/gsplatforge/internal/scene"
)

// kernelSource implements the two device-side halves of the forward
// preprocess pass: `preprocess` mirrors forward_ref.go's ProjectOne per
// Gaussian (view transform, clip culling, 3D/2D covariance, conic
// inversion, opacity-bound screen radius, tile bbox, SH color) and
// `emit_keys` mirrors EmitKeys, writing one (tile_id<<16|depth_high16,
// gaussian_index) pair per overlapped tile at the offset the host's
// exclusive scan of tile_counts assigned that Gaussian.
const kernelSource = `
#define TILE_SIZE 16
#define NDC_CLIP 1.2f
#define BBOX_MARGIN 2.0f
#define COV_EPS 0.3f
#define OPACITY_RADIUS_SCALE 128.0f
#define FOV_TAN_CLAMP 1.3f
#define SH_C0 0.28209479177387814f
#define SH_C1 0.4886025119029199f

__constant float SH_C2[5] = {1.0925484305920792f,-1.0925484305920792f,0.31539156525252005f,-1.0925484305920792f,0.5462742152960396f};
__constant float SH_C3[7] = {-0.5900435899266435f,2.890611442640554f,-0.4570457994644658f,0.3731763325901154f,-0.4570457994644658f,1.445305721320277f,-0.5900435899266435f};

inline void mat4_mul_vec4(__constant const float *m, const float *v, float *out) {
    for (int i = 0; i < 4; i++) { float s = 0.0f; for (int j = 0; j < 4; j++) s += m[i*4+j]*v[j]; out[i] = s; }
}
inline void mat3_mul_vec3(const float *m, const float *v, float *out) {
    out[0] = m[0]*v[0] + m[1]*v[1] + m[2]*v[2];
    out[1] = m[3]*v[0] + m[4]*v[1] + m[5]*v[2];
    out[2] = m[6]*v[0] + m[7]*v[1] + m[8]*v[2];
}
inline void mat3_mul_mat3(const float *a, const float *b, float *out) {
    for (int i = 0; i < 3; i++) for (int j = 0; j < 3; j++) { float s = 0.0f; for (int k = 0; k < 3; k++) s += a[i*3+k]*b[k*3+j]; out[i*3+j] = s; }
}
inline void mat3_transpose(const float *m, float *out) {
    out[0]=m[0]; out[1]=m[3]; out[2]=m[6];
    out[3]=m[1]; out[4]=m[4]; out[5]=m[7];
    out[6]=m[2]; out[7]=m[5]; out[8]=m[8];
}
inline void rotation_from_quat(float w, float x, float y, float z, float *out) {
    out[0]=1-2*(y*y+z*z); out[1]=2*(x*y-w*z); out[2]=2*(x*z+w*y);
    out[3]=2*(x*y+w*z); out[4]=1-2*(x*x+z*z); out[5]=2*(y*z-w*x);
    out[6]=2*(x*z-w*y); out[7]=2*(y*z+w*x); out[8]=1-2*(x*x+y*y);
}
inline float mat3_det(const float *m) {
    return m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6]);
}
inline void mat3_T_mul_m(const float *m, float *out) {
    for (int i = 0; i < 3; i++) for (int j = 0; j < 3; j++) { float s = 0.0f; for (int k = 0; k < 3; k++) s += m[k*3+i]*m[k*3+j]; out[i*3+j] = s; }
}
inline void upper3x3(__constant const float *m, float *out) {
    out[0]=m[0]; out[1]=m[1]; out[2]=m[2];
    out[3]=m[4]; out[4]=m[5]; out[5]=m[6];
    out[6]=m[8]; out[7]=m[9]; out[8]=m[10];
}

__kernel void preprocess(
    __global const float *mean, __global const float *opacity_logit,
    __global const float *rotation, __global const float *log_scale,
    __global const float *sh_coeffs,
    __global uint *visible,
    __global float *out_ndc, __global float *out_extent, __global float *out_conic,
    __global float *out_color, __global float *out_opacity, __global float *out_depth,
    __global int *out_tile_min_x, __global int *out_tile_min_y,
    __global int *out_tile_max_x, __global int *out_tile_max_y,
    __global uint *tile_counts,
    __constant float *view, __constant float *proj,
    const float fx, const float fy, const int width, const int height,
    const int sh_degree, const int grid_w, const int grid_h, const uint n)
{
    uint i = get_global_id(0);
    if (i >= n) return;
    visible[i] = 0;
    tile_counts[i] = 0;

    float v4[4] = { mean[i*3+0], mean[i*3+1], mean[i*3+2], 1.0f };
    float tv4[4];
    mat4_mul_vec4(view, v4, tv4);
    float tv[3] = { tv4[0], tv4[1], tv4[2] };

    float clip[4];
    mat4_mul_vec4(proj, tv4, clip);
    if (clip[3] == 0.0f) return;
    float ndc[3] = { clip[0]/clip[3], clip[1]/clip[3], clip[2]/clip[3] };
    if (fabs(ndc[0]) > NDC_CLIP || fabs(ndc[1]) > NDC_CLIP) return;
    if (ndc[2] < 0.0f || ndc[2] > 1.0f) return;

    float r[9];
    rotation_from_quat(rotation[i*4+0], rotation[i*4+1], rotation[i*4+2], rotation[i*4+3], r);
    float sx = exp(log_scale[i*3+0]), sy = exp(log_scale[i*3+1]), sz = exp(log_scale[i*3+2]);
    float mm[9] = { sx*r[0], sx*r[1], sx*r[2], sy*r[3], sy*r[4], sy*r[5], sz*r[6], sz*r[7], sz*r[8] };
    float sigma3[9];
    mat3_T_mul_m(mm, sigma3);
    if (mat3_det(sigma3) <= 0.0f) return;

    float limX = FOV_TAN_CLAMP * ((float)width / (2.0f*fx));
    float limY = FOV_TAN_CLAMP * ((float)height / (2.0f*fy));
    float tx = clamp(tv[0]/tv[2], -limX, limX);
    float ty = clamp(tv[1]/tv[2], -limY, limY);
    float cx = tx*tv[2], cy = ty*tv[2];
    float jac[9] = {
        fx/tv[2], 0.0f, -fx*cx/(tv[2]*tv[2]),
        0.0f, fy/tv[2], -fy*cy/(tv[2]*tv[2]),
        0.0f, 0.0f, 0.0f
    };
    float wm[9];
    upper3x3(view, wm);
    float t[9];
    mat3_mul_mat3(wm, jac, t);
    float tT[9];
    mat3_transpose(t, tT);
    float tmp[9], sigma2full[9];
    mat3_mul_mat3(tT, sigma3, tmp);
    mat3_mul_mat3(tmp, t, sigma2full);
    float a = sigma2full[0] + COV_EPS;
    float b = sigma2full[1];
    float c = sigma2full[4] + COV_EPS;

    float det = a*c - b*b;
    if (det <= 0.0f) return;
    float inv = 1.0f/det;
    float conicA = c*inv, conicB = -b*inv, conicC = a*inv;

    float sigmoid_opacity = 1.0f/(1.0f+exp(-opacity_logit[i]));
    if (sigmoid_opacity <= 0.0f) return;
    float tr = 2.0f*log(sigmoid_opacity*OPACITY_RADIUS_SCALE);
    if (tr <= 0.0f) return;
    float radiusX = sqrt(tr*a);
    float radiusY = sqrt(tr*c);

    float px = (ndc[0]*0.5f+0.5f)*(float)width;
    float py = (ndc[1]*0.5f+0.5f)*(float)height;

    int minX = ((int)floor(px - radiusX - BBOX_MARGIN)) / TILE_SIZE;
    int maxX = ((int)floor(px + radiusX + BBOX_MARGIN)) / TILE_SIZE;
    int minY = ((int)floor(py - radiusY - BBOX_MARGIN)) / TILE_SIZE;
    int maxY = ((int)floor(py + radiusY + BBOX_MARGIN)) / TILE_SIZE;

    minX = max(minX, 0); minY = max(minY, 0);
    maxX = min(maxX, grid_w-1); maxY = min(maxY, grid_h-1);
    if (minX > maxX || minY > maxY) return;

    float viewDirCam[3] = { -tv[0], -tv[1], -tv[2] };
    float len = sqrt(viewDirCam[0]*viewDirCam[0] + viewDirCam[1]*viewDirCam[1] + viewDirCam[2]*viewDirCam[2]);
    if (len > 0.0f) { viewDirCam[0] /= len; viewDirCam[1] /= len; viewDirCam[2] /= len; }
    float worldDir[9];
    mat3_transpose(wm, worldDir);
    float dir[3];
    mat3_mul_vec3(worldDir, viewDirCam, dir);

    float color[3];
    for (int ch = 0; ch < 3; ch++) {
        __global const float *coeffs = sh_coeffs + i*48 + ch*16;
        float out_c = SH_C0 * coeffs[0];
        if (sh_degree >= 1) {
            out_c += -SH_C1*dir[1]*coeffs[1] + SH_C1*dir[2]*coeffs[2] - SH_C1*dir[0]*coeffs[3];
        }
        if (sh_degree >= 2) {
            float xx=dir[0]*dir[0], yy=dir[1]*dir[1], zz=dir[2]*dir[2];
            float xy=dir[0]*dir[1], yz=dir[1]*dir[2], xz=dir[0]*dir[2];
            out_c += SH_C2[0]*xy*coeffs[4] + SH_C2[1]*yz*coeffs[5] + SH_C2[2]*(2*zz-xx-yy)*coeffs[6]
                   + SH_C2[3]*xz*coeffs[7] + SH_C2[4]*(xx-yy)*coeffs[8];
        }
        if (sh_degree >= 3) {
            float xx=dir[0]*dir[0], yy=dir[1]*dir[1], zz=dir[2]*dir[2];
            float xy=dir[0]*dir[1];
            out_c += SH_C3[0]*dir[1]*(3*xx-yy)*coeffs[9] + SH_C3[1]*xy*dir[2]*coeffs[10]
                   + SH_C3[2]*dir[1]*(4*zz-xx-yy)*coeffs[11] + SH_C3[3]*dir[2]*(2*zz-3*xx-3*yy)*coeffs[12]
                   + SH_C3[4]*dir[0]*(4*zz-xx-yy)*coeffs[13] + SH_C3[5]*dir[2]*(xx-yy)*coeffs[14]
                   + SH_C3[6]*dir[0]*(xx-3*yy)*coeffs[15];
        }
        out_c += 0.5f;
        color[ch] = out_c < 0.0f ? 0.0f : out_c;
    }

    visible[i] = 1;
    out_ndc[i*2+0]=ndc[0]; out_ndc[i*2+1]=ndc[1];
    out_extent[i*2+0]=radiusX; out_extent[i*2+1]=radiusY;
    out_conic[i*3+0]=conicA; out_conic[i*3+1]=conicB; out_conic[i*3+2]=conicC;
    out_color[i*3+0]=color[0]; out_color[i*3+1]=color[1]; out_color[i*3+2]=color[2];
    out_opacity[i]=sigmoid_opacity;
    out_depth[i]=tv[2];
    out_tile_min_x[i]=minX; out_tile_min_y[i]=minY; out_tile_max_x[i]=maxX; out_tile_max_y[i]=maxY;
    tile_counts[i] = (uint)((maxX-minX+1)*(maxY-minY+1));
}

__kernel void emit_keys(
    __global const uint *visible, __global const int *tile_min_x, __global const int *tile_min_y,
    __global const int *tile_max_x, __global const int *tile_max_y, __global const float *depth,
    __global const uint *offsets, __global uint *keys, __global uint *values,
    const int grid_w, const uint n)
{
    uint i = get_global_id(0);
    if (i >= n || !visible[i]) return;

    uint dbits = as_uint(depth[i]);
    uint ordered = (dbits & 0x80000000u) ? (~dbits) : (dbits | 0x80000000u);
    uint depthHigh16 = ordered >> 16;

    uint off = offsets[i];
    uint k = 0;
    for (int ty = tile_min_y[i]; ty <= tile_max_y[i]; ty++) {
        for (int tx = tile_min_x[i]; tx <= tile_max_x[i]; tx++) {
            uint tile_id = (uint)(ty*grid_w + tx);
            keys[off+k] = ((tile_id+1u)<<16) | depthHigh16;
            values[off+k] = i;
            k++;
        }
    }
}
`

// Runner owns the compiled preprocess program.
type Runner struct {
	rt         *clctx.Runtime
	program    C.cl_program
	preprocess C.cl_kernel
	emitKeys   C.cl_kernel
}

// NewRunner builds the preprocess kernels against the shared runtime.
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
		return nil, &gpu.BackendError{Pass: "forward.clCreateProgramWithSource", Err: fmt.Errorf("status %d", int(status))}
	}
	if status = C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "forward.clBuildProgram", Err: fmt.Errorf("status %d", int(status))}
	}

	mk := func(name string) (C.cl_kernel, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		k := C.clCreateKernel(program, cname, &status)
		if status != C.CL_SUCCESS {
			return nil, &gpu.BackendError{Pass: "forward.clCreateKernel(" + name + ")", Err: fmt.Errorf("status %d", int(status))}
		}
		return k, nil
	}

	pre, err := mk("preprocess")
	if err != nil {
		return nil, err
	}
	emit, err := mk("emit_keys")
	if err != nil {
		return nil, err
	}

	return &Runner{rt: rt, program: program, preprocess: pre, emitKeys: emit}, nil
}

// Close releases the compiled kernels and program.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	if r.preprocess != nil {
		C.clReleaseKernel(r.preprocess)
	}
	if r.emitKeys != nil {
		C.clReleaseKernel(r.emitKeys)
	}
	if r.program != nil {
		C.clReleaseProgram(r.program)
	}
}

// Batch is the struct-of-arrays input Project reads: n Gaussians already
// unpacked and flattened by the caller (internal/orchestrator owns the
// scene.Scene.Read loop that produces this, the same host-side unpack step
// the densify/prune swap already performs).
type Batch struct {
	Mean         []float32 // n*3
	OpacityLogit []float32 // n
	Rotation     []float32 // n*4 (w,x,y,z)
	LogScale     []float32 // n*3
	SH           []float32 // n*48, channel-major per Gaussian
}

// Projected is Project's struct-of-arrays output: one entry per input
// Gaussian, valid only where Visible[i] != 0.
type Projected struct {
	Visible    []uint32
	NDC        []float32 // n*2
	Extent     []float32 // n*2
	Conic      []float32 // n*3 (a,b,c)
	Color      []float32 // n*3
	Opacity    []float32
	Depth      []float32
	TileMinX   []int32
	TileMinY   []int32
	TileMaxX   []int32
	TileMaxY   []int32
	TileCounts []uint32
}

func clBuf(ctx C.cl_context, flags C.cl_mem_flags, size int) (C.cl_mem, error) {
	var status C.cl_int
	buf := C.clCreateBuffer(ctx, flags, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, fmt.Errorf("forward: clCreateBuffer failed: %d", int(status))
	}
	return buf, nil
}

func setArg(kernel C.cl_kernel, idx C.cl_uint, size C.size_t, ptr unsafe.Pointer) error {
	if status := C.clSetKernelArg(kernel, idx, size, ptr); status != C.CL_SUCCESS {
		return fmt.Errorf("clSetKernelArg(%d) failed: %d", int(idx), int(status))
	}
	return nil
}

// Project dispatches the preprocess kernel for n Gaussians against one
// view, returning the struct-of-arrays projection result (spec.md §4.4).
func (r *Runner) Project(batch Batch, cfg Config) (*Projected, error) {
	n := len(batch.OpacityLogit)
	if n == 0 {
		return &Projected{}, nil
	}

	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())

	meanBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*3*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(meanBuf)
	opacityBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(opacityBuf)
	rotBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(rotBuf)
	scaleBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*3*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(scaleBuf)
	shBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*48*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(shBuf)
	viewBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, 16*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(viewBuf)
	projBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, 16*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(projBuf)

	visibleBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(visibleBuf)
	ndcBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*2*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(ndcBuf)
	extentBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*2*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(extentBuf)
	conicBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*3*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(conicBuf)
	colorBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*3*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(colorBuf)
	outOpacityBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(outOpacityBuf)
	depthBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(depthBuf)
	tileMinXBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(tileMinXBuf)
	tileMinYBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(tileMinYBuf)
	tileMaxXBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(tileMaxXBuf)
	tileMaxYBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(tileMaxYBuf)
	tileCountsBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(tileCountsBuf)

	write := func(buf C.cl_mem, data unsafe.Pointer, size int, pass string) error {
		if status := C.clEnqueueWriteBuffer(queue, buf, C.CL_TRUE, 0, C.size_t(size), data, 0, nil, nil); status != C.CL_SUCCESS {
			return &gpu.BackendError{Pass: pass, Err: fmt.Errorf("status %d", int(status))}
		}
		return nil
	}
	if err := write(meanBuf, unsafe.Pointer(&batch.Mean[0]), n*3*4, "forward.write_mean"); err != nil {
		return nil, err
	}
	if err := write(opacityBuf, unsafe.Pointer(&batch.OpacityLogit[0]), n*4, "forward.write_opacity"); err != nil {
		return nil, err
	}
	if err := write(rotBuf, unsafe.Pointer(&batch.Rotation[0]), n*4*4, "forward.write_rotation"); err != nil {
		return nil, err
	}
	if err := write(scaleBuf, unsafe.Pointer(&batch.LogScale[0]), n*3*4, "forward.write_logscale"); err != nil {
		return nil, err
	}
	if err := write(shBuf, unsafe.Pointer(&batch.SH[0]), n*48*4, "forward.write_sh"); err != nil {
		return nil, err
	}
	view := cfg.View
	proj := cfg.Proj
	if err := write(viewBuf, unsafe.Pointer(&view[0]), 16*4, "forward.write_view"); err != nil {
		return nil, err
	}
	if err := write(projBuf, unsafe.Pointer(&proj[0]), 16*4, "forward.write_proj"); err != nil {
		return nil, err
	}

	fx, fy := C.float(cfg.Fx), C.float(cfg.Fy)
	width, height := C.int(cfg.Width), C.int(cfg.Height)
	shDegree := C.int(cfg.SHDegree)
	gridW, gridH := C.int(TileGridWidth(cfg.Width)), C.int(TileGridHeight(cfg.Height))
	un := C.uint(n)

	args := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(meanBuf)), unsafe.Pointer(&meanBuf)},
		{C.size_t(unsafe.Sizeof(opacityBuf)), unsafe.Pointer(&opacityBuf)},
		{C.size_t(unsafe.Sizeof(rotBuf)), unsafe.Pointer(&rotBuf)},
		{C.size_t(unsafe.Sizeof(scaleBuf)), unsafe.Pointer(&scaleBuf)},
		{C.size_t(unsafe.Sizeof(shBuf)), unsafe.Pointer(&shBuf)},
		{C.size_t(unsafe.Sizeof(visibleBuf)), unsafe.Pointer(&visibleBuf)},
		{C.size_t(unsafe.Sizeof(ndcBuf)), unsafe.Pointer(&ndcBuf)},
		{C.size_t(unsafe.Sizeof(extentBuf)), unsafe.Pointer(&extentBuf)},
		{C.size_t(unsafe.Sizeof(conicBuf)), unsafe.Pointer(&conicBuf)},
		{C.size_t(unsafe.Sizeof(colorBuf)), unsafe.Pointer(&colorBuf)},
		{C.size_t(unsafe.Sizeof(outOpacityBuf)), unsafe.Pointer(&outOpacityBuf)},
		{C.size_t(unsafe.Sizeof(depthBuf)), unsafe.Pointer(&depthBuf)},
		{C.size_t(unsafe.Sizeof(tileMinXBuf)), unsafe.Pointer(&tileMinXBuf)},
		{C.size_t(unsafe.Sizeof(tileMinYBuf)), unsafe.Pointer(&tileMinYBuf)},
		{C.size_t(unsafe.Sizeof(tileMaxXBuf)), unsafe.Pointer(&tileMaxXBuf)},
		{C.size_t(unsafe.Sizeof(tileMaxYBuf)), unsafe.Pointer(&tileMaxYBuf)},
		{C.size_t(unsafe.Sizeof(tileCountsBuf)), unsafe.Pointer(&tileCountsBuf)},
		{C.size_t(unsafe.Sizeof(viewBuf)), unsafe.Pointer(&viewBuf)},
		{C.size_t(unsafe.Sizeof(projBuf)), unsafe.Pointer(&projBuf)},
		{C.size_t(unsafe.Sizeof(fx)), unsafe.Pointer(&fx)},
		{C.size_t(unsafe.Sizeof(fy)), unsafe.Pointer(&fy)},
		{C.size_t(unsafe.Sizeof(width)), unsafe.Pointer(&width)},
		{C.size_t(unsafe.Sizeof(height)), unsafe.Pointer(&height)},
		{C.size_t(unsafe.Sizeof(shDegree)), unsafe.Pointer(&shDegree)},
		{C.size_t(unsafe.Sizeof(gridW)), unsafe.Pointer(&gridW)},
		{C.size_t(unsafe.Sizeof(gridH)), unsafe.Pointer(&gridH)},
		{C.size_t(unsafe.Sizeof(un)), unsafe.Pointer(&un)},
	}
	for i, a := range args {
		if err := setArg(r.preprocess, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, &gpu.BackendError{Pass: "forward.preprocess.setArg", Err: err}
		}
	}

	global := C.size_t(n)
	if status := C.clEnqueueNDRangeKernel(queue, r.preprocess, 1, nil, &global, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "forward.preprocess", Err: fmt.Errorf("status %d", int(status))}
	}

	out := &Projected{
		Visible:    make([]uint32, n),
		NDC:        make([]float32, n*2),
		Extent:     make([]float32, n*2),
		Conic:      make([]float32, n*3),
		Color:      make([]float32, n*3),
		Opacity:    make([]float32, n),
		Depth:      make([]float32, n),
		TileMinX:   make([]int32, n),
		TileMinY:   make([]int32, n),
		TileMaxX:   make([]int32, n),
		TileMaxY:   make([]int32, n),
		TileCounts: make([]uint32, n),
	}
	read := func(buf C.cl_mem, data unsafe.Pointer, size int, pass string) error {
		if status := C.clEnqueueReadBuffer(queue, buf, C.CL_TRUE, 0, C.size_t(size), data, 0, nil, nil); status != C.CL_SUCCESS {
			return &gpu.BackendError{Pass: pass, Err: fmt.Errorf("status %d", int(status))}
		}
		return nil
	}
	if err := read(visibleBuf, unsafe.Pointer(&out.Visible[0]), n*4, "forward.read_visible"); err != nil {
		return nil, err
	}
	if err := read(ndcBuf, unsafe.Pointer(&out.NDC[0]), n*2*4, "forward.read_ndc"); err != nil {
		return nil, err
	}
	if err := read(extentBuf, unsafe.Pointer(&out.Extent[0]), n*2*4, "forward.read_extent"); err != nil {
		return nil, err
	}
	if err := read(conicBuf, unsafe.Pointer(&out.Conic[0]), n*3*4, "forward.read_conic"); err != nil {
		return nil, err
	}
	if err := read(colorBuf, unsafe.Pointer(&out.Color[0]), n*3*4, "forward.read_color"); err != nil {
		return nil, err
	}
	if err := read(outOpacityBuf, unsafe.Pointer(&out.Opacity[0]), n*4, "forward.read_opacity"); err != nil {
		return nil, err
	}
	if err := read(depthBuf, unsafe.Pointer(&out.Depth[0]), n*4, "forward.read_depth"); err != nil {
		return nil, err
	}
	if err := read(tileMinXBuf, unsafe.Pointer(&out.TileMinX[0]), n*4, "forward.read_tile_min_x"); err != nil {
		return nil, err
	}
	if err := read(tileMinYBuf, unsafe.Pointer(&out.TileMinY[0]), n*4, "forward.read_tile_min_y"); err != nil {
		return nil, err
	}
	if err := read(tileMaxXBuf, unsafe.Pointer(&out.TileMaxX[0]), n*4, "forward.read_tile_max_x"); err != nil {
		return nil, err
	}
	if err := read(tileMaxYBuf, unsafe.Pointer(&out.TileMaxY[0]), n*4, "forward.read_tile_max_y"); err != nil {
		return nil, err
	}
	if err := read(tileCountsBuf, unsafe.Pointer(&out.TileCounts[0]), n*4, "forward.read_tile_counts"); err != nil {
		return nil, err
	}

	return out, nil
}

// EmitKeys dispatches the key-emission kernel: offsets[i] is the
// exclusive-scan position (over TileCounts) the host already computed for
// Gaussian i, and total is the sum of TileCounts, the size of the
// preallocated keys/values output.
func (r *Runner) EmitKeys(proj *Projected, offsets []uint32, total int, gridWidth int) (keys, values []uint32, err error) {
	n := len(proj.Visible)
	if n == 0 || total == 0 {
		return nil, nil, nil
	}

	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())

	visibleBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(visibleBuf)
	minXBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(minXBuf)
	minYBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(minYBuf)
	maxXBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(maxXBuf)
	maxYBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(maxYBuf)
	depthBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(depthBuf)
	offsetsBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(offsetsBuf)
	keysBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, total*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(keysBuf)
	valuesBuf, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, total*4)
	if err != nil {
		return nil, nil, err
	}
	defer C.clReleaseMemObject(valuesBuf)

	write := func(buf C.cl_mem, data unsafe.Pointer, size int, pass string) error {
		if status := C.clEnqueueWriteBuffer(queue, buf, C.CL_TRUE, 0, C.size_t(size), data, 0, nil, nil); status != C.CL_SUCCESS {
			return &gpu.BackendError{Pass: pass, Err: fmt.Errorf("status %d", int(status))}
		}
		return nil
	}
	if err := write(visibleBuf, unsafe.Pointer(&proj.Visible[0]), n*4, "forward.emit.write_visible"); err != nil {
		return nil, nil, err
	}
	if err := write(minXBuf, unsafe.Pointer(&proj.TileMinX[0]), n*4, "forward.emit.write_min_x"); err != nil {
		return nil, nil, err
	}
	if err := write(minYBuf, unsafe.Pointer(&proj.TileMinY[0]), n*4, "forward.emit.write_min_y"); err != nil {
		return nil, nil, err
	}
	if err := write(maxXBuf, unsafe.Pointer(&proj.TileMaxX[0]), n*4, "forward.emit.write_max_x"); err != nil {
		return nil, nil, err
	}
	if err := write(maxYBuf, unsafe.Pointer(&proj.TileMaxY[0]), n*4, "forward.emit.write_max_y"); err != nil {
		return nil, nil, err
	}
	if err := write(depthBuf, unsafe.Pointer(&proj.Depth[0]), n*4, "forward.emit.write_depth"); err != nil {
		return nil, nil, err
	}
	if err := write(offsetsBuf, unsafe.Pointer(&offsets[0]), n*4, "forward.emit.write_offsets"); err != nil {
		return nil, nil, err
	}

	gridW := C.int(gridWidth)
	un := C.uint(n)
	args := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(visibleBuf)), unsafe.Pointer(&visibleBuf)},
		{C.size_t(unsafe.Sizeof(minXBuf)), unsafe.Pointer(&minXBuf)},
		{C.size_t(unsafe.Sizeof(minYBuf)), unsafe.Pointer(&minYBuf)},
		{C.size_t(unsafe.Sizeof(maxXBuf)), unsafe.Pointer(&maxXBuf)},
		{C.size_t(unsafe.Sizeof(maxYBuf)), unsafe.Pointer(&maxYBuf)},
		{C.size_t(unsafe.Sizeof(depthBuf)), unsafe.Pointer(&depthBuf)},
		{C.size_t(unsafe.Sizeof(offsetsBuf)), unsafe.Pointer(&offsetsBuf)},
		{C.size_t(unsafe.Sizeof(keysBuf)), unsafe.Pointer(&keysBuf)},
		{C.size_t(unsafe.Sizeof(valuesBuf)), unsafe.Pointer(&valuesBuf)},
		{C.size_t(unsafe.Sizeof(gridW)), unsafe.Pointer(&gridW)},
		{C.size_t(unsafe.Sizeof(un)), unsafe.Pointer(&un)},
	}
	for i, a := range args {
		if err := setArg(r.emitKeys, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, nil, &gpu.BackendError{Pass: "forward.emit_keys.setArg", Err: err}
		}
	}

	global := C.size_t(n)
	if status := C.clEnqueueNDRangeKernel(queue, r.emitKeys, 1, nil, &global, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "forward.emit_keys", Err: fmt.Errorf("status %d", int(status))}
	}

	keys = make([]uint32, total)
	values = make([]uint32, total)
	if status := C.clEnqueueReadBuffer(queue, keysBuf, C.CL_TRUE, 0, C.size_t(total*4), unsafe.Pointer(&keys[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "forward.emit_keys.read_keys", Err: fmt.Errorf("status %d", int(status))}
	}
	if status := C.clEnqueueReadBuffer(queue, valuesBuf, C.CL_TRUE, 0, C.size_t(total*4), unsafe.Pointer(&values[0]), 0, nil, nil); status != C.CL_SUCCESS {
		return nil, nil, &gpu.BackendError{Pass: "forward.emit_keys.read_values", Err: fmt.Errorf("status %d", int(status))}
	}
	return keys, values, nil
}

// BatchFromScene flattens a scene's current Gaussians/SH into the
// struct-of-arrays layout Project expects. This is a host-side unpack, the
// same f16-to-f32 step scene.Scene.Read performs for every other consumer
// (e.g. the densify/prune swap).
func BatchFromScene(gaussians []scene.Gaussian, shs []scene.SH) Batch {
	n := len(gaussians)
	b := Batch{
		Mean:         make([]float32, n*3),
		OpacityLogit: make([]float32, n),
		Rotation:     make([]float32, n*4),
		LogScale:     make([]float32, n*3),
		SH:           make([]float32, n*48),
	}
	for i, g := range gaussians {
		copy(b.Mean[i*3:], g.Mean[:])
		b.OpacityLogit[i] = g.OpacityLogit
		copy(b.Rotation[i*4:], g.Rotation[:])
		copy(b.LogScale[i*3:], g.LogScale[:])
		sh := shs[i]
		for ch := 0; ch < 3; ch++ {
			copy(b.SH[i*48+ch*16:], sh.Coeffs[ch][:])
		}
	}
	return b
}
