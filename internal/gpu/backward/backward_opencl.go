//go:build gpu

package backward

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

// kernelSource implements the screen-space-to-parameter-space gradient
// conversion of spec.md §4.9. It decodes the fixed-point atomics the tile
// rasterizer's backward pass accumulated into per-Gaussian 2D buffers,
// recomputes the forward projection algebra (view transform, 3D/2D
// covariance, conic validity) instead of storing intermediates, and
// derives gradients on mean, quaternion, log-scale, opacity-logit and SH
// color. This is a device-side transcription of backward_ref.go's
// ComputeOne; that file remains the host oracle this kernel is checked
// against.
const kernelSource = `
#define FOV_TAN_CLAMP 1.3f
#define COV_EPSILON 0.3f
#define FIXED_SCALE 65536.0f

inline float decode_fixed(int v) { return (float)v / FIXED_SCALE; }

typedef struct { float m[9]; } Mat3;

inline Mat3 mat3_transpose(Mat3 a) {
    Mat3 o;
    o.m[0]=a.m[0]; o.m[1]=a.m[3]; o.m[2]=a.m[6];
    o.m[3]=a.m[1]; o.m[4]=a.m[4]; o.m[5]=a.m[7];
    o.m[6]=a.m[2]; o.m[7]=a.m[5]; o.m[8]=a.m[8];
    return o;
}

inline Mat3 mat3_mul(Mat3 x, Mat3 y) {
    Mat3 o;
    for (int r = 0; r < 3; r++) {
        for (int c2 = 0; c2 < 3; c2++) {
            float s = 0.0f;
            for (int k = 0; k < 3; k++) s += x.m[r*3+k]*y.m[k*3+c2];
            o.m[r*3+c2] = s;
        }
    }
    return o;
}

inline Mat3 mat3_add(Mat3 x, Mat3 y) { Mat3 o; for (int i=0;i<9;i++) o.m[i]=x.m[i]+y.m[i]; return o; }
inline Mat3 mat3_scale(Mat3 x, float s) { Mat3 o; for (int i=0;i<9;i++) o.m[i]=x.m[i]*s; return o; }
inline float mat3_frobenius(Mat3 x, Mat3 y) { float s=0.0f; for (int i=0;i<9;i++) s += x.m[i]*y.m[i]; return s; }

inline Mat3 rotation_from_quat(float w, float x, float y, float z) {
    Mat3 o;
    o.m[0]=1.0f-2.0f*(y*y+z*z); o.m[1]=2.0f*(x*y-w*z);      o.m[2]=2.0f*(x*z+w*y);
    o.m[3]=2.0f*(x*y+w*z);      o.m[4]=1.0f-2.0f*(x*x+z*z); o.m[5]=2.0f*(y*z-w*x);
    o.m[6]=2.0f*(x*z-w*y);      o.m[7]=2.0f*(y*z+w*x);      o.m[8]=1.0f-2.0f*(x*x+y*y);
    return o;
}

inline void transform_point(__global const float *m, float px, float py, float pz,
                             float *ox, float *oy, float *oz, float *ow) {
    *ox = m[0]*px+m[1]*py+m[2]*pz+m[3];
    *oy = m[4]*px+m[5]*py+m[6]*pz+m[7];
    *oz = m[8]*px+m[9]*py+m[10]*pz+m[11];
    *ow = m[12]*px+m[13]*py+m[14]*pz+m[15];
}

inline Mat3 upper3x3(__global const float *m) {
    Mat3 o;
    o.m[0]=m[0]; o.m[1]=m[1]; o.m[2]=m[2];
    o.m[3]=m[4]; o.m[4]=m[5]; o.m[5]=m[6];
    o.m[6]=m[8]; o.m[7]=m[9]; o.m[8]=m[10];
    return o;
}

inline Mat3 jacobian(float tvx, float tvy, float tvz, float fx, float fy, float width, float height) {
    float limX = FOV_TAN_CLAMP * (width/(2.0f*fx));
    float limY = FOV_TAN_CLAMP * (height/(2.0f*fy));
    float tx = tvx/tvz, ty = tvy/tvz;
    if (tx > limX) tx = limX; else if (tx < -limX) tx = -limX;
    if (ty > limY) ty = limY; else if (ty < -limY) ty = -limY;
    float cx = tx*tvz, cy = ty*tvz;
    Mat3 o;
    o.m[0]=fx/tvz; o.m[1]=0.0f; o.m[2]=-fx*cx/(tvz*tvz);
    o.m[3]=0.0f; o.m[4]=fy/tvz; o.m[5]=-fy*cy/(tvz*tvz);
    o.m[6]=0.0f; o.m[7]=0.0f; o.m[8]=0.0f;
    return o;
}

inline Mat3 build_M(float logsx, float logsy, float logsz, float qw, float qx, float qy, float qz) {
    Mat3 r = rotation_from_quat(qw, qx, qy, qz);
    float sx = exp(logsx), sy = exp(logsy), sz = exp(logsz);
    Mat3 m;
    m.m[0]=sx*r.m[0]; m.m[1]=sx*r.m[1]; m.m[2]=sx*r.m[2];
    m.m[3]=sy*r.m[3]; m.m[4]=sy*r.m[4]; m.m[5]=sy*r.m[5];
    m.m[6]=sz*r.m[6]; m.m[7]=sz*r.m[7]; m.m[8]=sz*r.m[8];
    return m;
}

inline int conic_from_2x2(float a, float b, float c, float *ca, float *cb, float *cc) {
    float det = a*c - b*b;
    if (det <= 0.0f) return 0;
    float inv = 1.0f/det;
    *ca = c*inv; *cb = -b*inv; *cc = a*inv;
    return 1;
}

__kernel void backward_geometry(
    __global const float *mean_x, __global const float *mean_y, __global const float *mean_z,
    __global const float *logscale_x, __global const float *logscale_y, __global const float *logscale_z,
    __global const float *quat_w, __global const float *quat_x, __global const float *quat_y, __global const float *quat_z,
    __global const float *opacity_logit,
    __global const int *dmean2d_fixed, __global const int *dconic_fixed,
    __global const int *dopacity_fixed, __global const int *dcolor_fixed,
    __global const float *projected_radius_px, __global const float *max_radius_px,
    __global const float *view, __global const float *proj,
    const float fx, const float fy, const float width, const float height,
    __global float *out_dmean, __global float *out_dopacity, __global float *out_dquat,
    __global float *out_dlogs, __global float *out_dcolor,
    const int n)
{
    int i = get_global_id(0);
    if (i >= n) return;

    out_dmean[i*3+0]=0.0f; out_dmean[i*3+1]=0.0f; out_dmean[i*3+2]=0.0f;
    out_dopacity[i]=0.0f;
    out_dquat[i*4+0]=0.0f; out_dquat[i*4+1]=0.0f; out_dquat[i*4+2]=0.0f; out_dquat[i*4+3]=0.0f;
    out_dlogs[i*3+0]=0.0f; out_dlogs[i*3+1]=0.0f; out_dlogs[i*3+2]=0.0f;
    out_dcolor[i*3+0]=0.0f; out_dcolor[i*3+1]=0.0f; out_dcolor[i*3+2]=0.0f;

    float mx=mean_x[i], my=mean_y[i], mz=mean_z[i];
    float lsx=logscale_x[i], lsy=logscale_y[i], lsz=logscale_z[i];
    float qw=quat_w[i], qx=quat_x[i], qy=quat_y[i], qz=quat_z[i];

    float tvx,tvy,tvz,tvw;
    transform_point(view, mx, my, mz, &tvx, &tvy, &tvz, &tvw);

    Mat3 M = build_M(lsx, lsy, lsz, qw, qx, qy, qz);
    Mat3 sigma3 = mat3_mul(mat3_transpose(M), M);

    Mat3 w = upper3x3(view);
    Mat3 j = jacobian(tvx, tvy, tvz, fx, fy, width, height);
    Mat3 tMat = mat3_mul(w, j);
    Mat3 tMatT = mat3_transpose(tMat);
    Mat3 sigma2Full = mat3_mul(mat3_mul(tMatT, sigma3), tMat);
    float a = sigma2Full.m[0] + COV_EPSILON;
    float b = sigma2Full.m[1];
    float c = sigma2Full.m[4] + COV_EPSILON;

    float ca, cb, cc;
    if (!conic_from_2x2(a, b, c, &ca, &cb, &cc)) return;

    float dndc_x = decode_fixed(dmean2d_fixed[i*2+0]) / (0.5f*width);
    float dndc_y = decode_fixed(dmean2d_fixed[i*2+1]) / (0.5f*height);

    float clipW = tvz;
    if (clipW == 0.0f) return;

    float dclipArr[4];
    dclipArr[0] = dndc_x/clipW;
    dclipArr[1] = dndc_y/clipW;
    dclipArr[2] = 0.0f;
    dclipArr[3] = -(dndc_x*tvx + dndc_y*tvy)/(clipW*clipW);

    float dtv4_ndc[4];
    for (int ii=0; ii<4; ii++) {
        float sum=0.0f;
        for (int row=0; row<4; row++) sum += proj[row*4+ii]*dclipArr[row];
        dtv4_ndc[ii]=sum;
    }

    float dmean3[3] = {0.0f, 0.0f, 0.0f};
    for (int k=0;k<3;k++) {
        float sum=0.0f;
        for (int row=0; row<4; row++) sum += view[row*4+k]*dtv4_ndc[row];
        dmean3[k] += sum;
    }

    float dconic_a = decode_fixed(dconic_fixed[i*3+0]);
    float dconic_b = decode_fixed(dconic_fixed[i*3+1]);
    float dconic_c = decode_fixed(dconic_fixed[i*3+2]);

    Mat3 dConicMat;
    dConicMat.m[0]=dconic_a; dConicMat.m[1]=dconic_b; dConicMat.m[2]=0.0f;
    dConicMat.m[3]=dconic_b; dConicMat.m[4]=dconic_c; dConicMat.m[5]=0.0f;
    dConicMat.m[6]=0.0f; dConicMat.m[7]=0.0f; dConicMat.m[8]=0.0f;

    Mat3 sigma2;
    sigma2.m[0]=a; sigma2.m[1]=b; sigma2.m[2]=0.0f;
    sigma2.m[3]=b; sigma2.m[4]=c; sigma2.m[5]=0.0f;
    sigma2.m[6]=0.0f; sigma2.m[7]=0.0f; sigma2.m[8]=0.0f;

    Mat3 dSigma2 = mat3_scale(mat3_mul(mat3_mul(sigma2, dConicMat), sigma2), -1.0f);
    Mat3 dSigma3 = mat3_mul(mat3_mul(tMat, dSigma2), tMatT);

    Mat3 sigma3TMat = mat3_mul(sigma3, tMat);
    Mat3 dSigma2T = mat3_transpose(dSigma2);
    Mat3 dT = mat3_add(mat3_mul(sigma3TMat, dSigma2), mat3_mul(sigma3TMat, dSigma2T));

    Mat3 wT = mat3_transpose(w);
    Mat3 dJ = mat3_mul(wT, dT);

    float z = tvz;
    float dzFromJ = dJ.m[0]*(-fx/(z*z)) + dJ.m[4]*(-fy/(z*z)) +
                    dJ.m[2]*(2.0f*fx*tvx/(z*z*z)) + dJ.m[5]*(2.0f*fy*tvy/(z*z*z));
    float dxFromJ = dJ.m[2] * (-fx/(z*z));
    float dyFromJ = dJ.m[5] * (-fy/(z*z));

    float dtv4_cov[4] = {dxFromJ, dyFromJ, dzFromJ, 0.0f};
    for (int k=0;k<3;k++) {
        float sum=0.0f;
        for (int row=0; row<3; row++) sum += w.m[row*3+k]*dtv4_cov[row];
        dmean3[k] += sum;
    }

    Mat3 dSigma3Sym = mat3_add(dSigma3, mat3_transpose(dSigma3));
    Mat3 dM = mat3_mul(M, dSigma3Sym);

    Mat3 r = rotation_from_quat(qw, qx, qy, qz);
    float sx = exp(lsx), sy = exp(lsy), sz = exp(lsz);

    float ds0 = dM.m[0]*r.m[0] + dM.m[1]*r.m[1] + dM.m[2]*r.m[2];
    float ds1 = dM.m[3]*r.m[3] + dM.m[4]*r.m[4] + dM.m[5]*r.m[5];
    float ds2 = dM.m[6]*r.m[6] + dM.m[7]*r.m[7] + dM.m[8]*r.m[8];

    Mat3 dR;
    dR.m[0]=dM.m[0]/sx; dR.m[1]=dM.m[1]/sx; dR.m[2]=dM.m[2]/sx;
    dR.m[3]=dM.m[3]/sy; dR.m[4]=dM.m[4]/sy; dR.m[5]=dM.m[5]/sy;
    dR.m[6]=dM.m[6]/sz; dR.m[7]=dM.m[7]/sz; dR.m[8]=dM.m[8]/sz;

    Mat3 dRdw, dRdx, dRdy, dRdz;
    dRdw.m[0]=0.0f;      dRdw.m[1]=-2.0f*qz; dRdw.m[2]=2.0f*qy;
    dRdw.m[3]=2.0f*qz;   dRdw.m[4]=0.0f;      dRdw.m[5]=-2.0f*qx;
    dRdw.m[6]=-2.0f*qy;  dRdw.m[7]=2.0f*qx;  dRdw.m[8]=0.0f;

    dRdx.m[0]=0.0f;      dRdx.m[1]=2.0f*qy;  dRdx.m[2]=2.0f*qz;
    dRdx.m[3]=2.0f*qy;   dRdx.m[4]=-4.0f*qx; dRdx.m[5]=-2.0f*qw;
    dRdx.m[6]=2.0f*qz;   dRdx.m[7]=2.0f*qw;  dRdx.m[8]=-4.0f*qx;

    dRdy.m[0]=-4.0f*qy;  dRdy.m[1]=2.0f*qx;  dRdy.m[2]=2.0f*qw;
    dRdy.m[3]=2.0f*qx;   dRdy.m[4]=0.0f;      dRdy.m[5]=2.0f*qz;
    dRdy.m[6]=-2.0f*qw;  dRdy.m[7]=2.0f*qz;  dRdy.m[8]=-4.0f*qy;

    dRdz.m[0]=-4.0f*qz;  dRdz.m[1]=-2.0f*qw; dRdz.m[2]=2.0f*qx;
    dRdz.m[3]=2.0f*qw;   dRdz.m[4]=-4.0f*qz; dRdz.m[5]=2.0f*qy;
    dRdz.m[6]=2.0f*qx;   dRdz.m[7]=2.0f*qy;  dRdz.m[8]=0.0f;

    float dqw = mat3_frobenius(dR, dRdw);
    float dqx = mat3_frobenius(dR, dRdx);
    float dqy = mat3_frobenius(dR, dRdy);
    float dqz = mat3_frobenius(dR, dRdz);

    float dopacitySigma = decode_fixed(dopacity_fixed[i]);
    float sig = 1.0f/(1.0f+exp(-opacity_logit[i]));
    float dopacity = dopacitySigma * sig * (1.0f - sig);

    float dlog0 = ds0*sx, dlog1 = ds1*sy, dlog2 = ds2*sz;

    float radius = projected_radius_px[i];
    float maxRadius = max_radius_px[i];
    if (radius >= maxRadius && maxRadius > 0.0f) {
        if (dlog0 < 0.0f) dlog0 = 0.0f;
        if (dlog1 < 0.0f) dlog1 = 0.0f;
        if (dlog2 < 0.0f) dlog2 = 0.0f;
    }

    out_dmean[i*3+0]=dmean3[0]; out_dmean[i*3+1]=dmean3[1]; out_dmean[i*3+2]=dmean3[2];
    out_dopacity[i]=dopacity;
    out_dquat[i*4+0]=dqw; out_dquat[i*4+1]=dqx; out_dquat[i*4+2]=dqy; out_dquat[i*4+3]=dqz;
    out_dlogs[i*3+0]=dlog0; out_dlogs[i*3+1]=dlog1; out_dlogs[i*3+2]=dlog2;
    out_dcolor[i*3+0]=decode_fixed(dcolor_fixed[i*3+0]);
    out_dcolor[i*3+1]=decode_fixed(dcolor_fixed[i*3+1]);
    out_dcolor[i*3+2]=decode_fixed(dcolor_fixed[i*3+2]);
}
`

// Runner owns the compiled backward-geometry program.
type Runner struct {
	rt      *clctx.Runtime
	program C.cl_program
	kernel  C.cl_kernel
}

// NewRunner builds the backward-geometry kernel against the shared runtime.
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
		return nil, &gpu.BackendError{Pass: "backward.clCreateProgramWithSource", Err: fmt.Errorf("status %d", status)}
	}
	if status := C.clBuildProgram(program, 1, &device, nil, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "backward.clBuildProgram", Err: fmt.Errorf("status %d", status)}
	}
	name := C.CString("backward_geometry")
	defer C.free(unsafe.Pointer(name))
	kernel := C.clCreateKernel(program, name, &status)
	if status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "backward.clCreateKernel", Err: fmt.Errorf("status %d", status)}
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
		return nil, fmt.Errorf("backward: clCreateBuffer failed: %d", int(status))
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

// GeometryInputs is the per-Gaussian flattening the backward-geometry
// kernel reads: current parameters (so the kernel can recompute the
// forward projection) plus the fixed-point screen-space accumulators the
// tile rasterizer's backward pass produced.
type GeometryInputs struct {
	MeanX, MeanY, MeanZ                 []float32
	LogScaleX, LogScaleY, LogScaleZ      []float32
	QuatW, QuatX, QuatY, QuatZ           []float32
	OpacityLogit                        []float32
	DMean2DFixed                        []int32 // n*2
	DConicFixed                         []int32 // n*3
	DOpacityFixed                       []int32 // n
	DColorFixed                         []int32 // n*3
	ProjectedRadiusPx, MaxRadiusPx       []float32
}

// GeometryOutputs is the per-Gaussian 3D-parameter gradient the kernel
// produces, ready for optim.Runner.Step or GradientRecord.Pack.
type GeometryOutputs struct {
	DMean    []float32 // n*3
	DOpacity []float32 // n
	DQuat    []float32 // n*4
	DLogS    []float32 // n*3
	DColor   []float32 // n*3
}

// ComputeGeometry dispatches the backward-geometry kernel over every
// Gaussian in in (spec.md §4.9).
func (r *Runner) ComputeGeometry(in GeometryInputs, view, proj [16]float32, fx, fy float32, width, height int) (*GeometryOutputs, error) {
	n := len(in.MeanX)
	if n == 0 {
		return &GeometryOutputs{}, nil
	}
	queue := C.cl_command_queue(r.rt.QueuePtr())
	ctx := C.cl_context(r.rt.ContextPtr())

	f32 := func(data []float32, pass string) (C.cl_mem, error) {
		b, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*4)
		if err != nil {
			return nil, err
		}
		if err := writeBuf(queue, b, unsafe.Pointer(&data[0]), n*4, pass); err != nil {
			return nil, err
		}
		return b, nil
	}
	i32 := func(data []int32, mult int, pass string) (C.cl_mem, error) {
		b, err := clBuf(ctx, C.CL_MEM_READ_ONLY, n*mult*4)
		if err != nil {
			return nil, err
		}
		if err := writeBuf(queue, b, unsafe.Pointer(&data[0]), n*mult*4, pass); err != nil {
			return nil, err
		}
		return b, nil
	}

	fields := []struct {
		data []float32
		name string
	}{
		{in.MeanX, "mean_x"}, {in.MeanY, "mean_y"}, {in.MeanZ, "mean_z"},
		{in.LogScaleX, "logscale_x"}, {in.LogScaleY, "logscale_y"}, {in.LogScaleZ, "logscale_z"},
		{in.QuatW, "quat_w"}, {in.QuatX, "quat_x"}, {in.QuatY, "quat_y"}, {in.QuatZ, "quat_z"},
		{in.OpacityLogit, "opacity_logit"},
		{in.ProjectedRadiusPx, "projected_radius_px"}, {in.MaxRadiusPx, "max_radius_px"},
	}
	bufs := map[string]C.cl_mem{}
	for _, f := range fields {
		b, err := f32(f.data, "backward.write_"+f.name)
		if err != nil {
			return nil, err
		}
		bufs[f.name] = b
		defer C.clReleaseMemObject(b)
	}
	dmean2d, err := i32(in.DMean2DFixed, 2, "backward.write_dmean2d_fixed")
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(dmean2d)
	dconic, err := i32(in.DConicFixed, 3, "backward.write_dconic_fixed")
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(dconic)
	dopacity, err := i32(in.DOpacityFixed, 1, "backward.write_dopacity_fixed")
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(dopacity)
	dcolor, err := i32(in.DColorFixed, 3, "backward.write_dcolor_fixed")
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(dcolor)

	viewBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, 16*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(viewBuf)
	if err := writeBuf(queue, viewBuf, unsafe.Pointer(&view[0]), 16*4, "backward.write_view"); err != nil {
		return nil, err
	}
	projBuf, err := clBuf(ctx, C.CL_MEM_READ_ONLY, 16*4)
	if err != nil {
		return nil, err
	}
	defer C.clReleaseMemObject(projBuf)
	if err := writeBuf(queue, projBuf, unsafe.Pointer(&proj[0]), 16*4, "backward.write_proj"); err != nil {
		return nil, err
	}

	outNames := []struct {
		name string
		mult int
	}{
		{"out_dmean", 3}, {"out_dopacity", 1}, {"out_dquat", 4}, {"out_dlogs", 3}, {"out_dcolor", 3},
	}
	outBufs := map[string]C.cl_mem{}
	for _, o := range outNames {
		b, err := clBuf(ctx, C.CL_MEM_WRITE_ONLY, n*o.mult*4)
		if err != nil {
			return nil, err
		}
		outBufs[o.name] = b
		defer C.clReleaseMemObject(b)
	}

	clFx, clFy, clW, clH := C.float(fx), C.float(fy), C.float(width), C.float(height)
	clN := C.int(n)
	args := []struct {
		size C.size_t
		ptr  unsafe.Pointer
	}{
		{C.size_t(unsafe.Sizeof(bufs["mean_x"])), unsafe.Pointer(ref(bufs["mean_x"]))},
		{C.size_t(unsafe.Sizeof(bufs["mean_y"])), unsafe.Pointer(ref(bufs["mean_y"]))},
		{C.size_t(unsafe.Sizeof(bufs["mean_z"])), unsafe.Pointer(ref(bufs["mean_z"]))},
		{C.size_t(unsafe.Sizeof(bufs["logscale_x"])), unsafe.Pointer(ref(bufs["logscale_x"]))},
		{C.size_t(unsafe.Sizeof(bufs["logscale_y"])), unsafe.Pointer(ref(bufs["logscale_y"]))},
		{C.size_t(unsafe.Sizeof(bufs["logscale_z"])), unsafe.Pointer(ref(bufs["logscale_z"]))},
		{C.size_t(unsafe.Sizeof(bufs["quat_w"])), unsafe.Pointer(ref(bufs["quat_w"]))},
		{C.size_t(unsafe.Sizeof(bufs["quat_x"])), unsafe.Pointer(ref(bufs["quat_x"]))},
		{C.size_t(unsafe.Sizeof(bufs["quat_y"])), unsafe.Pointer(ref(bufs["quat_y"]))},
		{C.size_t(unsafe.Sizeof(bufs["quat_z"])), unsafe.Pointer(ref(bufs["quat_z"]))},
		{C.size_t(unsafe.Sizeof(bufs["opacity_logit"])), unsafe.Pointer(ref(bufs["opacity_logit"]))},
		{C.size_t(unsafe.Sizeof(dmean2d)), unsafe.Pointer(ref(dmean2d))},
		{C.size_t(unsafe.Sizeof(dconic)), unsafe.Pointer(ref(dconic))},
		{C.size_t(unsafe.Sizeof(dopacity)), unsafe.Pointer(ref(dopacity))},
		{C.size_t(unsafe.Sizeof(dcolor)), unsafe.Pointer(ref(dcolor))},
		{C.size_t(unsafe.Sizeof(bufs["projected_radius_px"])), unsafe.Pointer(ref(bufs["projected_radius_px"]))},
		{C.size_t(unsafe.Sizeof(bufs["max_radius_px"])), unsafe.Pointer(ref(bufs["max_radius_px"]))},
		{C.size_t(unsafe.Sizeof(viewBuf)), unsafe.Pointer(ref(viewBuf))},
		{C.size_t(unsafe.Sizeof(projBuf)), unsafe.Pointer(ref(projBuf))},
		{C.size_t(unsafe.Sizeof(clFx)), unsafe.Pointer(&clFx)},
		{C.size_t(unsafe.Sizeof(clFy)), unsafe.Pointer(&clFy)},
		{C.size_t(unsafe.Sizeof(clW)), unsafe.Pointer(&clW)},
		{C.size_t(unsafe.Sizeof(clH)), unsafe.Pointer(&clH)},
		{C.size_t(unsafe.Sizeof(outBufs["out_dmean"])), unsafe.Pointer(ref(outBufs["out_dmean"]))},
		{C.size_t(unsafe.Sizeof(outBufs["out_dopacity"])), unsafe.Pointer(ref(outBufs["out_dopacity"]))},
		{C.size_t(unsafe.Sizeof(outBufs["out_dquat"])), unsafe.Pointer(ref(outBufs["out_dquat"]))},
		{C.size_t(unsafe.Sizeof(outBufs["out_dlogs"])), unsafe.Pointer(ref(outBufs["out_dlogs"]))},
		{C.size_t(unsafe.Sizeof(outBufs["out_dcolor"])), unsafe.Pointer(ref(outBufs["out_dcolor"]))},
		{C.size_t(unsafe.Sizeof(clN)), unsafe.Pointer(&clN)},
	}
	for i, a := range args {
		if err := setArg(r.kernel, C.cl_uint(i), a.size, a.ptr); err != nil {
			return nil, &gpu.BackendError{Pass: "backward.backward_geometry.setArg", Err: err}
		}
	}

	global := C.size_t(n)
	if status := C.clEnqueueNDRangeKernel(queue, r.kernel, 1, nil, &global, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return nil, &gpu.BackendError{Pass: "backward.backward_geometry", Err: fmt.Errorf("status %d", int(status))}
	}

	out := &GeometryOutputs{
		DMean: make([]float32, n*3), DOpacity: make([]float32, n),
		DQuat: make([]float32, n*4), DLogS: make([]float32, n*3), DColor: make([]float32, n*3),
	}
	if err := readBuf(queue, outBufs["out_dmean"], unsafe.Pointer(&out.DMean[0]), n*3*4, "backward.read_dmean"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, outBufs["out_dopacity"], unsafe.Pointer(&out.DOpacity[0]), n*4, "backward.read_dopacity"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, outBufs["out_dquat"], unsafe.Pointer(&out.DQuat[0]), n*4*4, "backward.read_dquat"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, outBufs["out_dlogs"], unsafe.Pointer(&out.DLogS[0]), n*3*4, "backward.read_dlogs"); err != nil {
		return nil, err
	}
	if err := readBuf(queue, outBufs["out_dcolor"], unsafe.Pointer(&out.DColor[0]), n*3*4, "backward.read_dcolor"); err != nil {
		return nil, err
	}
	return out, nil
}
