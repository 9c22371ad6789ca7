// Package device owns the GPU side of the pipeline: the headless EGL
// context, the compiled compute programs, storage buffers, and the
// dispatch-level operations the engine sequences into a forward pass.
package device

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// programSet holds every compiled kernel for the session.
type programSet struct {
	matmul              uint32
	rmsnormSquaresSum   uint32
	sum                 uint32
	max                 uint32
	argmaxSetIndex      uint32
	argmax              uint32
	softmaxExpSum       uint32
	softmaxNormalize    uint32
	rmsnormScale        uint32
	rmsnormScaleInPlace uint32
	accum               uint32
	rope                uint32
	attentionScores     uint32
	buildAttMat         uint32
	softmaxPack         uint32
	softmaxUnpack       uint32
	siluMul             uint32
	temperature         uint32
}

// Context is the GPU connection: one EGL display/context pair and the
// compiled program set. Single-threaded; one dispatch at a time.
type Context struct {
	egl   eglHandles
	progs programSet
}

// NewContext acquires a surfaceless ES 3.x compute context and compiles
// all kernels. Compile or link failures are fatal here: a zero program
// handle would make every later dispatch undefined.
func NewContext() (*Context, error) {
	egl, err := eglInit()
	if err != nil {
		return nil, fmt.Errorf("egl: %w", err)
	}
	c := &Context{egl: egl}
	if err := c.compilePrograms(); err != nil {
		c.Free()
		return nil, err
	}
	logger.Log.Debug("gpu context ready")
	return c, nil
}

func (c *Context) compilePrograms() error {
	kernels := []struct {
		name string
		src  string
		dst  *uint32
	}{
		{"matmul", srcMatMul, &c.progs.matmul},
		{"rmsnorm_squares_and_sum", srcRMSNormSquaresSum, &c.progs.rmsnormSquaresSum},
		{"sum", srcSum, &c.progs.sum},
		{"max", srcMax, &c.progs.max},
		{"argmax_set_index", srcArgmaxSetIndex, &c.progs.argmaxSetIndex},
		{"argmax", srcArgmax, &c.progs.argmax},
		{"softmax_exp_and_sum", srcSoftmaxExpSum, &c.progs.softmaxExpSum},
		{"softmax_normalize", srcSoftmaxNormalize, &c.progs.softmaxNormalize},
		{"rmsnorm_normalize_and_scale", srcRMSNormScale, &c.progs.rmsnormScale},
		{"rmsnorm_normalize_and_scale_inplace", srcRMSNormScaleInPlace, &c.progs.rmsnormScaleInPlace},
		{"accum", srcAccum, &c.progs.accum},
		{"rope", srcRope, &c.progs.rope},
		{"attention_scores", srcAttentionScores, &c.progs.attentionScores},
		{"build_att_mat", srcBuildAttMat, &c.progs.buildAttMat},
		{"softmax_pack", srcSoftmaxPack, &c.progs.softmaxPack},
		{"softmax_unpack", srcSoftmaxUnpack, &c.progs.softmaxUnpack},
		{"silu_and_mul", srcSiluMul, &c.progs.siluMul},
		{"temperature", srcTemperature, &c.progs.temperature},
	}
	for _, k := range kernels {
		prog, err := compileComputeProgram(k.src)
		if err != nil {
			return fmt.Errorf("compile %s: %w", k.name, err)
		}
		*k.dst = prog
	}
	logger.Log.Debug("compiled kernels", "count", len(kernels))
	return nil
}

// Free deletes every program and tears the context down. Buffers must be
// freed by their owners first.
func (c *Context) Free() {
	for _, p := range []uint32{
		c.progs.matmul, c.progs.rmsnormSquaresSum, c.progs.sum, c.progs.max,
		c.progs.argmaxSetIndex, c.progs.argmax, c.progs.softmaxExpSum,
		c.progs.softmaxNormalize, c.progs.rmsnormScale, c.progs.rmsnormScaleInPlace,
		c.progs.accum, c.progs.rope, c.progs.attentionScores, c.progs.buildAttMat,
		c.progs.softmaxPack, c.progs.softmaxUnpack, c.progs.siluMul, c.progs.temperature,
	} {
		if p != 0 {
			deleteProgram(p)
		}
	}
	c.progs = programSet{}
	c.egl.destroy()
}

// check logs a GPU error after a dispatch. Per the error model dispatch
// errors do not abort the run.
func (c *Context) check(kernel string) {
	if e := glError(); e != 0 {
		logger.Log.Error("gpu error after dispatch", "kernel", kernel, "gl_error", e)
	}
}
