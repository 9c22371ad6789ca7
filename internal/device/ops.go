package device

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/reduce"
)

// Scratch is the four ping-pong buffers the reduction drivers and the
// attention staging share. Nothing runs concurrently, so ownership passes
// wholly from one driver to the next.
type Scratch struct {
	A, B, C, D *Buffer
}

func (s *Scratch) Free() {
	s.A.Free()
	s.B.Free()
	s.C.Free()
	s.D.Free()
}

// MatMul computes xout[i] = Σ_j w[i*n+j+wOffset] * x[j+xOffset] for
// i < d. The weight buffer holds all layers; wOffset selects one.
func (c *Context) MatMul(xout, x, w *Buffer, n, d, xOffset, wOffset int) {
	t0 := time.Now()
	bindStorageBuffer(0, x.id)
	bindStorageBuffer(1, w.id)
	bindStorageBuffer(2, xout.id)
	useProgram(c.progs.matmul)
	setUniform1i(c.progs.matmul, "n", n)
	setUniform1i(c.progs.matmul, "x_offset", xOffset)
	setUniform1i(c.progs.matmul, "w_offset", wOffset)
	dispatchCompute(d, 1, 1)
	storageBarrier()
	c.check("matmul")
	metrics.RecordKernelDuration("matmul", time.Since(t0))
}

// Accum adds b into a elementwise.
func (c *Context) Accum(a, b *Buffer, size int) {
	bindStorageBuffer(0, a.id)
	bindStorageBuffer(1, b.id)
	useProgram(c.progs.accum)
	dispatchCompute(size, 1, 1)
	storageBarrier()
	c.check("accum")
}

// RMSNorm writes o = weight[weightOffset:] ⊙ x / rms(x). The sum of
// squares runs as a pairwise tree over the scratch pair; when o == x the
// in-place kernel variant is used.
func (c *Context) RMSNorm(o, x, weight *Buffer, size, weightOffset int, s *Scratch) {
	t0 := time.Now()

	// fused squares-and-add first pass
	first := reduce.Halve(size)
	bindStorageBuffer(0, x.id)
	bindStorageBuffer(1, s.A.id)
	useProgram(c.progs.rmsnormSquaresSum)
	setUniform1i(c.progs.rmsnormSquaresSum, "insize", size)
	dispatchCompute(first, 1, 1)
	storageBarrier()
	c.check("rmsnorm_squares_and_sum")

	ss := c.sumTree(s.A, s.B, reduce.Tail(size), 1)

	if o == x {
		bindStorageBuffer(0, ss.id)
		bindStorageBuffer(1, weight.id)
		bindStorageBuffer(2, x.id)
		useProgram(c.progs.rmsnormScaleInPlace)
		setUniform1i(c.progs.rmsnormScaleInPlace, "size", size)
		setUniform1i(c.progs.rmsnormScaleInPlace, "weight_offset", weightOffset)
	} else {
		bindStorageBuffer(0, ss.id)
		bindStorageBuffer(1, weight.id)
		bindStorageBuffer(2, x.id)
		bindStorageBuffer(3, o.id)
		useProgram(c.progs.rmsnormScale)
		setUniform1i(c.progs.rmsnormScale, "size", size)
		setUniform1i(c.progs.rmsnormScale, "weight_offset", weightOffset)
	}
	dispatchCompute(size, 1, 1)
	storageBarrier()
	c.check("rmsnorm_normalize_and_scale")
	metrics.RecordKernelDuration("rmsnorm", time.Since(t0))
}

// sumTree runs the remaining pairwise-sum passes over a grid of rows
// independent rows, ping-ponging between a and b. Returns the buffer
// holding the result (a when the schedule is empty).
func (c *Context) sumTree(a, b *Buffer, steps []reduce.Step, rows int) *Buffer {
	in, out := a, b
	for _, st := range steps {
		bindStorageBuffer(0, in.id)
		bindStorageBuffer(1, out.id)
		useProgram(c.progs.sum)
		setUniform1i(c.progs.sum, "insize", st.In)
		setUniform1i(c.progs.sum, "shape0", st.Out)
		dispatchCompute(st.Out, rows, 1)
		storageBarrier()
		c.check("sum")
		metrics.RecordReductionPass("sum")
		in, out = out, in
	}
	return in
}

// Softmax normalizes rows rows of length sizeX in place in x:
// max-reduction, fused exp-and-partial-sum, sum-reduction, normalize.
func (c *Context) Softmax(x *Buffer, sizeX, rows int, s *Scratch) {
	t0 := time.Now()

	// row maxima, tree over A/B seeded from x
	in, out := x, s.A
	for _, st := range reduce.Plan(sizeX) {
		bindStorageBuffer(0, in.id)
		bindStorageBuffer(1, out.id)
		useProgram(c.progs.max)
		setUniform1i(c.progs.max, "insize", st.In)
		setUniform1i(c.progs.max, "shape0", st.Out)
		dispatchCompute(st.Out, rows, 1)
		storageBarrier()
		c.check("max")
		metrics.RecordReductionPass("max")
		if out == s.A {
			in, out = s.A, s.B
		} else {
			in, out = s.B, s.A
		}
	}
	maxBuf := in

	// exp(x - max) with the first halving fused
	bindStorageBuffer(0, x.id)
	bindStorageBuffer(1, maxBuf.id)
	bindStorageBuffer(2, s.C.id)
	useProgram(c.progs.softmaxExpSum)
	setUniform1i(c.progs.softmaxExpSum, "insize", sizeX)
	setUniform1i(c.progs.softmaxExpSum, "shape0", reduce.Halve(sizeX))
	dispatchCompute(reduce.Halve(sizeX), rows, 1)
	storageBarrier()
	c.check("softmax_exp_and_sum")

	// finish the sum, ping-ponging C against whichever of A/B is free
	free := s.A
	if maxBuf == s.A {
		free = s.B
	}
	sumBuf := c.sumTree(s.C, free, reduce.Tail(sizeX), rows)

	bindStorageBuffer(0, sumBuf.id)
	bindStorageBuffer(1, maxBuf.id)
	bindStorageBuffer(2, x.id)
	useProgram(c.progs.softmaxNormalize)
	setUniform1i(c.progs.softmaxNormalize, "shape0", sizeX)
	dispatchCompute(sizeX, rows, 1)
	storageBarrier()
	c.check("softmax_normalize")
	metrics.RecordKernelDuration("softmax", time.Since(t0))
}

// AttentionScores fills att[h*seqLen+t] for t ≤ pos with the scaled dot
// product of q head h against the cached keys of layer layerIdx.
func (c *Context) AttentionScores(q, keyCache, att *Buffer, seqLen, pos, headSize, dim, nHeads, layerIdx int) {
	t0 := time.Now()
	bindStorageBuffer(0, q.id)
	bindStorageBuffer(1, keyCache.id)
	bindStorageBuffer(2, att.id)
	useProgram(c.progs.attentionScores)
	setUniform1i(c.progs.attentionScores, "seq_len", seqLen)
	setUniform1i(c.progs.attentionScores, "pos", pos)
	setUniform1i(c.progs.attentionScores, "head_size", headSize)
	setUniform1i(c.progs.attentionScores, "dim", dim)
	setUniform1i(c.progs.attentionScores, "layer_idx", layerIdx)
	dispatchCompute(nHeads, pos+1, 1)
	storageBarrier()
	c.check("attention_scores")
	metrics.RecordKernelDuration("attention_scores", time.Since(t0))
}

// AttentionSoftmax softmaxes each head's scores over times 0..pos. The
// strided rows are packed densely into scratch D, softmaxed there, and
// unpacked back.
func (c *Context) AttentionSoftmax(att *Buffer, pos, seqLen, nHeads int, s *Scratch) {
	span := pos + 1

	bindStorageBuffer(0, att.id)
	bindStorageBuffer(1, s.D.id)
	useProgram(c.progs.softmaxPack)
	setUniform1i(c.progs.softmaxPack, "seq_len", seqLen)
	setUniform1i(c.progs.softmaxPack, "pos", pos)
	dispatchCompute(nHeads, span, 1)
	storageBarrier()
	c.check("softmax_pack")

	c.Softmax(s.D, span, nHeads, s)

	bindStorageBuffer(0, s.D.id)
	bindStorageBuffer(1, att.id)
	useProgram(c.progs.softmaxUnpack)
	setUniform1i(c.progs.softmaxUnpack, "seq_len", seqLen)
	setUniform1i(c.progs.softmaxUnpack, "pos", pos)
	dispatchCompute(nHeads, span, 1)
	storageBarrier()
	c.check("softmax_unpack")
}

// BuildAttMat stages the attention-weighted values into scratch D as
// (n_heads, head_size, pos+1) with the time axis contiguous.
func (c *Context) BuildAttMat(valueCache, att *Buffer, seqLen, pos, headSize, dim, nHeads, layerIdx int, s *Scratch) {
	bindStorageBuffer(0, valueCache.id)
	bindStorageBuffer(1, att.id)
	bindStorageBuffer(2, s.D.id)
	useProgram(c.progs.buildAttMat)
	setUniform1i(c.progs.buildAttMat, "seq_len", seqLen)
	setUniform1i(c.progs.buildAttMat, "pos", pos)
	setUniform1i(c.progs.buildAttMat, "head_size", headSize)
	setUniform1i(c.progs.buildAttMat, "dim", dim)
	setUniform1i(c.progs.buildAttMat, "layer_idx", layerIdx)
	dispatchCompute(nHeads, headSize, pos+1)
	storageBarrier()
	c.check("build_att_mat")
}

// AttentionCombine sum-reduces the staged attMat (in scratch D) along its
// time axis, one row per (head, channel), landing the final pass directly
// in xb. Seeded with the true span pos+1; a span of 1 still runs one
// copying pass.
func (c *Context) AttentionCombine(xb *Buffer, span, rows int, s *Scratch) {
	t0 := time.Now()
	in, out := s.D, s.A
	for _, st := range reduce.Plan(span) {
		dst := out
		if st.Out == 1 {
			dst = xb
		}
		bindStorageBuffer(0, in.id)
		bindStorageBuffer(1, dst.id)
		useProgram(c.progs.sum)
		setUniform1i(c.progs.sum, "insize", st.In)
		setUniform1i(c.progs.sum, "shape0", st.Out)
		dispatchCompute(st.Out, rows, 1)
		storageBarrier()
		c.check("sum")
		metrics.RecordReductionPass("sum")
		in, out = out, in
	}
	metrics.RecordKernelDuration("attention_combine", time.Since(t0))
}

// Rope rotates the q and k pairs by the cos/sin row for this position.
// freqIdxDelta is pos*headSize/2, the row offset into the tables.
func (c *Context) Rope(freqReal, freqImag, q, k *Buffer, pos, dim, freqIdxDelta, headSize int) {
	bindStorageBuffer(0, freqReal.id)
	bindStorageBuffer(1, freqImag.id)
	bindStorageBuffer(2, q.id)
	bindStorageBuffer(3, k.id)
	useProgram(c.progs.rope)
	setUniform1i(c.progs.rope, "pos", pos)
	setUniform1i(c.progs.rope, "dim", dim)
	setUniform1i(c.progs.rope, "freq_cis_idx_delta", freqIdxDelta)
	setUniform1i(c.progs.rope, "head_size", headSize)
	dispatchCompute(dim/2, 1, 1)
	storageBarrier()
	c.check("rope")
}

// SiluMul applies hb = silu(hb) * hb2.
func (c *Context) SiluMul(hb, hb2 *Buffer, size int) {
	bindStorageBuffer(0, hb.id)
	bindStorageBuffer(1, hb2.id)
	useProgram(c.progs.siluMul)
	dispatchCompute(size, 1, 1)
	storageBarrier()
	c.check("silu_and_mul")
}

// Temperature divides the logits by the sampling temperature in place.
func (c *Context) Temperature(logits *Buffer, temperature float32, size int) {
	bindStorageBuffer(0, logits.id)
	useProgram(c.progs.temperature)
	setUniform1f(c.progs.temperature, "temperature", temperature)
	dispatchCompute(size, 1, 1)
	storageBarrier()
	c.check("temperature")
}

// Argmax reduces values[0:n] to the index of its maximum on the GPU and
// reads back the single surviving index. Ties resolve toward the smaller
// index. Indices travel as floats beside the values through the pairwise
// tree: (values, B) feed the first pass, then (C, D) and (A, B) ping-pong.
func (c *Context) Argmax(values *Buffer, n int, s *Scratch) (int, error) {
	t0 := time.Now()

	bindStorageBuffer(0, values.id)
	bindStorageBuffer(1, s.B.id)
	useProgram(c.progs.argmaxSetIndex)
	setUniform1i(c.progs.argmaxSetIndex, "insize", n)
	dispatchCompute(n, 1, 1)
	storageBarrier()
	c.check("argmax_set_index")

	curV, curI := values, s.B
	nextV, nextI := s.C, s.D
	for _, st := range reduce.Plan(n) {
		bindStorageBuffer(0, curV.id)
		bindStorageBuffer(1, curI.id)
		bindStorageBuffer(2, nextV.id)
		bindStorageBuffer(3, nextI.id)
		useProgram(c.progs.argmax)
		setUniform1i(c.progs.argmax, "insize", st.In)
		setUniform1i(c.progs.argmax, "shape0", st.Out)
		dispatchCompute(st.Out, 1, 1)
		storageBarrier()
		c.check("argmax")
		metrics.RecordReductionPass("argmax")
		if nextV == s.C {
			curV, curI = s.C, s.D
			nextV, nextI = s.A, s.B
		} else {
			curV, curI = s.A, s.B
			nextV, nextI = s.C, s.D
		}
	}

	var out [1]float32
	if err := curI.ReadFloats(out[:]); err != nil {
		return -1, fmt.Errorf("argmax readback: %w", err)
	}
	metrics.RecordKernelDuration("argmax", time.Since(t0))
	return int(out[0]), nil
}
