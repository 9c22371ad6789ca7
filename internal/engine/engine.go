// Package engine sequences the GPU kernels into transformer forward
// passes and owns the token generation loop.
package engine

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/checkpoint"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

type Engine struct {
	Config config.Config

	ctx     *device.Context
	weights *Weights
	state   *RunState

	// host readback scratch for the sampling paths
	probs []float32
}

// New uploads the checkpoint weights and allocates the run state. The
// model mapping may be closed by the caller after New returns, except that
// the embedding table is read from it on every step, so it must stay open
// for the engine's lifetime.
func New(ctx *device.Context, m *checkpoint.Model) *Engine {
	return &Engine{
		Config:  m.Config,
		ctx:     ctx,
		weights: uploadWeights(ctx, m),
		state:   newRunState(ctx, m.Config),
		probs:   make([]float32, m.Config.VocabSize),
	}
}

// Close releases the run state and weight buffers. The device context is
// owned by the caller.
func (e *Engine) Close() {
	e.state.Free()
	e.weights.Free()
}

// Forward runs one transformer step for token at position pos, leaving the
// next-token logits in the logits buffer.
func (e *Engine) Forward(token, pos int) {
	t0 := time.Now()
	c := e.Config
	ctx := e.ctx
	w := e.weights
	s := e.state
	dim := c.Dim
	hiddenDim := c.HiddenDim
	headSize := c.HeadSize()

	// token embedding into the residual stream
	row := w.TokenEmbedding[token*dim : (token+1)*dim]
	s.X.SubDataF32(0, row)

	freqIdxDelta := pos * headSize / 2

	for l := 0; l < c.Layers; l++ {
		// attention rmsnorm
		ctx.RMSNorm(s.XB, s.X, w.RMSAtt, dim, l*dim, s.Scratch)

		// qkv projections for this position
		ctx.MatMul(s.Q, s.XB, w.WQ, dim, dim, 0, l*dim*dim)
		ctx.MatMul(s.K, s.XB, w.WK, dim, dim, 0, l*dim*dim)
		ctx.MatMul(s.V, s.XB, w.WV, dim, dim, 0, l*dim*dim)

		// rotate q and k by the positional factors
		ctx.Rope(w.FreqReal, w.FreqImag, s.Q, s.K, pos, dim, freqIdxDelta, headSize)

		// append this position's k,v to the layer's cache rows
		loff := l * c.SeqLen * dim
		s.K.CopyTo(s.KeyCache, 0, loff+pos*dim, dim)
		s.V.CopyTo(s.ValueCache, 0, loff+pos*dim, dim)

		// attention over times 0..pos
		ctx.AttentionScores(s.Q, s.KeyCache, s.Att, c.SeqLen, pos, headSize, dim, c.Heads, l)
		ctx.AttentionSoftmax(s.Att, pos, c.SeqLen, c.Heads, s.Scratch)
		ctx.BuildAttMat(s.ValueCache, s.Att, c.SeqLen, pos, headSize, dim, c.Heads, l, s.Scratch)
		ctx.AttentionCombine(s.XB, pos+1, c.Heads*headSize, s.Scratch)

		// attention output projection and residual
		ctx.MatMul(s.XB2, s.XB, w.WO, dim, dim, 0, l*dim*dim)
		ctx.Accum(s.X, s.XB2, dim)

		// ffn rmsnorm
		ctx.RMSNorm(s.XB, s.X, w.RMSFFN, dim, l*dim, s.Scratch)

		// w2(silu(w1 x) * w3 x)
		ctx.MatMul(s.HB, s.XB, w.W1, dim, hiddenDim, 0, l*dim*hiddenDim)
		ctx.MatMul(s.HB2, s.XB, w.W3, dim, hiddenDim, 0, l*dim*hiddenDim)
		ctx.SiluMul(s.HB, s.HB2, hiddenDim)
		ctx.MatMul(s.XB, s.HB, w.W2, hiddenDim, dim, 0, l*dim*hiddenDim)
		ctx.Accum(s.X, s.XB, dim)
	}

	// final rmsnorm, in place
	ctx.RMSNorm(s.X, s.X, w.RMSFinal, dim, 0, s.Scratch)

	// classifier into logits
	ctx.MatMul(s.Logits, s.X, w.WCls, dim, c.VocabSize, 0, 0)

	metrics.RecordStepDuration(time.Since(t0))
}
