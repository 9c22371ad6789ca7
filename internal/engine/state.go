package engine

import (
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// RunState is the activation buffer set for one session, reallocated per
// model.
type RunState struct {
	X   *device.Buffer // residual stream (dim)
	XB  *device.Buffer // scratch activation (dim)
	XB2 *device.Buffer // scratch activation (dim)
	HB  *device.Buffer // FFN scratch (hidden_dim)
	HB2 *device.Buffer // FFN scratch (hidden_dim)
	Q   *device.Buffer // (dim)
	K   *device.Buffer // (dim)
	V   *device.Buffer // (dim)

	Att    *device.Buffer // (n_heads, seq_len) attention scores
	Logits *device.Buffer // (vocab_size)

	KeyCache   *device.Buffer // (layers, seq_len, dim)
	ValueCache *device.Buffer // (layers, seq_len, dim)

	Scratch *device.Scratch // four ping-pong reduction buffers
}

func newRunState(ctx *device.Context, c config.Config) *RunState {
	dimB := c.Dim * 4
	hidB := c.HiddenDim * 4

	// Scratch must fit the attention staging tensor (dim × seq_len) and
	// the logits-wide reductions.
	scratchFloats := c.Dim * c.SeqLen
	if c.VocabSize > scratchFloats {
		scratchFloats = c.VocabSize
	}
	scratchB := scratchFloats * 4

	return &RunState{
		X:          ctx.NewBuffer(dimB),
		XB:         ctx.NewBuffer(dimB),
		XB2:        ctx.NewBuffer(dimB),
		HB:         ctx.NewBuffer(hidB),
		HB2:        ctx.NewBuffer(hidB),
		Q:          ctx.NewBuffer(dimB),
		K:          ctx.NewBuffer(dimB),
		V:          ctx.NewBuffer(dimB),
		Att:        ctx.NewBuffer(c.Heads * c.SeqLen * 4),
		Logits:     ctx.NewBuffer(c.VocabSize * 4),
		KeyCache:   ctx.NewBuffer(c.Layers * c.SeqLen * c.Dim * 4),
		ValueCache: ctx.NewBuffer(c.Layers * c.SeqLen * c.Dim * 4),
		Scratch: &device.Scratch{
			A: ctx.NewBuffer(scratchB),
			B: ctx.NewBuffer(scratchB),
			C: ctx.NewBuffer(scratchB),
			D: ctx.NewBuffer(scratchB),
		},
	}
}

func (s *RunState) Free() {
	for _, b := range []*device.Buffer{
		s.X, s.XB, s.XB2, s.HB, s.HB2, s.Q, s.K, s.V,
		s.Att, s.Logits, s.KeyCache, s.ValueCache,
	} {
		b.Free()
	}
	s.Scratch.Free()
}
