package engine

import (
	"github.com/23skdu/longbow-bodkin/internal/checkpoint"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Weights is the GPU-resident tensor set. The token embedding table stays
// on the host: the per-step lookup is a cheap row copy into the residual
// buffer, and the classifier gets its own GPU copy even when shared.
type Weights struct {
	TokenEmbedding []float32

	RMSAtt   *device.Buffer
	WQ       *device.Buffer
	WK       *device.Buffer
	WV       *device.Buffer
	WO       *device.Buffer
	RMSFFN   *device.Buffer
	W1       *device.Buffer
	W2       *device.Buffer
	W3       *device.Buffer
	RMSFinal *device.Buffer
	FreqReal *device.Buffer
	FreqImag *device.Buffer
	WCls     *device.Buffer
}

func uploadWeights(ctx *device.Context, m *checkpoint.Model) *Weights {
	src := m.Weights
	w := &Weights{
		TokenEmbedding: src.TokenEmbedding,
		RMSAtt:         ctx.NewStaticBuffer(src.RMSAtt),
		WQ:             ctx.NewStaticBuffer(src.WQ),
		WK:             ctx.NewStaticBuffer(src.WK),
		WV:             ctx.NewStaticBuffer(src.WV),
		WO:             ctx.NewStaticBuffer(src.WO),
		RMSFFN:         ctx.NewStaticBuffer(src.RMSFFN),
		W1:             ctx.NewStaticBuffer(src.W1),
		W2:             ctx.NewStaticBuffer(src.W2),
		W3:             ctx.NewStaticBuffer(src.W3),
		RMSFinal:       ctx.NewStaticBuffer(src.RMSFinal),
		FreqReal:       ctx.NewStaticBuffer(src.FreqCisReal),
		FreqImag:       ctx.NewStaticBuffer(src.FreqCisImag),
		WCls:           ctx.NewStaticBuffer(src.WCls),
	}
	logger.Log.Info("weights uploaded",
		"layers", m.Config.Layers,
		"dim", m.Config.Dim,
		"shared_classifier", m.Config.SharedWeights,
		"gpu_bytes", device.AllocatedBytes())
	return w
}

func (w *Weights) Free() {
	for _, b := range []*device.Buffer{
		w.RMSAtt, w.WQ, w.WK, w.WV, w.WO, w.RMSFFN,
		w.W1, w.W2, w.W3, w.RMSFinal, w.FreqReal, w.FreqImag, w.WCls,
	} {
		b.Free()
	}
}
