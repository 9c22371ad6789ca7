package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/sampler"
)

// SampleConfig selects the per-token sampling policy.
type SampleConfig struct {
	Temperature float32
	TopP        float32
	Seed        uint64
}

// next draws the next token from the logits buffer. Temperature zero runs
// the GPU argmax reduction and reads back one scalar; the stochastic modes
// scale by temperature, softmax in place, and read the full distribution
// back for a host-side draw.
func (e *Engine) next(smp *sampler.Sampler, cfg SampleConfig) (int, error) {
	s := e.state
	vocab := e.Config.VocabSize

	if cfg.Temperature == 0 {
		return e.ctx.Argmax(s.Logits, vocab, s.Scratch)
	}

	e.ctx.Temperature(s.Logits, cfg.Temperature, vocab)
	e.ctx.Softmax(s.Logits, vocab, 1, s.Scratch)

	if err := s.Logits.ReadFloats(e.probs); err != nil {
		return -1, fmt.Errorf("logits readback: %w", err)
	}
	e.validateProbs(e.probs)

	if cfg.TopP <= 0 {
		return smp.Multinomial(e.probs), nil
	}
	return smp.TopP(e.probs, cfg.TopP), nil
}

// validateProbs flags NaN/Inf in a readback; a poisoned distribution makes
// the CDF scan degenerate, which is worth surfacing before it looks like a
// sampling bug.
func (e *Engine) validateProbs(probs []float32) {
	bad := 0
	for _, v := range probs {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			bad++
		}
	}
	if bad > 0 {
		metrics.RecordInstability("logits", bad)
		logger.Log.Warn("non-finite values in probability readback", "count", bad)
	}
}
