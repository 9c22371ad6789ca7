package engine

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/sampler"
	"github.com/23skdu/longbow-bodkin/internal/tokenizer"
)

const bosToken = 1

// TraceSink receives one record per generated position. The probability
// slice is only non-nil when the sampling path already read it back; it is
// reused between calls and must be copied if retained.
type TraceSink interface {
	Record(pos, token int, probs []float32)
}

// Result summarizes one generation run. TokPerSec is measured from the end
// of the first step, so it is zero unless at least two steps ran.
type Result struct {
	Positions int
	Duration  time.Duration
	TokPerSec float64
}

// Generate drives the token loop: one forward pass per position, forcing
// prompt tokens while they last, sampling afterwards, stopping early on
// BOS. Pieces stream through emit as they are decoded.
func (e *Engine) Generate(tok *tokenizer.Tokenizer, promptTokens []int, steps int, cfg SampleConfig, sink TraceSink, emit func(piece string)) (Result, error) {
	smp := sampler.New(cfg.Seed, e.Config.VocabSize)

	var start time.Time
	token := bosToken
	pos := 0
	for pos < steps {
		e.Forward(token, pos)

		var next int
		var sampled bool
		if pos < len(promptTokens) {
			next = promptTokens[pos]
		} else {
			var err error
			next, err = e.next(smp, cfg)
			if err != nil {
				return Result{}, err
			}
			sampled = true
		}
		pos++

		if sink != nil {
			var probs []float32
			if sampled && cfg.Temperature != 0 {
				probs = e.probs
			}
			sink.Record(pos-1, next, probs)
		}

		// BOS delimits sequences
		if next == bosToken {
			break
		}

		emit(tok.Piece(next, token))
		token = next
		metrics.RecordToken()

		// the first iteration pays for lazy driver setup; start the clock
		// after it
		if start.IsZero() {
			start = time.Now()
		}
	}

	res := Result{Positions: pos}
	if pos > 1 && !start.IsZero() {
		res.Duration = time.Since(start)
		res.TokPerSec = float64(pos-1) / res.Duration.Seconds()
	}
	return res, nil
}
