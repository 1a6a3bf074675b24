// Package sample selects the next token from a logits buffer: an ordered
// chain of logit processors followed by a sampling strategy.
package sample

import (
	"math"
	"slices"
)

var negInf = float32(math.Inf(-1))

// Processor transforms a logits buffer before sampling. Implementations
// may mutate logits in place and must return the buffer to feed the next
// processor in the chain.
type Processor interface {
	Process(logits []float32, generated []int32) []float32
}

// Chain applies processors strictly in insertion order.
type Chain []Processor

func (c Chain) Process(logits []float32, generated []int32) []float32 {
	for _, p := range c {
		logits = p.Process(logits, generated)
	}
	return logits
}

// RepetitionPenalty discourages tokens already present in the generated
// sequence. Positive logits are divided by the penalty and negative ones
// multiplied, pulling the score toward zero for penalties above one.
type RepetitionPenalty float32

func (p RepetitionPenalty) Process(logits []float32, generated []int32) []float32 {
	if p == 0 || p == 1 {
		return logits
	}

	seen := make(map[int32]struct{}, len(generated))
	for _, id := range generated {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if int(id) >= len(logits) || id < 0 {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= float32(p)
		} else {
			logits[id] *= float32(p)
		}
	}

	return logits
}

// ForcedToken pins specific decode steps to a single token id, clamping
// everything else to negative infinity. Used to force decoder start and
// target language tokens on encoder-decoder models.
type ForcedToken map[int]int32

func (f ForcedToken) Process(logits []float32, generated []int32) []float32 {
	id, ok := f[len(generated)]
	if !ok || int(id) >= len(logits) {
		return logits
	}

	keep := logits[id]
	for i := range logits {
		logits[i] = negInf
	}
	logits[id] = keep
	return logits
}

// NoRepeatNGram bans any token that would recreate an n-gram already
// present in the generated sequence. No-op until n-1 tokens exist.
type NoRepeatNGram int

func (n NoRepeatNGram) Process(logits []float32, generated []int32) []float32 {
	k := int(n) - 1
	if n < 2 || len(generated) < k {
		return logits
	}

	tail := generated[len(generated)-k:]
	for i := 0; i+k < len(generated); i++ {
		if slices.Equal(generated[i:i+k], tail) {
			if next := generated[i+k]; next >= 0 && int(next) < len(logits) {
				logits[next] = negInf
			}
		}
	}

	return logits
}
