package sample

import (
	"cmp"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// greedyEpsilon is the temperature below which sampling degenerates to
// argmax.
const greedyEpsilon = 1e-7

// token pairs a token id with its logit or probability during sampling.
type token struct {
	id    int32
	value float32
}

// Sampler selects a token id from a logits buffer. The zero temperature
// sampler is deterministic; otherwise filtering happens on logits before
// the softmax so filtered entries don't distort the surviving
// distribution.
type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	minP        float32
	temperature float32
}

// NewSampler returns a sampler. seed < 0 uses the process-wide random
// source.
func NewSampler(temperature float32, topK int, topP, minP float32, seed int) Sampler {
	var rng *rand.Rand
	if seed >= 0 {
		sequence := uint64(seed)
		rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}

	if temperature < 0 {
		temperature = 0
	}
	if topP < 0 {
		topP = 0
	}
	if topP >= 1 {
		topP = 1
	}
	if minP < 0 {
		minP = 0
	}

	return Sampler{
		rng:         rng,
		topK:        topK,
		topP:        topP,
		minP:        minP,
		temperature: temperature,
	}
}

// Sample returns the selected token id for the given logits.
func (s Sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided")
	}

	if s.temperature < greedyEpsilon {
		return greedy(logits), nil
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i].id = int32(i)
		tokens[i].value = logits[i]
	}

	// filter on logits first, then soften what survives
	tokens = topK(tokens, s.topK)
	tokens = topP(tokens, s.topP)
	tokens = minP(tokens, s.minP)
	softmax(tokens, s.temperature)

	var r float32
	if s.rng != nil {
		r = s.rng.Float32()
	} else {
		r = rand.Float32()
	}

	var sum float32
	for i := range tokens {
		sum += tokens[i].value
		if sum > r {
			return tokens[i].id, nil
		}
	}

	if math.IsNaN(float64(sum)) {
		return -1, errors.New("sample: probabilities sum to NaN, check model output")
	}

	// floating point shortfall, fall back to the last surviving token
	return tokens[len(tokens)-1].id, nil
}

// greedy returns the index of the first maximum logit in scan order.
func greedy(logits []float32) int32 {
	max := int32(0)
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[max] {
			max = int32(i)
		}
	}
	return max
}

// topK keeps the k highest logits, sorted descending. k <= 0 or k >= len
// only sorts.
func topK(tokens []token, k int) []token {
	slices.SortFunc(tokens, func(a, b token) int {
		return cmp.Compare(b.value, a.value)
	})

	if k > 0 && k < len(tokens) {
		tokens = tokens[:k]
	}
	return tokens
}

// topP keeps the smallest prefix of the sorted tokens whose probability
// mass reaches p. Requires tokens sorted descending by logit.
func topP(tokens []token, p float32) []token {
	if p <= 0 || p >= 1 {
		return tokens
	}

	probs := make([]float32, len(tokens))
	var sum float32
	maxLogit := tokens[0].value
	for i := range tokens {
		probs[i] = float32(math.Exp(float64(tokens[i].value - maxLogit)))
		sum += probs[i]
	}

	var cum float32
	for i := range tokens {
		cum += probs[i] / sum
		if cum >= p {
			return tokens[:i+1]
		}
	}
	return tokens
}

// minP drops tokens whose probability falls below p times the most likely
// token's probability. Probabilities are monotonic in the logit, so the
// cutoff is computed directly on the sorted logits.
func minP(tokens []token, p float32) []token {
	if p <= 0 || p >= 1 {
		return tokens
	}

	cut := tokens[0].value + float32(math.Log(float64(p)))
	for i, t := range tokens {
		if t.value < cut {
			return tokens[:i]
		}
	}
	return tokens
}

// softmax converts logits to a temperature-scaled probability
// distribution in place.
func softmax(tokens []token, temperature float32) {
	if len(tokens) == 0 {
		return
	}

	temp := float32(math.Max(float64(temperature), greedyEpsilon))

	maxLogit := tokens[0].value
	for _, t := range tokens {
		if t.value > maxLogit {
			maxLogit = t.value
		}
	}

	var sum float32
	for i := range tokens {
		tokens[i].value = float32(math.Exp(float64((tokens[i].value - maxLogit) / temp)))
		sum += tokens[i].value
	}
	for i := range tokens {
		tokens[i].value /= sum
	}
}
