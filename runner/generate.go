package runner

import (
	"context"
	"strings"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/ml"
	"github.com/strideapp/localinfer/sample"
)

// defaultMaxNewTokens caps generation when neither the request nor the
// model config sets a limit.
const defaultMaxNewTokens = 256

// generator is one decode loop. yield returning false stops the loop
// without error; the returned count is the number of tokens produced.
type generator interface {
	generate(ctx context.Context, req api.GenerateRequest, yield func(api.TokenEvent) bool) (int, error)
}

func maxNewTokens(req api.GenerateRequest, config *ModelConfig) int {
	switch {
	case req.MaxNewTokens > 0:
		return req.MaxNewTokens
	case config.MaxLength > 0:
		return config.MaxLength
	}
	return defaultMaxNewTokens
}

// newSamplerFor maps request overrides to a sampler. Absent temperature
// means greedy decoding; absent top-p means no nucleus filter.
func newSamplerFor(req api.GenerateRequest) sample.Sampler {
	var temperature float32
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	topP := float32(1)
	if req.TopP != nil {
		topP = *req.TopP
	}

	seed := req.Seed
	if seed <= 0 {
		seed = -1
	}

	return sample.NewSampler(temperature, req.TopK, topP, req.MinP, seed)
}

// processorChain builds the logit transform chain in its fixed order:
// forced tokens first, then repetition constraints.
func processorChain(req api.GenerateRequest, forced sample.ForcedToken) sample.Chain {
	var chain sample.Chain
	if len(forced) > 0 {
		chain = append(chain, forced)
	}
	if req.RepetitionPenalty != 0 && req.RepetitionPenalty != 1 {
		chain = append(chain, sample.RepetitionPenalty(req.RepetitionPenalty))
	}
	if req.NoRepeatNGram >= 2 {
		chain = append(chain, sample.NoRepeatNGram(req.NoRepeatNGram))
	}
	return chain
}

// lastLogits copies the final position's scores out of a [1, seq, vocab]
// logits tensor. The copy is required because processors mutate in place.
func lastLogits(t *ml.Tensor) ([]float32, error) {
	if t == nil || len(t.F32) == 0 {
		return nil, &api.ConfigMismatchError{Name: "logits"}
	}

	vocab := int(t.Dim(len(t.Shape) - 1))
	if vocab <= 0 || len(t.F32) < vocab {
		return nil, &api.ConfigMismatchError{Name: "logits"}
	}

	logits := make([]float32, vocab)
	copy(logits, t.F32[len(t.F32)-vocab:])
	return logits, nil
}

func hasStopSuffix(text string, stop []string) bool {
	for _, s := range stop {
		if s != "" && strings.HasSuffix(text, s) {
			return true
		}
	}
	return false
}

func toI64(ids []int32) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// onesMask builds a [1, n] attention mask of ones.
func onesMask(name string, n int64) *ml.Tensor {
	data := make([]int64, n)
	for i := range data {
		data[i] = 1
	}
	return ml.NewI64(name, []int64{1, n}, data)
}

// positionIDs builds a [1, n] tensor of absolute positions starting at
// offset.
func positionIDs(offset int64, n int) *ml.Tensor {
	data := make([]int64, n)
	for i := range data {
		data[i] = offset + int64(i)
	}
	return ml.NewI64("position_ids", []int64{1, int64(n)}, data)
}
