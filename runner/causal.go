package runner

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/kvcache"
	"github.com/strideapp/localinfer/ml"
	"github.com/strideapp/localinfer/tokenizer"
)

// causal is the decode loop for decoder-only models: the prompt is fed
// once, then one token per step, each conditioned on the attention cache
// of everything before it.
type causal struct {
	session ml.Session
	tok     *tokenizer.Tokenizer
	config  *ModelConfig
	layout  *kvcache.Layout

	wantsPositions bool
}

func newCausal(session ml.Session, tok *tokenizer.Tokenizer, config *ModelConfig) (*causal, error) {
	layout, err := kvcache.Detect(session.Inputs())
	if err != nil {
		return nil, err
	}

	return &causal{
		session:        session,
		tok:            tok,
		config:         config,
		layout:         layout,
		wantsPositions: slices.Contains(session.Inputs(), "position_ids"),
	}, nil
}

func (g *causal) generate(ctx context.Context, req api.GenerateRequest, yield func(api.TokenEvent) bool) (int, error) {
	prompt, err := g.tok.Encode(req.Prompt)
	if err != nil {
		return 0, err
	}
	if len(prompt) == 0 {
		return 0, errors.New("runner: prompt produced no tokens")
	}

	cache := kvcache.New(g.layout, g.config.NumHeads, g.config.HeadDim)
	chain := processorChain(req, nil)
	sampler := newSamplerFor(req)
	limit := maxNewTokens(req, g.config)

	step := prompt
	var generated []int32
	var text strings.Builder

	for len(generated) < limit {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		past := cache.SeqLen()
		feeds := make([]*ml.Tensor, 0, len(g.layout.Entries)+3)
		feeds = append(feeds,
			ml.NewI64("input_ids", []int64{1, int64(len(step))}, toI64(step)),
			onesMask("attention_mask", past+int64(len(step))))
		if g.wantsPositions {
			feeds = append(feeds, positionIDs(past, len(step)))
		}
		feeds = append(feeds, cache.Feeds()...)

		outputs, err := g.session.Run(ctx, feeds)
		if err != nil {
			return 0, err
		}
		if err := cache.Update(outputs); err != nil {
			return 0, err
		}

		logits, err := lastLogits(outputs["logits"])
		if err != nil {
			return 0, err
		}
		logits = chain.Process(logits, generated)

		id, err := sampler.Sample(logits)
		if err != nil {
			return 0, err
		}
		if g.config.IsEOS(id) {
			break
		}

		generated = append(generated, id)
		piece, err := g.tok.Decode([]int32{id})
		if err != nil {
			return 0, err
		}
		text.WriteString(piece)

		if !yield(api.TokenEvent{ID: id, Text: piece, Index: len(generated) - 1}) {
			break
		}
		if hasStopSuffix(text.String(), req.Stop) {
			break
		}

		step = []int32{id}
	}

	return len(generated), nil
}
