package runner

import (
	"context"
	"errors"
	"slices"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/kvcache"
	"github.com/strideapp/localinfer/ml"
	"github.com/strideapp/localinfer/sample"
	"github.com/strideapp/localinfer/tokenizer"
)

// seq2seq runs encoder-decoder models: the encoder runs once over the
// source text, then the decoder loops one token at a time with the
// encoder output resident for cross attention on every step.
type seq2seq struct {
	encoder ml.Session
	decoder ml.Session
	tok     *tokenizer.Tokenizer
	config  *ModelConfig
	layout  *kvcache.Layout

	// merged decoder graphs branch between the no-cache first step and
	// cached later steps on an explicit flag
	wantsCacheBranch bool
}

func newSeq2Seq(encoder, decoder ml.Session, tok *tokenizer.Tokenizer, config *ModelConfig) (*seq2seq, error) {
	layout, err := kvcache.Detect(decoder.Inputs())
	if err != nil {
		return nil, err
	}

	return &seq2seq{
		encoder:          encoder,
		decoder:          decoder,
		tok:              tok,
		config:           config,
		layout:           layout,
		wantsCacheBranch: slices.Contains(decoder.Inputs(), "use_cache_branch"),
	}, nil
}

func (g *seq2seq) generate(ctx context.Context, req api.GenerateRequest, yield func(api.TokenEvent) bool) (int, error) {
	source, err := g.tok.Encode(req.Prompt)
	if err != nil {
		return 0, err
	}

	// a recognized language marker prefixes the source and is forced as
	// the first decoded token
	marker := int32(-1)
	if req.TargetLanguage != "" {
		marker = g.tok.SpecialTokenID(req.TargetLanguage)
	}
	if marker >= 0 {
		source = append([]int32{marker}, source...)
	}
	if len(source) == 0 {
		return 0, errors.New("runner: source text produced no tokens")
	}

	hidden, mask, err := g.encode(ctx, source)
	if err != nil {
		return 0, err
	}

	forced := sample.ForcedToken{}
	if fid := g.config.ForcedBOS; fid >= 0 {
		forced[0] = fid
	}
	if marker >= 0 {
		forced[0] = marker
	}

	cache := kvcache.New(g.layout, g.config.NumHeads, g.config.HeadDim)
	chain := processorChain(req, forced)
	sampler := newSamplerFor(req)
	limit := maxNewTokens(req, g.config)

	next := g.config.DecoderStartID()
	var generated []int32
	var emitted int

	for len(generated) < limit {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		feeds := make([]*ml.Tensor, 0, len(g.layout.Entries)+5)
		feeds = append(feeds,
			ml.NewI64("input_ids", []int64{1, 1}, []int64{int64(next)}),
			onesMask("attention_mask", cache.SeqLen()+1),
			hidden, mask)
		if g.wantsCacheBranch {
			feeds = append(feeds, ml.NewBool("use_cache_branch", []int64{1}, []bool{cache.Steps() > 0}))
		}
		feeds = append(feeds, cache.Feeds()...)

		outputs, err := g.decoder.Run(ctx, feeds)
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
		next = id

		// forced control tokens steer decoding but are not part of the
		// output text
		if fid, ok := forced[len(generated)-1]; ok && fid == id {
			continue
		}

		piece, err := g.tok.Decode([]int32{id})
		if err != nil {
			return 0, err
		}

		if !yield(api.TokenEvent{ID: id, Text: piece, Index: emitted}) {
			break
		}
		emitted++
	}

	return emitted, nil
}

// encode runs the encoder once and returns its hidden states and the
// source attention mask under the names the decoder consumes.
func (g *seq2seq) encode(ctx context.Context, source []int32) (hidden, mask *ml.Tensor, err error) {
	srcMask := onesMask("attention_mask", int64(len(source)))
	outputs, err := g.encoder.Run(ctx, []*ml.Tensor{
		ml.NewI64("input_ids", []int64{1, int64(len(source))}, toI64(source)),
		srcMask,
	})
	if err != nil {
		return nil, nil, err
	}

	state, ok := outputs["last_hidden_state"]
	if !ok {
		return nil, nil, &api.ConfigMismatchError{Name: "last_hidden_state"}
	}

	hidden = &ml.Tensor{Name: "encoder_hidden_states", Shape: state.Shape, F32: state.F32}
	mask = ml.NewI64("encoder_attention_mask", srcMask.Shape, srcMask.I64)
	return hidden, mask, nil
}
