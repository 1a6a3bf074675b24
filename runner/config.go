// Package runner drives generation: it loads a model into a pipeline and
// runs the causal or encoder-decoder decode loop against the tensor
// executor, one forward pass per token.
package runner

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ModelConfig is the architecture metadata shipped next to the model
// graph. Immutable once parsed; shared by every generation call against
// the model.
type ModelConfig struct {
	Architecture   string
	EncoderDecoder bool

	HiddenSize int
	NumLayers  int
	NumHeads   int
	HeadDim    int
	VocabSize  int

	// Special token ids, -1 when the config does not define them.
	BOS          int32
	EOS          []int32
	Pad          int32
	DecoderStart int32
	ForcedBOS    int32

	MaxLength int
}

// rawConfig covers both config.json and generation_config.json. Exports
// disagree on field names and on whether token ids are scalars, lists, or
// null, so ids land in `any` and are normalized afterwards.
type rawConfig struct {
	Architectures    []string `json:"architectures"`
	IsEncoderDecoder bool     `json:"is_encoder_decoder"`

	HiddenSize int `json:"hidden_size"`
	DModel     int `json:"d_model"`

	NumHiddenLayers int `json:"num_hidden_layers"`
	DecoderLayers   int `json:"decoder_layers"`
	NumLayers       int `json:"num_layers"`

	NumAttentionHeads     int `json:"num_attention_heads"`
	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	NumHeads              int `json:"num_heads"`

	HeadDim   int `json:"head_dim"`
	VocabSize int `json:"vocab_size"`

	BOS          any `json:"bos_token_id"`
	EOS          any `json:"eos_token_id"`
	Pad          any `json:"pad_token_id"`
	DecoderStart any `json:"decoder_start_token_id"`
	ForcedBOS    any `json:"forced_bos_token_id"`

	MaxLength int `json:"max_length"`
}

// ParseModelConfig parses config.json, with generation_config.json (when
// present) overriding the token ids and length defaults it declares.
func ParseModelConfig(configData, generationData []byte) (*ModelConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(configData, &raw); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}

	if len(generationData) > 0 {
		var gen rawConfig
		if err := json.Unmarshal(generationData, &gen); err != nil {
			return nil, fmt.Errorf("parsing generation config: %w", err)
		}
		overrides := []struct {
			dst *any
			src any
		}{
			{&raw.BOS, gen.BOS},
			{&raw.EOS, gen.EOS},
			{&raw.Pad, gen.Pad},
			{&raw.DecoderStart, gen.DecoderStart},
			{&raw.ForcedBOS, gen.ForcedBOS},
		}
		for _, o := range overrides {
			if o.src != nil {
				*o.dst = o.src
			}
		}
		if gen.MaxLength > 0 {
			raw.MaxLength = gen.MaxLength
		}
	}

	c := &ModelConfig{
		EncoderDecoder: raw.IsEncoderDecoder,
		HiddenSize:     firstNonZero(raw.HiddenSize, raw.DModel),
		NumLayers:      firstNonZero(raw.NumHiddenLayers, raw.DecoderLayers, raw.NumLayers),
		NumHeads:       firstNonZero(raw.NumAttentionHeads, raw.DecoderAttentionHeads, raw.NumHeads),
		VocabSize:      raw.VocabSize,
		MaxLength:      raw.MaxLength,

		BOS:          tokenID(raw.BOS),
		Pad:          tokenID(raw.Pad),
		DecoderStart: tokenID(raw.DecoderStart),
		ForcedBOS:    tokenID(raw.ForcedBOS),
	}
	if len(raw.Architectures) > 0 {
		c.Architecture = raw.Architectures[0]
	}

	c.EOS = tokenIDs(raw.EOS)

	c.HeadDim = raw.HeadDim
	if c.HeadDim == 0 && c.NumHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumHeads
	}
	if c.NumHeads <= 0 || c.HeadDim <= 0 {
		return nil, errors.New("model config: missing attention head count or dimension")
	}

	return c, nil
}

// DecoderStartID resolves the first decoder input token for
// encoder-decoder models: decoder-start, then beginning-of-sequence, then
// pad, then end-of-sequence, then 0.
func (c *ModelConfig) DecoderStartID() int32 {
	for _, id := range []int32{c.DecoderStart, c.BOS, c.Pad} {
		if id >= 0 {
			return id
		}
	}
	if len(c.EOS) > 0 {
		return c.EOS[0]
	}
	return 0
}

// IsEOS reports whether id terminates generation.
func (c *ModelConfig) IsEOS(id int32) bool {
	for _, eos := range c.EOS {
		if id == eos {
			return true
		}
	}
	return false
}

func firstNonZero(vs ...int) int {
	for _, v := range vs {
		if v != 0 {
			return v
		}
	}
	return 0
}

// tokenID normalizes a JSON token id field. Null and absent become -1.
func tokenID(v any) int32 {
	switch id := v.(type) {
	case float64:
		return int32(id)
	case []any:
		if len(id) > 0 {
			return tokenID(id[0])
		}
	}
	return -1
}

// tokenIDs normalizes a scalar-or-list token id field to a list.
func tokenIDs(v any) []int32 {
	switch ids := v.(type) {
	case float64:
		return []int32{int32(ids)}
	case []any:
		var out []int32
		for _, id := range ids {
			if t := tokenID(id); t >= 0 {
				out = append(out, t)
			}
		}
		return out
	}
	return nil
}
