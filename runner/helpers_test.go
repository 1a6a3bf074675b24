package runner

import (
	"context"
	"testing"

	"github.com/strideapp/localinfer/ml"
	"github.com/strideapp/localinfer/tokenizer"
)

// testVocab maps a, b, c, d to ids 4..7 with the usual specials up front.
const testVocab = `{
	"model": {
		"vocab": {"a": 4, "b": 5, "c": 6, "d": 7},
		"merges": []
	},
	"added_tokens": [
		{"id": 0, "content": "<s>", "special": true},
		{"id": 1, "content": "</s>", "special": true},
		{"id": 2, "content": "<pad>", "special": true},
		{"id": 3, "content": "<2xx>", "special": true}
	]
}`

func testTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.Load([]byte(testVocab))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func testConfig() *ModelConfig {
	return &ModelConfig{
		HiddenSize:   8,
		NumLayers:    1,
		NumHeads:     2,
		HeadDim:      4,
		VocabSize:    8,
		BOS:          0,
		EOS:          []int32{1},
		Pad:          2,
		DecoderStart: -1,
		ForcedBOS:    -1,
	}
}

// fakeSession scripts the executor: onRun receives the 1-based step count
// and the feeds keyed by name.
type fakeSession struct {
	inputs  []string
	outputs []string
	onRun   func(step int, feeds map[string]*ml.Tensor) (map[string]*ml.Tensor, error)

	steps  int
	closed bool
}

func (f *fakeSession) Inputs() []string  { return f.inputs }
func (f *fakeSession) Outputs() []string { return f.outputs }
func (f *fakeSession) Close() error      { f.closed = true; return nil }

func (f *fakeSession) Run(ctx context.Context, feeds []*ml.Tensor) (map[string]*ml.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byName := make(map[string]*ml.Tensor, len(feeds))
	for _, t := range feeds {
		byName[t.Name] = t
	}

	f.steps++
	return f.onRun(f.steps, byName)
}

// logitsFor builds a [1, rows, vocab] logits tensor whose last row argmax
// is id.
func logitsFor(rows, vocab int, id int32) *ml.Tensor {
	data := make([]float32, rows*vocab)
	data[(rows-1)*vocab+int(id)] = 10
	return ml.NewF32("logits", []int64{1, int64(rows), int64(vocab)}, data)
}

// presentPair builds present key/value outputs for one self-attention
// layer at the given sequence length.
func presentPair(prefix string, seqLen int64) map[string]*ml.Tensor {
	shape := []int64{1, 2, seqLen, 4}
	return map[string]*ml.Tensor{
		"present." + prefix + "key":   ml.NewF32("present."+prefix+"key", shape, make([]float32, ml.Elements(shape))),
		"present." + prefix + "value": ml.NewF32("present."+prefix+"value", shape, make([]float32, ml.Elements(shape))),
	}
}

// scriptedCausal returns a causal fake that emits script[step-1] as the
// sampled-argmax token each step and grows the cache like a real graph.
func scriptedCausal(t *testing.T, script []int32) *fakeSession {
	t.Helper()

	return &fakeSession{
		inputs: []string{
			"input_ids", "attention_mask",
			"past_key_values.0.key", "past_key_values.0.value",
		},
		outputs: []string{"logits", "present.0.key", "present.0.value"},
		onRun: func(step int, feeds map[string]*ml.Tensor) (map[string]*ml.Tensor, error) {
			if step > len(script) {
				t.Fatalf("unscripted step %d", step)
			}

			inputLen := feeds["input_ids"].Dim(1)
			past := feeds["past_key_values.0.key"].Dim(2)

			if mask := feeds["attention_mask"]; mask.Dim(1) != past+inputLen {
				t.Errorf("step %d: attention mask length %d, want %d", step, mask.Dim(1), past+inputLen)
			}

			outputs := presentPair("0.", past+inputLen)
			outputs["logits"] = logitsFor(int(inputLen), 8, script[step-1])
			return outputs, nil
		},
	}
}
