package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/ml"
)

func genRequest(prompt string, maxNew int) api.GenerateRequest {
	return api.GenerateRequest{Prompt: prompt, MaxNewTokens: maxNew}
}

func newTestPipeline(t *testing.T, gen generator) *Pipeline {
	t.Helper()
	return &Pipeline{
		backend: "basic-cpu",
		config:  testConfig(),
		tok:     testTokenizer(t),
		gen:     gen,
	}
}

func TestCausalGeneratesUntilEOS(t *testing.T) {
	session := scriptedCausal(t, []int32{6, 7, 1})
	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, gen)
	resp, err := p.Generate(context.Background(), genRequest("ab", 0))
	if err != nil {
		t.Fatal(err)
	}

	if resp.Text != "cd" {
		t.Errorf("Text = %q, want %q", resp.Text, "cd")
	}
	if resp.TokensGenerated != 2 {
		t.Errorf("TokensGenerated = %d, want 2", resp.TokensGenerated)
	}
	if resp.Backend != "basic-cpu" {
		t.Errorf("Backend = %q", resp.Backend)
	}
	if session.steps != 3 {
		t.Errorf("forward passes = %d, want 3", session.steps)
	}
}

func TestCausalPastGrowsOneTokenPerStep(t *testing.T) {
	var pastLens []int64
	session := scriptedCausal(t, []int32{6, 6, 6, 1})
	base := session.onRun
	session.onRun = func(step int, feeds map[string]*ml.Tensor) (map[string]*ml.Tensor, error) {
		pastLens = append(pastLens, feeds["past_key_values.0.key"].Dim(2))
		return base(step, feeds)
	}

	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, gen)
	if _, err := p.Generate(context.Background(), genRequest("ab", 0)); err != nil {
		t.Fatal(err)
	}

	// prompt of 2, then one token per step
	want := []int64{0, 2, 3, 4}
	if len(pastLens) != len(want) {
		t.Fatalf("steps = %d, want %d", len(pastLens), len(want))
	}
	for i, got := range pastLens {
		if got != want[i] {
			t.Errorf("step %d: past length = %d, want %d", i+1, got, want[i])
		}
	}
}

func TestCausalMaxNewTokens(t *testing.T) {
	session := scriptedCausal(t, []int32{6, 6, 6, 6, 6, 6})
	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, gen)
	resp, err := p.Generate(context.Background(), genRequest("a", 4))
	if err != nil {
		t.Fatal(err)
	}

	if resp.Text != "cccc" {
		t.Errorf("Text = %q, want %q", resp.Text, "cccc")
	}
	if resp.TokensGenerated != 4 {
		t.Errorf("TokensGenerated = %d, want 4", resp.TokensGenerated)
	}
}

func TestCausalStopSequence(t *testing.T) {
	session := scriptedCausal(t, []int32{6, 7, 6, 6, 6})
	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	req := genRequest("a", 0)
	req.Stop = []string{"cd"}

	p := newTestPipeline(t, gen)
	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if resp.Text != "cd" {
		t.Errorf("Text = %q, want %q", resp.Text, "cd")
	}
	if session.steps != 2 {
		t.Errorf("forward passes = %d, want 2", session.steps)
	}
}

func TestCausalPositionIDs(t *testing.T) {
	var positions [][]int64
	session := scriptedCausal(t, []int32{6, 6, 1})
	session.inputs = append(session.inputs, "position_ids")
	base := session.onRun
	session.onRun = func(step int, feeds map[string]*ml.Tensor) (map[string]*ml.Tensor, error) {
		positions = append(positions, feeds["position_ids"].I64)
		return base(step, feeds)
	}

	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, gen)
	if _, err := p.Generate(context.Background(), genRequest("ab", 0)); err != nil {
		t.Fatal(err)
	}

	want := [][]int64{{0, 1}, {2}, {3}}
	if len(positions) != len(want) {
		t.Fatalf("steps = %d, want %d", len(positions), len(want))
	}
	for i := range want {
		if len(positions[i]) != len(want[i]) {
			t.Fatalf("step %d: positions %v, want %v", i+1, positions[i], want[i])
		}
		for j := range want[i] {
			if positions[i][j] != want[i][j] {
				t.Errorf("step %d: positions %v, want %v", i+1, positions[i], want[i])
			}
		}
	}
}

func TestCancellationYieldsNoPartialResult(t *testing.T) {
	session := scriptedCausal(t, []int32{6, 6, 6, 6, 6, 6, 6, 6})
	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestPipeline(t, gen)
	resp, err := p.GenerateWithCallback(ctx, genRequest("a", 0), func(ev api.TokenEvent) {
		if ev.Index == 2 {
			cancel()
		}
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if resp != nil {
		t.Errorf("got partial response %+v, want nil", resp)
	}
}

func TestStreamStopsWhenConsumerBreaks(t *testing.T) {
	session := scriptedCausal(t, []int32{6, 6, 6, 6, 6, 6})
	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, gen)
	var events int
	for ev, err := range p.Stream(context.Background(), genRequest("a", 0)) {
		if err != nil {
			t.Fatal(err)
		}
		events++
		if ev.Index == 1 {
			break
		}
	}

	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
	if session.steps != 2 {
		t.Errorf("forward passes = %d, want 2", session.steps)
	}
}

func TestCausalRejectsGraphWithoutCacheInputs(t *testing.T) {
	session := &fakeSession{inputs: []string{"input_ids", "attention_mask"}}
	if _, err := newCausal(session, testTokenizer(t), testConfig()); err == nil {
		t.Error("expected error for graph without cache inputs")
	}
}
