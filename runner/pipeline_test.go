package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/discover"
	"github.com/strideapp/localinfer/ml"
	"github.com/strideapp/localinfer/registry"
)

func TestCreateSessionDowngradesOnce(t *testing.T) {
	var calls []discover.Backend
	p := &Pipeline{
		backend: discover.BackendGPU,
		caps:    discover.Capabilities{GPU: true, SIMD: true},
		newSession: func(data []byte, backend discover.Backend) (ml.Session, error) {
			calls = append(calls, backend)
			if backend == discover.BackendGPU {
				return nil, &api.BackendUnavailableError{Backend: string(backend), Err: errors.New("no device")}
			}
			return &fakeSession{}, nil
		},
	}

	session, err := p.createSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	if session == nil {
		t.Fatal("nil session")
	}

	want := []discover.Backend{discover.BackendGPU, discover.BackendSIMD}
	if !slices.Equal(calls, want) {
		t.Errorf("factory calls = %v, want %v", calls, want)
	}
	if p.Backend() != discover.BackendSIMD {
		t.Errorf("backend = %s, want %s", p.Backend(), discover.BackendSIMD)
	}
}

func TestCreateSessionDowngradeTargetsBasicWithoutSIMD(t *testing.T) {
	p := &Pipeline{
		backend: discover.BackendGPU,
		caps:    discover.Capabilities{GPU: true},
		newSession: func(data []byte, backend discover.Backend) (ml.Session, error) {
			if backend == discover.BackendGPU {
				return nil, &api.BackendUnavailableError{Backend: string(backend), Err: errors.New("no device")}
			}
			return &fakeSession{}, nil
		},
	}

	if _, err := p.createSession(nil); err != nil {
		t.Fatal(err)
	}
	if p.Backend() != discover.BackendBasic {
		t.Errorf("backend = %s, want %s", p.Backend(), discover.BackendBasic)
	}
}

func TestCreateSessionDowngradeFailureIsFatal(t *testing.T) {
	var calls int
	p := &Pipeline{
		backend: discover.BackendGPU,
		caps:    discover.Capabilities{GPU: true, SIMD: true},
		newSession: func(data []byte, backend discover.Backend) (ml.Session, error) {
			calls++
			return nil, &api.BackendUnavailableError{Backend: string(backend), Err: errors.New("broken runtime")}
		},
	}

	_, err := p.createSession(nil)
	var unavailable *api.BackendUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want BackendUnavailableError", err)
	}
	if calls != 2 {
		t.Errorf("factory calls = %d, want 2 (one downgrade, no further retries)", calls)
	}
}

func TestCreateSessionNoDowngradeFromCPU(t *testing.T) {
	var calls int
	p := &Pipeline{
		backend: discover.BackendSIMD,
		caps:    discover.Capabilities{SIMD: true},
		newSession: func(data []byte, backend discover.Backend) (ml.Session, error) {
			calls++
			return nil, &api.BackendUnavailableError{Backend: string(backend), Err: errors.New("bad library")}
		},
	}

	if _, err := p.createSession(nil); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("factory calls = %d, want 1", calls)
	}
}

func TestGenerateAfterDispose(t *testing.T) {
	session := scriptedCausal(t, []int32{1})
	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, gen)
	p.sessions = []ml.Session{session}
	if err := p.Dispose(); err != nil {
		t.Fatal(err)
	}
	if !session.closed {
		t.Error("session not closed")
	}

	if _, err := p.Generate(context.Background(), genRequest("a", 0)); !errors.Is(err, api.ErrNotLoaded) {
		t.Errorf("err = %v, want ErrNotLoaded", err)
	}

	// disposing twice is a no-op
	if err := p.Dispose(); err != nil {
		t.Fatal(err)
	}
}

func TestDisposeDuringStream(t *testing.T) {
	session := scriptedCausal(t, []int32{6, 7, 1})
	gen, err := newCausal(session, testTokenizer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, gen)
	p.sessions = []ml.Session{session}

	// disposing from inside the iteration must not deadlock; the
	// in-flight call runs to completion and tears the sessions down
	var events int
	for ev, err := range p.Stream(context.Background(), genRequest("ab", 0)) {
		if err != nil {
			t.Fatal(err)
		}
		events++
		if ev.Index == 1 {
			if err := p.Dispose(); err != nil {
				t.Fatal(err)
			}
			if session.closed {
				t.Error("session closed while the call was still running")
			}
		}
	}
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}

	if !session.closed {
		t.Error("session not closed after the call finished")
	}
	if _, err := p.Generate(context.Background(), genRequest("ab", 0)); !errors.Is(err, api.ErrNotLoaded) {
		t.Errorf("err = %v, want ErrNotLoaded", err)
	}
}

const testModelConfig = `{
	"hidden_size": 8,
	"num_attention_heads": 2,
	"vocab_size": 8,
	"bos_token_id": 0,
	"eos_token_id": 1,
	"pad_token_id": 2
}`

func serveFiles(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path[1:]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testManifest(files map[string][]byte) *registry.Manifest {
	m := &registry.Manifest{
		ModelID:       "test-model",
		Version:       "1",
		TokenizerFile: "tokenizer.json",
		ConfigFile:    "config.json",
	}
	for name, data := range files {
		m.Files = append(m.Files, registry.File{
			Filename:  name,
			SizeBytes: int64(len(data)),
			Required:  true,
		})
	}
	return m
}

func testClient(t *testing.T) *registry.Client {
	t.Helper()
	cache, err := registry.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return registry.NewClient(cache)
}

func TestLoadCausalEndToEnd(t *testing.T) {
	files := map[string][]byte{
		"config.json":    []byte(testModelConfig),
		"tokenizer.json": []byte(testVocab),
		"model.onnx":     []byte("causal graph bytes"),
	}
	srv := serveFiles(t, files)

	var session *fakeSession
	var phases []api.ProgressPhase
	p, err := Load(context.Background(), LoadOptions{
		Manifest:     testManifest(files),
		Client:       testClient(t),
		Capabilities: &discover.Capabilities{SIMD: true},
		Download: registry.Options{
			BaseURL: srv.URL,
			Progress: func(pr api.Progress) {
				if n := len(phases); n == 0 || phases[n-1] != pr.Phase {
					phases = append(phases, pr.Phase)
				}
			},
		},
		NewSession: func(data []byte, backend discover.Backend) (ml.Session, error) {
			if string(data) != "causal graph bytes" {
				t.Errorf("factory got %d unexpected bytes", len(data))
			}
			if backend != discover.BackendSIMD {
				t.Errorf("backend = %s, want %s", backend, discover.BackendSIMD)
			}
			session = scriptedCausal(t, []int32{6, 7, 1})
			return session, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Dispose()

	if p.Backend() != discover.BackendSIMD {
		t.Errorf("backend = %s", p.Backend())
	}
	if phases[0] != api.PhaseInitializing {
		t.Errorf("first phase = %s", phases[0])
	}
	if phases[len(phases)-1] != api.PhaseComplete {
		t.Errorf("last phase = %s", phases[len(phases)-1])
	}
	if !slices.Contains(phases, api.PhaseSessionCreating) {
		t.Errorf("phases %v missing %s", phases, api.PhaseSessionCreating)
	}
	if n := slices.Index(phases, api.PhaseComplete); n != len(phases)-1 {
		t.Errorf("complete reported before the end: %v", phases)
	}

	resp, err := p.Generate(context.Background(), genRequest("ab", 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "cd" {
		t.Errorf("Text = %q, want %q", resp.Text, "cd")
	}
	if resp.LoadDuration <= 0 {
		t.Error("LoadDuration not recorded")
	}
}

func TestLoadFallsBackToMergedDecoder(t *testing.T) {
	config := []byte(`{
		"is_encoder_decoder": true,
		"hidden_size": 8,
		"num_attention_heads": 2,
		"vocab_size": 8,
		"eos_token_id": 1,
		"pad_token_id": 2,
		"decoder_start_token_id": 2
	}`)
	files := map[string][]byte{
		"config.json":               config,
		"tokenizer.json":            []byte(testVocab),
		"encoder_model.onnx":        []byte("ENC"),
		"decoder_model_merged.onnx": []byte("MERGED"),
	}
	srv := serveFiles(t, files)

	var loaded []string
	p, err := Load(context.Background(), LoadOptions{
		Manifest:     testManifest(files),
		Client:       testClient(t),
		Capabilities: &discover.Capabilities{SIMD: true},
		Download:     registry.Options{BaseURL: srv.URL},
		NewSession: func(data []byte, backend discover.Backend) (ml.Session, error) {
			loaded = append(loaded, string(data))
			switch string(data) {
			case "ENC":
				return scriptedEncoder(t), nil
			case "MERGED":
				return scriptedDecoder(t, []int32{4, 1}), nil
			}
			return nil, fmt.Errorf("unexpected model data %q", data)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Dispose()

	if !slices.Equal(loaded, []string{"ENC", "MERGED"}) {
		t.Errorf("sessions created from %v, want [ENC MERGED]", loaded)
	}

	resp, err := p.Generate(context.Background(), genRequest("a", 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "a" {
		t.Errorf("Text = %q, want %q", resp.Text, "a")
	}
}

func TestLoadMissingDecoder(t *testing.T) {
	files := map[string][]byte{
		"config.json":        []byte(`{"is_encoder_decoder": true, "hidden_size": 8, "num_attention_heads": 2, "eos_token_id": 1}`),
		"tokenizer.json":     []byte(testVocab),
		"encoder_model.onnx": []byte("ENC"),
	}
	srv := serveFiles(t, files)

	_, err := Load(context.Background(), LoadOptions{
		Manifest:     testManifest(files),
		Client:       testClient(t),
		Capabilities: &discover.Capabilities{},
		Download:     registry.Options{BaseURL: srv.URL},
		NewSession: func(data []byte, backend discover.Backend) (ml.Session, error) {
			return &fakeSession{}, nil
		},
	})
	if err == nil {
		t.Fatal("expected error for manifest without any decoder graph")
	}
}
