package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/discover"
	"github.com/strideapp/localinfer/envconfig"
	"github.com/strideapp/localinfer/ml"
	"github.com/strideapp/localinfer/registry"
	"github.com/strideapp/localinfer/tokenizer"
)

// Model graph filenames the export pipeline emits. Encoder-decoder
// exports ship a split encoder/decoder pair; the merged decoder is the
// fallback when the split decoder was not packaged.
const (
	causalModelFile      = "model.onnx"
	encoderModelFile     = "encoder_model.onnx"
	decoderModelFile     = "decoder_model.onnx"
	mergedDecoderFile    = "decoder_model_merged.onnx"
	generationConfigFile = "generation_config.json"
)

// SessionFactory creates one executor session for a model graph on a
// backend.
type SessionFactory func(modelData []byte, backend discover.Backend) (ml.Session, error)

// LoadOptions configures pipeline construction.
type LoadOptions struct {
	Manifest *registry.Manifest
	Client   *registry.Client

	// Download configures file acquisition, including the progress
	// callback that also receives the session creation phases.
	Download registry.Options

	// Preferred overrides backend ranking. Empty falls back to
	// LOCALINFER_BACKEND, then to capability ranking.
	Preferred discover.Backend

	// Capabilities skips host probing when set. Nil probes.
	Capabilities *discover.Capabilities

	// NewSession defaults to ml.NewSession.
	NewSession SessionFactory
}

// Pipeline is one loaded model: sessions, tokenizer, and config. The
// backend is fixed at construction and never read from ambient state.
//
// A Pipeline serializes its generation calls; run concurrent calls on
// separate Pipeline instances. Dispose during an active call marks the
// pipeline unusable immediately and releases the sessions when the call
// finishes.
type Pipeline struct {
	backend    discover.Backend
	caps       discover.Capabilities
	newSession SessionFactory
	downgraded bool

	config   *ModelConfig
	tok      *tokenizer.Tokenizer
	gen      generator
	sessions []ml.Session

	loadDuration time.Duration

	// genMu serializes generation calls and is held across consumer
	// yields; mu guards the load state and is never held while yielding
	genMu    sync.Mutex
	mu       sync.Mutex
	disposed bool
	active   bool
}

// Load acquires model files, builds the tokenizer and config, and creates
// executor sessions for the selected backend. Download and parse errors
// abort construction; a gpu session failure downgrades to the best CPU
// path exactly once.
func Load(ctx context.Context, opts LoadOptions) (*Pipeline, error) {
	start := time.Now()

	if opts.Manifest == nil || opts.Client == nil {
		return nil, errors.New("runner: manifest and client are required")
	}

	var caps discover.Capabilities
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	} else {
		caps = discover.Detect(ctx)
	}

	preferred := opts.Preferred
	if preferred == "" {
		preferred = discover.Backend(envconfig.Backend)
	}
	backend := discover.SelectBackend(caps, preferred, opts.Manifest.TotalSize())

	// the pipeline owns the terminal progress phases, so the download
	// layer's completion event is withheld from the caller
	progress := opts.Download.Progress
	download := opts.Download
	if progress != nil {
		download.Progress = func(p api.Progress) {
			if p.Phase != api.PhaseComplete {
				progress(p)
			}
		}
	}
	total := opts.Manifest.TotalSize()
	report := func(phase api.ProgressPhase) {
		if progress != nil {
			progress(api.Progress{Loaded: total, Total: total, Phase: phase})
		}
	}

	files, err := opts.Client.LoadModelFiles(ctx, opts.Manifest, download)
	if err != nil {
		return nil, err
	}

	configData, ok := files[opts.Manifest.ConfigFile]
	if !ok {
		return nil, fmt.Errorf("manifest: config file %q not listed", opts.Manifest.ConfigFile)
	}
	config, err := ParseModelConfig(configData, files[generationConfigFile])
	if err != nil {
		return nil, err
	}

	vocabData, ok := files[opts.Manifest.TokenizerFile]
	if !ok {
		return nil, fmt.Errorf("manifest: tokenizer file %q not listed", opts.Manifest.TokenizerFile)
	}
	tok, err := tokenizer.Load(vocabData)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		backend:    backend,
		caps:       caps,
		newSession: opts.NewSession,
		config:     config,
		tok:        tok,
	}
	if p.newSession == nil {
		p.newSession = ml.NewSession
	}

	report(api.PhaseSessionCreating)
	if err := p.buildGenerator(opts.Manifest, files); err != nil {
		_ = p.Dispose()
		return nil, err
	}
	report(api.PhaseComplete)

	p.loadDuration = time.Since(start)
	slog.Info("model loaded", "model", opts.Manifest.ModelID,
		"version", opts.Manifest.Version, "backend", p.backend,
		"load", p.loadDuration)
	return p, nil
}

func (p *Pipeline) buildGenerator(m *registry.Manifest, files map[string][]byte) error {
	if p.config.EncoderDecoder || m.File(encoderModelFile) != nil {
		encData, ok := files[encoderModelFile]
		if !ok {
			return fmt.Errorf("manifest: missing %s", encoderModelFile)
		}

		// fall back to the merged graph only when the split decoder was
		// never packaged; a corrupt or failing split decoder surfaces its
		// own error
		decFile := decoderModelFile
		decData, ok := files[decFile]
		if !ok {
			decFile = mergedDecoderFile
			if decData, ok = files[decFile]; !ok {
				return fmt.Errorf("manifest: missing %s and %s", decoderModelFile, mergedDecoderFile)
			}
			slog.Debug("split decoder not packaged, using merged graph")
		}

		encoder, err := p.createSession(encData)
		if err != nil {
			return err
		}
		p.sessions = append(p.sessions, encoder)

		decoder, err := p.createSession(decData)
		if err != nil {
			return err
		}
		p.sessions = append(p.sessions, decoder)

		gen, err := newSeq2Seq(encoder, decoder, p.tok, p.config)
		if err != nil {
			return err
		}
		p.gen = gen
		return nil
	}

	data, ok := files[causalModelFile]
	if !ok {
		// single-graph models may carry a model-specific filename
		for _, f := range m.Files {
			if strings.HasSuffix(f.Filename, ".onnx") {
				data, ok = files[f.Filename], true
				break
			}
		}
		if !ok {
			return fmt.Errorf("manifest: no model graph file")
		}
	}

	session, err := p.createSession(data)
	if err != nil {
		return err
	}
	p.sessions = append(p.sessions, session)

	gen, err := newCausal(session, p.tok, p.config)
	if err != nil {
		return err
	}
	p.gen = gen
	return nil
}

// createSession makes one executor session, downgrading gpu to the best
// CPU path exactly once per pipeline. Later sessions reuse the downgraded
// backend so both halves of a split model run on the same path.
func (p *Pipeline) createSession(data []byte) (ml.Session, error) {
	session, err := p.newSession(data, p.backend)
	if err == nil {
		return session, nil
	}

	var unavailable *api.BackendUnavailableError
	if p.backend == discover.BackendGPU && !p.downgraded && errors.As(err, &unavailable) {
		fallback := discover.BackendBasic
		if p.caps.SIMD {
			fallback = discover.BackendSIMD
		}
		slog.Warn("gpu backend unavailable, downgrading", "to", fallback, "error", err)

		p.backend = fallback
		p.downgraded = true
		return p.newSession(data, p.backend)
	}

	return nil, err
}

// Backend returns the execution backend the pipeline ended up on.
func (p *Pipeline) Backend() discover.Backend { return p.backend }

// Config returns the loaded model configuration.
func (p *Pipeline) Config() *ModelConfig { return p.config }

// Tokenizer returns the loaded tokenizer.
func (p *Pipeline) Tokenizer() *tokenizer.Tokenizer { return p.tok }

// Stream runs one generation call and returns its token events as a
// lazy sequence. A non-nil error is the sequence's final element;
// cancellation surfaces as context.Canceled. Breaking out of the
// iteration stops decoding.
func (p *Pipeline) Stream(ctx context.Context, req api.GenerateRequest) iter.Seq2[api.TokenEvent, error] {
	return func(yield func(api.TokenEvent, error) bool) {
		p.genMu.Lock()
		defer p.genMu.Unlock()

		p.mu.Lock()
		if p.disposed || p.gen == nil {
			p.mu.Unlock()
			yield(api.TokenEvent{}, api.ErrNotLoaded)
			return
		}
		gen := p.gen
		p.active = true
		p.mu.Unlock()

		// a Dispose issued by the consumer mid-iteration defers session
		// teardown to here
		defer func() {
			p.mu.Lock()
			p.active = false
			var sessions []ml.Session
			if p.disposed {
				sessions = p.sessions
				p.sessions = nil
			}
			p.mu.Unlock()

			for _, s := range sessions {
				if err := s.Close(); err != nil {
					slog.Warn("closing session failed", "error", err)
				}
			}
		}()

		call := uuid.NewString()
		start := time.Now()
		slog.Debug("generation started", "call", call, "backend", p.backend)

		stopped := false
		n, err := gen.generate(ctx, req, func(ev api.TokenEvent) bool {
			if !yield(ev, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil {
			slog.Debug("generation aborted", "call", call, "error", err)
			if !stopped {
				yield(api.TokenEvent{}, err)
			}
			return
		}

		slog.Debug("generation complete", "call", call,
			"tokens", n, "elapsed", time.Since(start))
	}
}

// Generate runs one generation call to completion and returns the
// collected text with timing stats. Cancellation returns the context
// error and no partial result.
func (p *Pipeline) Generate(ctx context.Context, req api.GenerateRequest) (*api.GenerateResponse, error) {
	return p.GenerateWithCallback(ctx, req, nil)
}

// GenerateWithCallback is Generate with a per-token callback for callers
// that want both streaming side effects and the final response.
func (p *Pipeline) GenerateWithCallback(ctx context.Context, req api.GenerateRequest, fn func(api.TokenEvent)) (*api.GenerateResponse, error) {
	start := time.Now()

	var text strings.Builder
	var tokens int
	for ev, err := range p.Stream(ctx, req) {
		if err != nil {
			return nil, err
		}
		text.WriteString(ev.Text)
		tokens++
		if fn != nil {
			fn(ev)
		}
	}

	return &api.GenerateResponse{
		Text:            text.String(),
		TokensGenerated: tokens,
		Backend:         string(p.backend),
		LoadDuration:    p.loadDuration,
		TotalDuration:   time.Since(start),
	}, nil
}

// Dispose releases the executor sessions. Generation calls after Dispose
// fail with ErrNotLoaded. Called during an active generation call (from
// its consumer, say), Dispose returns immediately and the sessions are
// released when that call finishes.
func (p *Pipeline) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil
	}
	p.disposed = true
	p.gen = nil

	if p.active {
		return nil
	}

	var errs []error
	for _, s := range p.sessions {
		errs = append(errs, s.Close())
	}
	p.sessions = nil

	return errors.Join(errs...)
}
