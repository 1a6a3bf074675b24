// Package api defines the types exchanged between the inference engine and
// its callers: generation requests and responses, streamed token events,
// load progress, and the engine's error taxonomy.
package api

import "time"

// GenerateRequest describes a single generation call. The zero value of an
// optional field means "use the model default"; Temperature and TopP use
// pointers because zero is a meaningful setting (greedy decoding).
type GenerateRequest struct {
	Prompt string `json:"prompt"`

	MaxNewTokens      int      `json:"max_new_tokens,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	MinP              float32  `json:"min_p,omitempty"`
	RepetitionPenalty float32  `json:"repetition_penalty,omitempty"`
	NoRepeatNGram     int      `json:"no_repeat_ngram,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Seed              int      `json:"seed,omitempty"`

	// TargetLanguage is the content of a language marker special token for
	// encoder-decoder translation models. Ignored when the tokenizer does
	// not know the token.
	TargetLanguage string `json:"target_language,omitempty"`
}

// GenerateResponse is the terminal result of a generation call.
type GenerateResponse struct {
	Text            string        `json:"text"`
	TokensGenerated int           `json:"tokens_generated"`
	Backend         string        `json:"backend"`
	LoadDuration    time.Duration `json:"load_duration,omitempty"`
	TotalDuration   time.Duration `json:"total_duration"`
}

// TokensPerSecond reports decode throughput for the call.
func (r GenerateResponse) TokensPerSecond() float64 {
	if r.TotalDuration <= 0 {
		return 0
	}
	return float64(r.TokensGenerated) / r.TotalDuration.Seconds()
}

// TokenEvent is one element of the generation stream.
type TokenEvent struct {
	// ID is the sampled token id.
	ID int32 `json:"id"`
	// Text is the decoded text for this token alone.
	Text string `json:"text"`
	// Index is the zero-based position of this token in the generated
	// sequence.
	Index int `json:"index"`
}

type ProgressPhase string

const (
	PhaseInitializing    ProgressPhase = "initializing"
	PhaseDownloading     ProgressPhase = "downloading"
	PhaseCaching         ProgressPhase = "caching"
	PhaseSessionCreating ProgressPhase = "session_creating"
	PhaseComplete        ProgressPhase = "complete"
)

// Progress reports model loading progress.
type Progress struct {
	Loaded int64         `json:"loaded"`
	Total  int64         `json:"total"`
	Phase  ProgressPhase `json:"phase,omitempty"`
	File   string        `json:"file,omitempty"`
}

// ProgressFunc receives Progress updates during model loading. It must not
// block for long; it is called between download chunks.
type ProgressFunc func(Progress)
