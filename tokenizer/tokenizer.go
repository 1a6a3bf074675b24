// Package tokenizer converts between text and token ids using a byte-level
// BPE vocabulary with merge rules and priority-ordered special tokens.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/goccy/go-json"
)

// ErrNotInitialized is returned when Encode or Decode is called before a
// vocabulary has been loaded.
var ErrNotInitialized = errors.New("tokenizer: not initialized")

// Tokenizer encodes text to token ids and back. Safe for concurrent use
// after Load completes.
type Tokenizer struct {
	vocab        *Vocabulary
	pretokenizer *regexp2.Regexp
}

// vocabFile is the on-disk vocabulary format, a subset of the huggingface
// tokenizer.json layout the export pipeline produces.
type vocabFile struct {
	Model struct {
		Vocab  map[string]int32 `json:"vocab"`
		Merges []string         `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PreTokenizer *struct {
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pre_tokenizer,omitempty"`
}

// Load parses a vocabulary source and returns a ready tokenizer.
func Load(data []byte) (*Tokenizer, error) {
	var file vocabFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing vocabulary: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, errors.New("tokenizer: empty vocabulary")
	}

	maxID := int32(-1)
	for _, id := range file.Model.Vocab {
		if id > maxID {
			maxID = id
		}
	}
	for _, added := range file.AddedTokens {
		if added.ID > maxID {
			maxID = added.ID
		}
	}

	vocab := &Vocabulary{
		Values: make([]string, maxID+1),
		Merges: file.Model.Merges,
	}
	for value, id := range file.Model.Vocab {
		vocab.Values[id] = value
	}
	for _, added := range file.AddedTokens {
		vocab.Values[added.ID] = added.Content
		if added.Special {
			vocab.Special = append(vocab.Special, SpecialToken{ID: added.ID, Content: added.Content})
		}
	}

	pattern := defaultPretokenizer
	if file.PreTokenizer != nil && file.PreTokenizer.Pattern.Regex != "" {
		pattern = file.PreTokenizer.Pattern.Regex
	}
	pretokenizer, err := regexp2.Compile(pattern, regexp2.Unicode|regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("compiling pretokenizer: %w", err)
	}

	return &Tokenizer{vocab: vocab, pretokenizer: pretokenizer}, nil
}

// Encode converts text to token ids. Special tokens are matched first,
// longest match winning; remaining text is byte-pair encoded.
func (t *Tokenizer) Encode(s string) ([]int32, error) {
	if t == nil || t.vocab == nil {
		return nil, ErrNotInitialized
	}

	var ids []int32
	for _, frag := range splitSpecialTokens(s, t.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		parts, err := t.split(frag.value)
		if err != nil {
			return nil, err
		}
		for _, part := range parts {
			ids = append(ids, t.bpe(part)...)
		}
	}

	return ids, nil
}

// Decode converts token ids back to text, skipping ids with no mapping.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	if t == nil || t.vocab == nil {
		return "", ErrNotInitialized
	}

	var sb strings.Builder
	for _, id := range ids {
		value := t.vocab.Decode(id)
		if value == "" {
			continue
		}
		if t.vocab.SpecialID(value) >= 0 {
			sb.WriteString(value)
			continue
		}
		for _, r := range value {
			if b, ok := runeToByte(r); ok {
				// raw byte, not its UTF-8 encoding
				sb.WriteByte(b)
			}
		}
	}

	return sb.String(), nil
}

// SpecialTokenID returns the id of a special token by content, or -1 if
// the tokenizer doesn't know it.
func (t *Tokenizer) SpecialTokenID(content string) int32 {
	if t == nil || t.vocab == nil {
		return -1
	}
	return t.vocab.SpecialID(content)
}

// VocabSize returns the vocabulary size including special tokens.
func (t *Tokenizer) VocabSize() int {
	if t == nil || t.vocab == nil {
		return 0
	}
	return len(t.vocab.Values)
}
