// Package registry acquires model files: manifest parsing, chunked
// resumable downloads with digest verification, and a persistent blob
// cache consulted before any network request.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Manifest lists the files that make up one model version.
type Manifest struct {
	ModelID       string `json:"model_id"`
	Version       string `json:"version"`
	TokenizerFile string `json:"tokenizer_file"`
	ConfigFile    string `json:"config_file"`
	Files         []File `json:"files"`
}

// File is one downloadable model file. Files exceeding the registry's blob
// size limit are split into shards which are fetched in order and
// reassembled; SHA256 then covers the reassembled bytes.
type File struct {
	Filename  string  `json:"filename"`
	SizeBytes int64   `json:"size_bytes"`
	SHA256    string  `json:"sha256"`
	Required  bool    `json:"required"`
	Shards    []Shard `json:"shards,omitempty"`
}

// Shard is one piece of a split file.
type Shard struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256,omitempty"`
}

// ParseManifest decodes and validates manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if m.ModelID == "" {
		return nil, errors.New("manifest: missing model_id")
	}
	if m.Version == "" {
		return nil, errors.New("manifest: missing version")
	}
	if len(m.Files) == 0 {
		return nil, errors.New("manifest: no files")
	}

	for _, f := range m.Files {
		if f.Filename == "" {
			return nil, errors.New("manifest: file with empty filename")
		}
		if f.SHA256 != "" && !validDigest(f.SHA256) {
			return nil, fmt.Errorf("manifest: invalid digest %q for %s", f.SHA256, f.Filename)
		}
		for _, s := range f.Shards {
			if s.SHA256 != "" && !validDigest(s.SHA256) {
				return nil, fmt.Errorf("manifest: invalid digest %q for shard %s", s.SHA256, s.Filename)
			}
		}
	}

	return &m, nil
}

// File returns the entry for filename, or nil.
func (m *Manifest) File(filename string) *File {
	for i := range m.Files {
		if m.Files[i].Filename == filename {
			return &m.Files[i]
		}
	}
	return nil
}

// TotalSize returns the sum of all file sizes in bytes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.SizeBytes
	}
	return total
}

// validDigest reports whether s looks like "sha256:<64 hex chars>", the
// digest format the model export pipeline emits.
func validDigest(s string) bool {
	hex, ok := strings.CutPrefix(s, "sha256:")
	if !ok || len(hex) != 64 {
		return false
	}
	for _, c := range hex {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
