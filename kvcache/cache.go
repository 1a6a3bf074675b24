// Package kvcache implements the attention cache protocol between the
// generators and the tensor executor: each step's "present" outputs become
// the next step's "past" inputs under a fixed naming convention.
package kvcache

import (
	"strings"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/ml"
)

const (
	inputPrefix  = "past_key_values."
	outputPrefix = "present."
)

// Entry is one cache slot: a past input name, the present output that
// refills it, and whether it belongs to cross attention. Cross attention
// entries are computed once from the encoder pass and never grow.
type Entry struct {
	Input  string
	Output string
	Cross  bool
}

// Layout is the set of cache slots a model graph declares.
type Layout struct {
	Entries []Entry
}

// Detect introspects the graph's declared input names for the past key
// value family. A graph with no such inputs does not match the generator's
// assumptions and fails with ConfigMismatchError rather than being
// retried.
func Detect(inputs []string) (*Layout, error) {
	var entries []Entry
	for _, name := range inputs {
		suffix, ok := strings.CutPrefix(name, inputPrefix)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Input:  name,
			Output: outputPrefix + suffix,
			Cross:  strings.Contains(suffix, ".encoder."),
		})
	}

	if len(entries) == 0 {
		return nil, &api.ConfigMismatchError{Name: inputPrefix + "*"}
	}

	return &Layout{Entries: entries}, nil
}

// SelfEntries returns the entries that grow with the decoded sequence.
func (l *Layout) SelfEntries() []Entry {
	var self []Entry
	for _, e := range l.Entries {
		if !e.Cross {
			self = append(self, e)
		}
	}
	return self
}

// Cache owns the attention tensors for one in-flight generation call. It
// must never be shared between calls and never reused after the call
// finishes.
type Cache struct {
	layout   *Layout
	numHeads int64
	headDim  int64

	tensors map[string]*ml.Tensor // keyed by input name
	steps   int
}

func New(layout *Layout, numHeads, headDim int) *Cache {
	return &Cache{
		layout:   layout,
		numHeads: int64(numHeads),
		headDim:  int64(headDim),
		tensors:  make(map[string]*ml.Tensor, len(layout.Entries)),
	}
}

// Feeds returns the past tensors for the coming step. Before the first
// step every slot is an explicit zero-length placeholder whose shape is
// known from the model config.
func (c *Cache) Feeds() []*ml.Tensor {
	feeds := make([]*ml.Tensor, 0, len(c.layout.Entries))
	for _, e := range c.layout.Entries {
		if t, ok := c.tensors[e.Input]; ok {
			feeds = append(feeds, t)
			continue
		}
		feeds = append(feeds, ml.NewF32(e.Input, []int64{1, c.numHeads, 0, c.headDim}, nil))
	}
	return feeds
}

// Update consumes one step's outputs. Present tensors replace the stored
// past for every self attention slot; cross attention slots keep their
// first value. A missing present output is a configuration error, not a
// retry condition.
func (c *Cache) Update(outputs map[string]*ml.Tensor) error {
	for _, e := range c.layout.Entries {
		if e.Cross {
			if _, ok := c.tensors[e.Input]; ok {
				// merged decoder graphs emit garbage cross tensors on
				// cached steps, the first step's stay authoritative
				continue
			}
		}

		present, ok := outputs[e.Output]
		if !ok {
			return &api.ConfigMismatchError{Name: e.Output}
		}

		c.tensors[e.Input] = &ml.Tensor{
			Name:  e.Input,
			Shape: present.Shape,
			F32:   present.F32,
			I64:   present.I64,
			Bool:  present.Bool,
		}
	}

	c.steps++
	return nil
}

// SeqLen returns the current self attention sequence length.
func (c *Cache) SeqLen() int64 {
	for _, e := range c.layout.Entries {
		if e.Cross {
			continue
		}
		if t, ok := c.tensors[e.Input]; ok {
			return t.Dim(2)
		}
	}
	return 0
}

// Steps returns how many forward passes have updated the cache. It drives
// the use_cache_branch flag on merged decoder graphs.
func (c *Cache) Steps() int { return c.steps }
