package tokenizer

import (
	"cmp"
	"strings"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

// defaultPretokenizer is the byte-level pretokenizer used when the
// vocabulary file doesn't declare one, matching the common GPT-2 pattern.
const defaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// split applies the pretokenizer, yielding words with their leading
// whitespace attached.
func (t *Tokenizer) split(s string) ([]string, error) {
	var parts []string
	var offset int
	r := []rune(s)
	for m, _ := t.pretokenizer.FindRunesMatch(r); m != nil; m, _ = t.pretokenizer.FindNextMatch(m) {
		if m.Index > offset {
			parts = append(parts, string(r[offset:m.Index]))
		}
		parts = append(parts, m.String())
		offset = m.Index + m.Length
	}
	if offset < len(r) {
		parts = append(parts, string(r[offset:]))
	}
	return parts, nil
}

// byteToRune maps a raw byte to its printable vocabulary rune. Byte-level
// vocabularies remap control and whitespace bytes into a printable range.
func byteToRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		return 0x0143
	case r <= 0x0020:
		return r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		return r + 0x00a2
	}
	return r
}

// runeToByte inverts byteToRune. The second return is false for the NULL
// placeholder, which has no byte.
func runeToByte(r rune) (byte, bool) {
	switch {
	case r == 0x0100:
		return 0, false
	case r == 0x0143:
		return 0x00ad, true
	case r > 0x0100 && r <= 0x0120:
		return byte(r - 0x0100), true
	case r > 0x0120 && r <= 0x0142:
		return byte(r - 0x00a2), true
	}
	return byte(r), true
}

// pair is a candidate merge between two neighbors and its rank.
type pair struct {
	a, b  int
	rank  int
	value string
}

// mergeNode is one element of the doubly linked merge list.
type mergeNode struct {
	p, n  int
	runes []rune
}

// bpe encodes a single pretokenized word by repeatedly applying the lowest
// ranked merge rule until none applies.
func (t *Tokenizer) bpe(word string) []int32 {
	var sb strings.Builder
	for _, b := range []byte(word) {
		sb.WriteRune(byteToRune(b))
	}

	// short circuit if the whole word is in the vocabulary
	if id := t.vocab.Encode(sb.String()); id >= 0 {
		return []int32{id}
	}

	runes := []rune(sb.String())
	merges := make([]mergeNode, len(runes))
	for i := range runes {
		merges[i] = mergeNode{p: i - 1, n: i + 1, runes: []rune{runes[i]}}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}

		left, right := string(merges[a].runes), string(merges[b].runes)
		rank := t.vocab.Merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Compare(i.rank, j.rank)
	})

	for i := 0; i < len(runes)-1; i++ {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := merges[pair.a], merges[pair.b]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			string(left.runes)+string(right.runes) != pair.value {
			// stale heap entry, one side already merged away
			continue
		}

		if id := t.vocab.Encode(pair.value); id < 0 {
			continue
		}

		merges[pair.a].runes = append(left.runes, right.runes...)
		merges[pair.b].runes = nil

		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}
		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var ids []int32
	for _, merge := range merges {
		if len(merge.runes) > 0 {
			if id := t.vocab.Encode(string(merge.runes)); id >= 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
