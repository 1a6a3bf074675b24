package tokenizer

import (
	"sort"
	"sync"
)

// Vocabulary is the bidirectional mapping between subword strings and token
// ids, plus the merge ranks and special tokens. Read-only after load; the
// reverse maps are built lazily.
type Vocabulary struct {
	Values  []string
	Merges  []string
	Special []SpecialToken

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	merge     map[string]int32

	specialOnce sync.Once
	special     []SpecialToken // sorted longest first
	specialIDs  map[string]int32
}

// SpecialToken is a reserved token recognized verbatim during encoding.
type SpecialToken struct {
	ID      int32
	Content string
}

// Encode returns the id for a subword, or -1.
func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			if value != "" {
				v.values[value] = int32(i)
			}
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}
	return -1
}

// Decode returns the subword for an id, or "" for ids with no mapping.
func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}
	return v.Values[id]
}

// Merge returns the rank of a merge rule, or -1 if the pair never merges.
func (v *Vocabulary) Merge(left, right string) int {
	v.mergeOnce.Do(func() {
		v.merge = make(map[string]int32, len(v.Merges))
		for i, merge := range v.Merges {
			v.merge[merge] = int32(i)
		}
	})

	if rank, ok := v.merge[left+" "+right]; ok {
		return int(rank)
	}
	return -1
}

// SpecialVocabulary returns the special tokens ordered longest first, so a
// shorter token never pre-empts a longer one at the same position.
func (v *Vocabulary) SpecialVocabulary() []SpecialToken {
	v.buildSpecial()
	return v.special
}

// SpecialID returns the id of a special token by its exact content, or -1.
func (v *Vocabulary) SpecialID(content string) int32 {
	v.buildSpecial()
	if id, ok := v.specialIDs[content]; ok {
		return id
	}
	return -1
}

func (v *Vocabulary) buildSpecial() {
	v.specialOnce.Do(func() {
		v.special = make([]SpecialToken, len(v.Special))
		copy(v.special, v.Special)
		sort.SliceStable(v.special, func(i, j int) bool {
			return len(v.special[i].Content) > len(v.special[j].Content)
		})

		v.specialIDs = make(map[string]int32, len(v.Special))
		for _, s := range v.Special {
			v.specialIDs[s.Content] = s.ID
		}
	})
}
