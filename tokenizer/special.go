package tokenizer

import (
	"slices"
	"strings"
)

// fragment is a run of text and, once resolved, its token ids.
type fragment struct {
	value string
	ids   []int32
}

// splitSpecialTokens splits s into fragments, extracting special tokens.
// Tokens are processed longest first so that at overlapping positions the
// longer token wins.
func splitSpecialTokens(s string, vocab *Vocabulary) []fragment {
	fragments := []fragment{{value: s}}
	for _, special := range vocab.SpecialVocabulary() {
		if !strings.Contains(s, special.Content) {
			continue
		}

		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			var middle []fragment
			switch idx := strings.Index(frag.value, special.Content); {
			case idx < 0:
				middle = append(middle, frag)
			case idx > 0:
				middle = append(middle, fragment{value: frag.value[:idx]})
				fallthrough
			default:
				middle = append(middle, fragment{value: special.Content, ids: []int32{special.ID}})
				if rest := frag.value[idx+len(special.Content):]; rest != "" {
					middle = append(middle, fragment{value: rest})
				}
			}

			fragments = slices.Replace(fragments, i, i+1, middle...)
		}
	}

	return fragments
}
