package tokenizer

import (
	"strings"
	"sync"
)

const (
	StartOfText = "<|startoftext|>"
	EndOfText   = "<|endoftext|>"

	// wordEnd marks the final symbol of a word so merges can
	// distinguish word-internal from word-final occurrences.
	wordEnd = "</w>"
)

type Vocabulary struct {
	Values []string
	Merges []string

	SOT, EOT int32

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	merge     map[string]int32
}

// FromMerges builds the vocabulary the way the bpe vocab files are laid
// out: the byte alphabet, the byte alphabet with word-end markers, one
// token per merge rule, then the two specials.
func FromMerges(merges []string) *Vocabulary {
	symbols := byteSymbols()

	values := make([]string, 0, 2*len(symbols)+len(merges)+2)
	values = append(values, symbols...)
	for _, s := range symbols {
		values = append(values, s+wordEnd)
	}
	for _, m := range merges {
		left, right, _ := strings.Cut(m, " ")
		values = append(values, left+right)
	}
	values = append(values, StartOfText, EndOfText)

	return &Vocabulary{
		Values: values,
		Merges: merges,
		SOT:    int32(len(values) - 2),
		EOT:    int32(len(values) - 1),
	}
}

func (v *Vocabulary) Len() int {
	return len(v.Values)
}

func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i)
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}
	return v.Values[id]
}

// Merge returns the rank of a merge rule, or -1 when the pair never
// merges. Lower ranks merge first.
func (v *Vocabulary) Merge(left, right string) int {
	v.mergeOnce.Do(func() {
		v.merge = make(map[string]int32, len(v.Merges))
		for i, merge := range v.Merges {
			v.merge[merge] = int32(i)
		}
	})

	if id, ok := v.merge[left+" "+right]; ok {
		return int(id)
	}

	return -1
}
