// Package tokenizer implements the byte-level bpe text tokenizer used
// for caption conditioning: lowercased input, word-terminal merge
// symbols, and fixed-length id rows bracketed by start and end tokens.
package tokenizer

import (
	"cmp"
	"fmt"
	"iter"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

const defaultPretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`

type Tokenizer struct {
	vocab *Vocabulary
	re    *regexp2.Regexp
}

func New(vocab *Vocabulary, pretokenizers ...string) *Tokenizer {
	pattern := defaultPretokenizer
	if len(pretokenizers) > 0 {
		pattern = strings.Join(pretokenizers, "|")
	}

	return &Tokenizer{
		vocab: vocab,
		re:    regexp2.MustCompile(pattern, regexp2.IgnoreCase),
	}
}

func (t *Tokenizer) Vocabulary() *Vocabulary {
	return t.vocab
}

// byteRune maps a raw byte to its printable stand-in rune. Bytes that
// are already printable latin-1 map to themselves; the rest shift into
// an unused range above 0x0100.
func byteRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		r = 0x0143
	case r <= 0x0020:
		r = r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		r = r + 0x00a2
	}
	return r
}

func runeByte(r rune) (byte, bool) {
	switch {
	case r == 0x0143:
		return 0x00ad, true
	case r > 0x0100 && r <= 0x0120:
		return byte(r - 0x0100), true
	case r > 0x0120 && r <= 0x0142:
		return byte(r - 0x00a2), true
	case r <= 0x00ff:
		return byte(r), true
	}
	return 0, false
}

// byteSymbols lists the stand-in symbol for every byte, printable bytes
// first, in the order the bpe vocab files assign ids.
func byteSymbols() []string {
	seen := make(map[byte]bool, 256)
	symbols := make([]string, 0, 256)

	for _, span := range [][2]byte{{'!', '~'}, {0xa1, 0xac}, {0xae, 0xff}} {
		for b := span[0]; ; b++ {
			seen[b] = true
			symbols = append(symbols, string(rune(b)))
			if b == span[1] {
				break
			}
		}
	}

	for i := 0; i < 256; i++ {
		if b := byte(i); !seen[b] {
			symbols = append(symbols, string(byteRune(b)))
		}
	}

	return symbols
}

// clean collapses runs of whitespace and lowercases, matching how
// captions are normalized before encoding.
func clean(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (t *Tokenizer) split(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		r := []rune(s)
		for m, _ := t.re.FindRunesMatch(r); m != nil; m, _ = t.re.FindNextMatch(m) {
			if !yield(m.String()) {
				return
			}
		}
	}
}

// pair is a candidate merge between two live symbols and its rank
type pair struct {
	a, b  int
	rank  int
	value string
}

type symbol struct {
	p, n  int
	value string
}

// Encode maps a caption to bpe token ids, without start or end markers.
func (t *Tokenizer) Encode(s string) []int32 {
	var ids []int32
	for word := range t.split(clean(s)) {
		var sb strings.Builder
		for _, b := range []byte(word) {
			sb.WriteRune(byteRune(b))
		}

		// short circuit if the whole word is in the vocabulary
		if id := t.vocab.Encode(sb.String() + wordEnd); id >= 0 {
			ids = append(ids, id)
			continue
		}

		runes := []rune(sb.String())
		symbols := make([]symbol, len(runes))
		for i := range runes {
			symbols[i] = symbol{p: i - 1, n: i + 1, value: string(runes[i])}
		}
		symbols[len(symbols)-1].value += wordEnd

		pairwise := func(a, b int) *pair {
			if a < 0 || b >= len(symbols) {
				return nil
			}

			left, right := symbols[a].value, symbols[b].value
			rank := t.vocab.Merge(left, right)
			if rank < 0 {
				return nil
			}

			return &pair{a: a, b: b, rank: rank, value: left + right}
		}

		pairs := heap.NewWith(func(i, j *pair) int {
			return cmp.Compare(i.rank, j.rank)
		})

		for i := range len(symbols) - 1 {
			if pair := pairwise(i, i+1); pair != nil {
				pairs.Push(pair)
			}
		}

		for !pairs.Empty() {
			pair, _ := pairs.Pop()

			left, right := symbols[pair.a], symbols[pair.b]
			if left.value == "" || right.value == "" || left.value+right.value != pair.value {
				continue
			}

			symbols[pair.a].value = pair.value
			symbols[pair.b].value = ""

			symbols[pair.a].n = right.n
			if right.n < len(symbols) {
				symbols[right.n].p = pair.a
			}

			if pair := pairwise(symbols[pair.a].p, pair.a); pair != nil {
				pairs.Push(pair)
			}

			if pair := pairwise(pair.a, symbols[pair.a].n); pair != nil {
				pairs.Push(pair)
			}
		}

		for _, sym := range symbols {
			if sym.value == "" {
				continue
			}
			if id := t.vocab.Encode(sym.value); id >= 0 {
				ids = append(ids, id)
			}
		}
	}

	return ids
}

// Decode maps token ids back to text. Start and end ids are dropped
// and word-end markers become spaces. Padding ids are ordinary
// vocabulary entries here; callers slice a row to its valid length
// before decoding.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == t.vocab.SOT || id == t.vocab.EOT {
			continue
		}

		value := t.vocab.Decode(id)
		for _, part := range strings.SplitAfter(value, wordEnd) {
			trimmed := strings.TrimSuffix(part, wordEnd)
			for _, r := range trimmed {
				if b, ok := runeByte(r); ok {
					sb.WriteByte(b)
				}
			}
			if part != trimmed {
				sb.WriteByte(' ')
			}
		}
	}

	return strings.TrimRight(sb.String(), " ")
}

// Tokenize encodes a batch of captions into fixed-length id rows. Each
// row is SOT, the caption's bpe ids, EOT, then zero padding; captions
// longer than the context are truncated so the end token always fits.
// The returned lengths count the meaningful ids per row, markers
// included, and never exceed the context length.
func (t *Tokenizer) Tokenize(captions []string, contextLength int) ([][]int32, []int32, error) {
	if contextLength < 2 {
		return nil, nil, fmt.Errorf("tokenizer: context length %d cannot hold the start and end tokens", contextLength)
	}

	rows := make([][]int32, len(captions))
	lengths := make([]int32, len(captions))
	for i, caption := range captions {
		ids := t.Encode(caption)
		if len(ids) > contextLength-2 {
			ids = ids[:contextLength-2]
		}

		row := make([]int32, contextLength)
		row[0] = t.vocab.SOT
		copy(row[1:], ids)
		row[1+len(ids)] = t.vocab.EOT

		rows[i] = row
		lengths[i] = int32(len(ids) + 2)
	}

	return rows, lengths, nil
}
