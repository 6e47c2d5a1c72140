package vqmm

import (
	"github.com/covq/covq/ml"
	"github.com/covq/covq/tokenizer"
)

// Samples collects one batch of qualitative outputs: the input images,
// every image reconstruction, and the reconstructed captions decoded
// back to text.
type Samples struct {
	Inputs     ml.Tensor
	TextInputs []string

	I2IRec ml.Tensor
	T2IRec ml.Tensor
	T2TRec []string
	I2TRec []string

	// comparison reconstructions that bypass the cluster
	I2INoMix ml.Tensor
	T2INoMix ml.Tensor
}

// LogSamples runs a full forward pass plus the no-mix comparisons and
// decodes the argmax token ids of both text branches back to captions,
// truncated to each example's valid length.
func (m *Model) LogSamples(ctx ml.Context, image, text ml.Tensor, validLens []int32, captions []string, tok *tokenizer.Tokenizer) *Samples {
	out := m.Forward(ctx, image, text, validLens)
	i2iNoMix, t2iNoMix := m.ForwardNoMix(ctx, image, text, validLens)

	return &Samples{
		Inputs:     image,
		TextInputs: captions,
		I2IRec:     out.I2I,
		T2IRec:     out.T2I,
		T2TRec:     decodeLogits(out.T2T, validLens, tok),
		I2TRec:     decodeLogits(out.I2T, validLens, tok),
		I2INoMix:   i2iNoMix,
		T2INoMix:   t2iNoMix,
	}
}

// decodeLogits maps (b, l, vocab) logits to caption strings by argmax
// over the vocabulary, keeping only each example's valid positions.
func decodeLogits(logits ml.Tensor, validLens []int32, tok *tokenizer.Tokenizer) []string {
	b, l, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	data := logits.Floats()

	captions := make([]string, b)
	for i := 0; i < b; i++ {
		n := int(validLens[i])
		if n > l {
			n = l
		}

		ids := make([]int32, n)
		for j := 0; j < n; j++ {
			row := data[(i*l+j)*vocab : (i*l+j+1)*vocab]
			best := 0
			for k, v := range row {
				if v > row[best] {
					best = k
				}
			}
			ids[j] = int32(best)
		}
		captions[i] = tok.Decode(ids)
	}
	return captions
}
