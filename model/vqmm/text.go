package vqmm

import (
	"math"
	"math/rand/v2"

	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/nn"
)

const layerNormEps = 1e-5

// chunk slices piece i of a tensor split into n equal parts along
// dimension 0, used to unpack fused qkv projection weights.
func chunk(ctx ml.Context, t ml.Tensor, n, i int) ml.Tensor {
	shape := t.Shape()
	total := 1
	for _, d := range shape {
		total *= d
	}

	idx, err := ctx.FromIntSlice([]int32{int32(i)}, 1)
	if err != nil {
		panic(err)
	}
	part := t.Reshape(ctx, n, total/n).Rows(ctx, idx)

	outShape := append([]int{shape[0] / n}, shape[1:]...)
	return part.Reshape(ctx, outShape...)
}

// splitHeads reshapes (b, l, d) to (b, heads, l, d/heads).
func splitHeads(ctx ml.Context, t ml.Tensor, heads int) ml.Tensor {
	b, l, d := t.Dim(0), t.Dim(1), t.Dim(2)
	return t.Reshape(ctx, b, l, heads, d/heads).Permute(ctx, 0, 2, 1, 3)
}

// joinHeads reshapes (b, heads, l, dh) back to (b, l, heads*dh).
func joinHeads(ctx ml.Context, t ml.Tensor) ml.Tensor {
	b, h, l, dh := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	return t.Permute(ctx, 0, 2, 1, 3).Reshape(ctx, b, l, h*dh)
}

// MultiheadAttention keeps the fused in-projection layout so torch
// checkpoints load without key rewriting.
type MultiheadAttention struct {
	InProjWeight ml.Tensor  `ckpt:"in_proj_weight"` // (3d, d)
	InProjBias   ml.Tensor  `ckpt:"in_proj_bias"`   // (3d,)
	OutProj      *nn.Linear `ckpt:"out_proj"`

	Heads int
}

func newMultiheadAttention(ctx ml.Context, rng *rand.Rand, dim, heads int) *MultiheadAttention {
	fused := nn.NewLinear(ctx, rng, dim, 3*dim)
	return &MultiheadAttention{
		InProjWeight: fused.Weight,
		InProjBias:   fused.Bias,
		OutProj:      nn.NewLinear(ctx, rng, dim, dim),
		Heads:        heads,
	}
}

func (m *MultiheadAttention) project(ctx ml.Context, t ml.Tensor, i int) ml.Tensor {
	w := chunk(ctx, m.InProjWeight, 3, i)
	b := chunk(ctx, m.InProjBias, 3, i)
	return t.Mulmat(ctx, w).Add(ctx, b)
}

// Forward computes attention with separate query and key/value sources.
// mask is additive over key positions, broadcastable to
// (batch, heads, len_q, len_k); nil attends densely.
func (m *MultiheadAttention) Forward(ctx ml.Context, query, key, value, mask ml.Tensor) ml.Tensor {
	q := splitHeads(ctx, m.project(ctx, query, 0), m.Heads)
	k := splitHeads(ctx, m.project(ctx, key, 1), m.Heads)
	v := splitHeads(ctx, m.project(ctx, value, 2), m.Heads)

	dh := q.Dim(3)
	attn := nn.Attention(ctx, q, k, v, 1/math.Sqrt(float64(dh)), mask)
	return m.OutProj.Forward(ctx, joinHeads(ctx, attn))
}

// ResidualAttentionBlock is the pre-norm transformer block of the text
// encoder.
type ResidualAttentionBlock struct {
	Ln1  *nn.LayerNorm       `ckpt:"ln_1"`
	Attn *MultiheadAttention `ckpt:"attn"`
	Ln2  *nn.LayerNorm       `ckpt:"ln_2"`
	Mlp  struct {
		CFc   *nn.Linear `ckpt:"c_fc"`
		CProj *nn.Linear `ckpt:"c_proj"`
	} `ckpt:"mlp"`
}

func newResidualAttentionBlock(ctx ml.Context, rng *rand.Rand, width, heads int) *ResidualAttentionBlock {
	b := &ResidualAttentionBlock{
		Ln1:  nn.NewLayerNorm(ctx, width),
		Attn: newMultiheadAttention(ctx, rng, width, heads),
		Ln2:  nn.NewLayerNorm(ctx, width),
	}
	b.Mlp.CFc = nn.NewLinear(ctx, rng, width, 4*width)
	b.Mlp.CProj = nn.NewLinear(ctx, rng, 4*width, width)
	return b
}

func (b *ResidualAttentionBlock) Forward(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	h := b.Ln1.Forward(ctx, t, layerNormEps)
	t = t.Add(ctx, b.Attn.Forward(ctx, h, h, h, mask))

	h = b.Ln2.Forward(ctx, t, layerNormEps)
	h = b.Mlp.CProj.Forward(ctx, b.Mlp.CFc.Forward(ctx, h).GELU(ctx))
	return t.Add(ctx, h)
}

// TextTransformer encodes token ids into per-token hidden states,
// attending only within each example's valid length. The returned mask
// is the additive padding mask, reused by the cluster module.
type TextTransformer struct {
	TokenEmbedding *nn.Embedding `ckpt:"token_embedding"`
	Positional     ml.Tensor     `ckpt:"positional_embedding"`
	Transformer    struct {
		Resblocks []*ResidualAttentionBlock `ckpt:"resblocks"`
	} `ckpt:"transformer"`
	LnFinal *nn.LayerNorm `ckpt:"ln_final"`

	// retained for checkpoint compatibility; the shared-codebook
	// projection goes through quant_linear instead
	TextProjection ml.Tensor `ckpt:"text_projection"`
}

func newTextTransformer(ctx ml.Context, rng *rand.Rand, cfg Config) *TextTransformer {
	t := &TextTransformer{
		TokenEmbedding: nn.NewEmbedding(ctx, rng, cfg.VocabSize, cfg.TextWidth),
		Positional:     ctx.Zeros(cfg.ContextLength, cfg.TextWidth),
		LnFinal:        nn.NewLayerNorm(ctx, cfg.TextWidth),
		TextProjection: ctx.Zeros(cfg.TextWidth, cfg.EmbedDim),
	}
	for i := 0; i < cfg.TextLayers; i++ {
		t.Transformer.Resblocks = append(t.Transformer.Resblocks, newResidualAttentionBlock(ctx, rng, cfg.TextWidth, cfg.TextHeads))
	}
	return t
}

func (t *TextTransformer) Forward(ctx ml.Context, ids ml.Tensor, validLens []int32) (hidden, mask ml.Tensor) {
	h := t.TokenEmbedding.Forward(ctx, ids)
	h = h.Add(ctx, t.Positional)

	mask = paddingMask(ctx, validLens, ids.Dim(1))
	for _, block := range t.Transformer.Resblocks {
		h = block.Forward(ctx, h, mask)
	}

	return t.LnFinal.Forward(ctx, h, layerNormEps), mask
}

// DecoderLayer is a post-norm transformer decoder layer: self
// attention, cross attention over the memory sequence, feed forward.
type DecoderLayer struct {
	SelfAttn  *MultiheadAttention `ckpt:"self_attn"`
	CrossAttn *MultiheadAttention `ckpt:"multihead_attn"`
	Linear1   *nn.Linear          `ckpt:"linear1"`
	Linear2   *nn.Linear          `ckpt:"linear2"`
	Norm1     *nn.LayerNorm       `ckpt:"norm1"`
	Norm2     *nn.LayerNorm       `ckpt:"norm2"`
	Norm3     *nn.LayerNorm       `ckpt:"norm3"`
}

func newDecoderLayer(ctx ml.Context, rng *rand.Rand, dim, heads int) *DecoderLayer {
	return &DecoderLayer{
		SelfAttn:  newMultiheadAttention(ctx, rng, dim, heads),
		CrossAttn: newMultiheadAttention(ctx, rng, dim, heads),
		Linear1:   nn.NewLinear(ctx, rng, dim, 4*dim),
		Linear2:   nn.NewLinear(ctx, rng, 4*dim, dim),
		Norm1:     nn.NewLayerNorm(ctx, dim),
		Norm2:     nn.NewLayerNorm(ctx, dim),
		Norm3:     nn.NewLayerNorm(ctx, dim),
	}
}

func (l *DecoderLayer) Forward(ctx ml.Context, tgt, memory, memoryMask ml.Tensor) ml.Tensor {
	h := tgt.Add(ctx, l.SelfAttn.Forward(ctx, tgt, tgt, tgt, nil))
	h = l.Norm1.Forward(ctx, h, layerNormEps)

	h = h.Add(ctx, l.CrossAttn.Forward(ctx, h, memory, memory, memoryMask))
	h = l.Norm2.Forward(ctx, h, layerNormEps)

	ff := l.Linear2.Forward(ctx, l.Linear1.Forward(ctx, h).Relu(ctx))
	return l.Norm3.Forward(ctx, h.Add(ctx, ff), layerNormEps)
}

// TransformerDecoder re-attends a target sequence over a memory
// sequence; the quantizer-ready text latent uses the image code grid as
// target and the projected text as memory.
type TransformerDecoder struct {
	Layers []*DecoderLayer `ckpt:"layers"`
}

func newTransformerDecoder(ctx ml.Context, rng *rand.Rand, layers, dim, heads int) *TransformerDecoder {
	d := &TransformerDecoder{}
	for i := 0; i < layers; i++ {
		d.Layers = append(d.Layers, newDecoderLayer(ctx, rng, dim, heads))
	}
	return d
}

func (d *TransformerDecoder) Forward(ctx ml.Context, tgt, memory, memoryMask ml.Tensor) ml.Tensor {
	for _, layer := range d.Layers {
		tgt = layer.Forward(ctx, tgt, memory, memoryMask)
	}
	return tgt
}

// EncoderLayer is a post-norm transformer encoder layer.
type EncoderLayer struct {
	SelfAttn *MultiheadAttention `ckpt:"self_attn"`
	Linear1  *nn.Linear          `ckpt:"linear1"`
	Linear2  *nn.Linear          `ckpt:"linear2"`
	Norm1    *nn.LayerNorm       `ckpt:"norm1"`
	Norm2    *nn.LayerNorm       `ckpt:"norm2"`
}

func newEncoderLayer(ctx ml.Context, rng *rand.Rand, dim, heads int) *EncoderLayer {
	return &EncoderLayer{
		SelfAttn: newMultiheadAttention(ctx, rng, dim, heads),
		Linear1:  nn.NewLinear(ctx, rng, dim, 4*dim),
		Linear2:  nn.NewLinear(ctx, rng, 4*dim, dim),
		Norm1:    nn.NewLayerNorm(ctx, dim),
		Norm2:    nn.NewLayerNorm(ctx, dim),
	}
}

func (l *EncoderLayer) Forward(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	h := t.Add(ctx, l.SelfAttn.Forward(ctx, t, t, t, mask))
	h = l.Norm1.Forward(ctx, h, layerNormEps)

	ff := l.Linear2.Forward(ctx, l.Linear1.Forward(ctx, h).Relu(ctx))
	return l.Norm2.Forward(ctx, h.Add(ctx, ff), layerNormEps)
}

type TransformerEncoder struct {
	Layers []*EncoderLayer `ckpt:"layers"`
}

func newTransformerEncoder(ctx ml.Context, rng *rand.Rand, layers, dim, heads int) *TransformerEncoder {
	e := &TransformerEncoder{}
	for i := 0; i < layers; i++ {
		e.Layers = append(e.Layers, newEncoderLayer(ctx, rng, dim, heads))
	}
	return e
}

func (e *TransformerEncoder) Forward(ctx ml.Context, t, mask ml.Tensor) ml.Tensor {
	for _, layer := range e.Layers {
		t = layer.Forward(ctx, t, mask)
	}
	return t
}

// TextDecoder maps the image decoder's mid hidden map to per-position
// vocabulary logits: one grid cell per text position.
type TextDecoder struct {
	Norm *nn.LayerNorm `ckpt:"norm"`
	Proj *nn.Linear    `ckpt:"proj"`
}

func newTextDecoder(ctx ml.Context, rng *rand.Rand, channels, vocabSize int) *TextDecoder {
	return &TextDecoder{
		Norm: nn.NewLayerNorm(ctx, channels),
		Proj: nn.NewLinear(ctx, rng, channels, vocabSize),
	}
}

func (d *TextDecoder) Forward(ctx ml.Context, hidden ml.Tensor) ml.Tensor {
	b, c, h, w := hidden.Dim(0), hidden.Dim(1), hidden.Dim(2), hidden.Dim(3)

	t := hidden.Reshape(ctx, b, c, h*w).Permute(ctx, 0, 2, 1)
	t = d.Norm.Forward(ctx, t, layerNormEps)
	return d.Proj.Forward(ctx, t)
}
