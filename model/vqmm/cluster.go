package vqmm

import (
	"math"
	"math/rand/v2"

	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/nn"
)

// MixPolicy produces the co-quantized representations from the two
// modalities' quantized tensors. mask is the additive padding mask over
// text key positions; implementations must not let positions beyond an
// example's valid length contribute to any output value.
type MixPolicy interface {
	Mix(ctx ml.Context, imageSeq, textQuant, mask ml.Tensor, validLens []int32) (imageCo, textCo ml.Tensor)
}

// Cluster mixes quantized image and text codes through masked cross
// attention with learned per-modality gates. The gates start at zero so
// an untrained cluster passes codes through unchanged.
type Cluster struct {
	Query *nn.Linear `ckpt:"q"`
	Key   *nn.Linear `ckpt:"k"`
	Value *nn.Linear `ckpt:"v"`
	Proj  *nn.Linear `ckpt:"proj"`

	GateImage ml.Tensor `ckpt:"gate_image"`
	GateText  ml.Tensor `ckpt:"gate_text"`

	Heads int

	policy MixPolicy
}

func newCluster(ctx ml.Context, rng *rand.Rand, dim, heads int) *Cluster {
	return &Cluster{
		Query:     nn.NewLinear(ctx, rng, dim, dim),
		Key:       nn.NewLinear(ctx, rng, dim, dim),
		Value:     nn.NewLinear(ctx, rng, dim, dim),
		Proj:      nn.NewLinear(ctx, rng, dim, dim),
		GateImage: ctx.Zeros(1),
		GateText:  ctx.Zeros(1),
		Heads:     heads,
	}
}

// SetPolicy replaces the built-in attention mix with a custom policy.
func (c *Cluster) SetPolicy(p MixPolicy) {
	c.policy = p
}

// Forward co-quantizes both modalities and reports the divergence each
// mix introduced, as a mean squared distance from the unmixed codes.
// The text loss is averaged over valid positions only.
func (c *Cluster) Forward(ctx ml.Context, imageQuant, textQuant, mask ml.Tensor, validLens []int32) (imageCo, textCo ml.Tensor, imageLoss, textLoss float32) {
	b, d, h, w := imageQuant.Dim(0), imageQuant.Dim(1), imageQuant.Dim(2), imageQuant.Dim(3)
	imageSeq := imageQuant.Reshape(ctx, b, d, h*w).Permute(ctx, 0, 2, 1)

	policy := c.policy
	if policy == nil {
		policy = c
	}

	imageCoSeq, textCo := policy.Mix(ctx, imageSeq, textQuant, mask, validLens)

	imageLoss = meanSquaredError(imageCoSeq.Floats(), imageSeq.Floats())
	textLoss = maskedMeanSquaredError(textCo.Floats(), textQuant.Floats(), validLens, textQuant.Dim(1), textQuant.Dim(2))

	imageCo = imageCoSeq.Permute(ctx, 0, 2, 1).Reshape(ctx, b, d, h, w)
	return imageCo, textCo, imageLoss, textLoss
}

// Mix is the default policy: each modality attends over the other's
// codes and adds the gated result to its own. Text padding positions
// are zeroed so their content never reaches the outputs.
func (c *Cluster) Mix(ctx ml.Context, imageSeq, textQuant, mask ml.Tensor, validLens []int32) (imageCo, textCo ml.Tensor) {
	fromText := c.attend(ctx, imageSeq, textQuant, mask)
	imageCo = imageSeq.Add(ctx, fromText.Mul(ctx, c.GateImage))

	fromImage := c.attend(ctx, textQuant, imageSeq, nil)
	mixed := textQuant.Add(ctx, fromImage.Mul(ctx, c.GateText))
	textCo = mixed.Mul(ctx, validRowMask(ctx, validLens, textQuant.Dim(1)))

	return imageCo, textCo
}

func (c *Cluster) attend(ctx ml.Context, query, memory, mask ml.Tensor) ml.Tensor {
	q := splitHeads(ctx, c.Query.Forward(ctx, query), c.Heads)
	k := splitHeads(ctx, c.Key.Forward(ctx, memory), c.Heads)
	v := splitHeads(ctx, c.Value.Forward(ctx, memory), c.Heads)

	attn := nn.Attention(ctx, q, k, v, 1/math.Sqrt(float64(q.Dim(3))), mask)
	return c.Proj.Forward(ctx, joinHeads(ctx, attn))
}

// validRowMask is a multiplicative (b, l, 1) mask: one inside the valid
// length, zero beyond it.
func validRowMask(ctx ml.Context, validLens []int32, length int) ml.Tensor {
	s := make([]float32, len(validLens)*length)
	for i, n := range validLens {
		for j := int32(0); j < n && j < int32(length); j++ {
			s[i*length+int(j)] = 1
		}
	}

	mask, err := ctx.FromFloatSlice(s, len(validLens), length, 1)
	if err != nil {
		panic(err)
	}
	return mask
}

func maskedMeanSquaredError(a, b []float32, validLens []int32, length, dim int) float32 {
	var s float64
	var n int
	for i, vl := range validLens {
		for j := 0; j < int(vl) && j < length; j++ {
			o := (i*length + j) * dim
			for k := 0; k < dim; k++ {
				d := float64(a[o+k] - b[o+k])
				s += d * d
			}
			n += dim
		}
	}

	if n == 0 {
		return 0
	}
	return float32(s / float64(n))
}
