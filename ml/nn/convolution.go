package nn

import (
	"math/rand/v2"

	"github.com/covq/covq/ml"
)

type Conv2D struct {
	Weight ml.Tensor `ckpt:"weight"`
	Bias   ml.Tensor `ckpt:"bias"`
}

func NewConv2D(ctx ml.Context, rng *rand.Rand, out, in, kh, kw int) *Conv2D {
	bound := fanInBound(in * kh * kw)
	return &Conv2D{
		Weight: uniform(ctx, rng, bound, out, in, kh, kw),
		Bias:   uniform(ctx, rng, bound, out),
	}
}

func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, p0, p1 int) ml.Tensor {
	t = t.Conv2D(ctx, m.Weight, s0, s1, p0, p1)
	if m.Bias != nil {
		// broadcast bias along spatial dimensions
		bias := m.Bias.Reshape(ctx, 1, m.Bias.Dim(0), 1, 1)
		t = t.Add(ctx, bias)
	}
	return t
}
