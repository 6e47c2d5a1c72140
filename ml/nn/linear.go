package nn

import (
	"math/rand/v2"

	"github.com/covq/covq/ml"
)

type Linear struct {
	Weight ml.Tensor `ckpt:"weight"`
	Bias   ml.Tensor `ckpt:"bias"`
}

// NewLinear initializes a linear layer with a torch-layout (out, in)
// weight. Checkpoint loading overwrites the initialized values.
func NewLinear(ctx ml.Context, rng *rand.Rand, in, out int) *Linear {
	bound := fanInBound(in)
	return &Linear{
		Weight: uniform(ctx, rng, bound, out, in),
		Bias:   uniform(ctx, rng, bound, out),
	}
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Mulmat(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
