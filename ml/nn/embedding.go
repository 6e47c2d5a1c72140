package nn

import (
	"math/rand/v2"

	"github.com/covq/covq/ml"
)

type Embedding struct {
	Weight ml.Tensor `ckpt:"weight"`
}

func NewEmbedding(ctx ml.Context, rng *rand.Rand, n, dim int) *Embedding {
	return &Embedding{Weight: normal(ctx, rng, 0.02, n, dim)}
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
