package nn

import (
	"github.com/covq/covq/ml"
)

type LayerNorm struct {
	Weight ml.Tensor `ckpt:"weight"`
	Bias   ml.Tensor `ckpt:"bias"`
}

func NewLayerNorm(ctx ml.Context, dim int) *LayerNorm {
	return &LayerNorm{Weight: ones(ctx, dim), Bias: ctx.Zeros(dim)}
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

type GroupNorm struct {
	Weight ml.Tensor `ckpt:"weight"`
	Bias   ml.Tensor `ckpt:"bias"`
}

func NewGroupNorm(ctx ml.Context, channels int) *GroupNorm {
	return &GroupNorm{Weight: ones(ctx, channels), Bias: ctx.Zeros(channels)}
}

func (m *GroupNorm) Forward(ctx ml.Context, t ml.Tensor, groups int, eps float32) ml.Tensor {
	return t.GroupNorm(ctx, m.Weight, m.Bias, groups, eps)
}
