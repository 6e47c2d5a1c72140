package nn

import (
	"fmt"

	"github.com/covq/covq/ml"
)

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T * scale + mask)V
//
// Shapes: query (batch, heads, seq_q, d), key and value
// (batch, heads, seq_k, d). mask is additive and broadcastable to
// (batch, heads, seq_q, seq_k); pass nil for dense attention.
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64, mask ml.Tensor) ml.Tensor {
	if query.Dim(3) != key.Dim(3) {
		panic(fmt.Sprintf("attention d_k mismatch between query(%v) and key(%v)", query.Dim(3), key.Dim(3)))
	}
	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Sprintf("attention seq_len mismatch between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	scores := query.Mulmat(ctx, key)
	scores = scores.Scale(ctx, scale)
	if mask != nil {
		scores = scores.Add(ctx, mask)
	}
	scores = scores.Softmax(ctx)

	// scores (b, h, seq_q, seq_k) x value (b, h, seq_k, d)
	return scores.Mulmat(ctx, value.Permute(ctx, 0, 1, 3, 2))
}
