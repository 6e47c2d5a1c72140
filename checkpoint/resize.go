package checkpoint

import (
	"fmt"
	"log/slog"
)

// ResizePositionEmbedding interpolates an (n, dim) position-embedding
// table to (target, dim) along the position axis. Positions are mapped
// by relative location, so entries at matching relative positions keep
// their values.
func ResizePositionEmbedding(t *Tensor, target int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("resize %s: expected a rank-2 table, got shape %v", t.Name, t.Shape)
	}

	n, dim := t.Shape[0], t.Shape[1]
	if n == target {
		return t, nil
	}

	slog.Debug("resizing position embedding", "name", t.Name, "from", n, "to", target)

	out := &Tensor{Name: t.Name, Shape: []int{target, dim}, Data: make([]float32, target*dim)}
	for i := 0; i < target; i++ {
		pos := 0.0
		if target > 1 {
			pos = float64(i) * float64(n-1) / float64(target-1)
		}

		lo := int(pos)
		hi := lo + 1
		if hi >= n {
			hi = n - 1
		}
		frac := float32(pos - float64(lo))

		for d := 0; d < dim; d++ {
			a := t.Data[lo*dim+d]
			b := t.Data[hi*dim+d]
			out.Data[i*dim+d] = a + (b-a)*frac
		}
	}
	return out, nil
}
