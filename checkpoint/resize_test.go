package checkpoint

import (
	"math"
	"testing"
)

func rampEmbedding(n, dim int) *Tensor {
	t := &Tensor{Name: "positional_embedding", Shape: []int{n, dim}, Data: make([]float32, n*dim)}
	for i := 0; i < n; i++ {
		for d := 0; d < dim; d++ {
			t.Data[i*dim+d] = float32(i) + float32(d)/100
		}
	}
	return t
}

func TestResizePositionEmbeddingWidens(t *testing.T) {
	src := rampEmbedding(50, 4)

	got, err := ResizePositionEmbedding(src, 256)
	if err != nil {
		t.Fatal(err)
	}

	if got.Shape[0] != 256 || got.Shape[1] != 4 {
		t.Fatalf("shape = %v, want [256 4]", got.Shape)
	}

	// endpoints map exactly
	for d := 0; d < 4; d++ {
		if got.Data[d] != src.Data[d] {
			t.Errorf("first row differs at %d: %v != %v", d, got.Data[d], src.Data[d])
		}
		if got.Data[255*4+d] != src.Data[49*4+d] {
			t.Errorf("last row differs at %d: %v != %v", d, got.Data[255*4+d], src.Data[49*4+d])
		}
	}

	// the ramp is linear, so interpolation reproduces relative positions
	for i := 0; i < 256; i++ {
		want := float64(i) * 49.0 / 255.0
		if got := float64(got.Data[i*4]); math.Abs(got-want) > 1e-4 {
			t.Fatalf("row %d = %v, want %v", i, got, want)
		}
	}
}

func TestResizePositionEmbeddingNarrows(t *testing.T) {
	src := rampEmbedding(256, 8)

	got, err := ResizePositionEmbedding(src, 77)
	if err != nil {
		t.Fatal(err)
	}
	if got.Shape[0] != 77 {
		t.Fatalf("shape = %v, want 77 rows", got.Shape)
	}
}

func TestResizePositionEmbeddingNoop(t *testing.T) {
	src := rampEmbedding(77, 8)

	got, err := ResizePositionEmbedding(src, 77)
	if err != nil {
		t.Fatal(err)
	}
	if got != src {
		t.Error("matching widths should return the input unchanged")
	}
}

func TestResizePositionEmbeddingRejectsRank(t *testing.T) {
	bad := &Tensor{Name: "x", Shape: []int{2, 2, 2}, Data: make([]float32, 8)}
	if _, err := ResizePositionEmbedding(bad, 4); err == nil {
		t.Error("expected an error for a rank-3 tensor")
	}
}
