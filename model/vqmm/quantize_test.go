package vqmm

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/backend/cpu"
)

func randomTensor(t *testing.T, ctx ml.Context, rng *rand.Rand, shape ...int) ml.Tensor {
	t.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(rng.NormFloat64())
	}

	tensor, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return tensor
}

func TestQuantizeGridRoundTrip(t *testing.T) {
	ctx := cpu.New().NewContext()
	rng := rand.New(rand.NewPCG(1, 2))
	q := NewVectorQuantizer(ctx, rng, 16, 8, 0.25, true)

	z := randomTensor(t, ctx, rng, 2, 8, 4, 4)
	quant, loss, indices := q.Quantize(ctx, z, "image")

	if diff := cmp.Diff(z.Shape(), quant.Shape()); diff != "" {
		t.Errorf("quant shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 4, 4}, indices.Shape()); diff != "" {
		t.Errorf("indices shape (-want +got):\n%s", diff)
	}
	if loss < 0 || math.IsNaN(float64(loss)) {
		t.Errorf("loss = %v", loss)
	}

	// looking the indices back up recovers the quantized values
	looked := q.Lookup(ctx, indices)
	if diff := cmp.Diff(quant.Floats(), looked.Floats()); diff != "" {
		t.Errorf("lookup mismatch (-quant +lookup):\n%s", diff)
	}
}

func TestQuantizeSequence(t *testing.T) {
	ctx := cpu.New().NewContext()
	rng := rand.New(rand.NewPCG(3, 4))
	q := NewVectorQuantizer(ctx, rng, 16, 8, 0.25, true)

	z := randomTensor(t, ctx, rng, 2, 5, 8)
	quant, _, indices := q.Quantize(ctx, z, "text")

	if diff := cmp.Diff([]int{2, 5, 8}, quant.Shape()); diff != "" {
		t.Errorf("quant shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 5}, indices.Shape()); diff != "" {
		t.Errorf("indices shape (-want +got):\n%s", diff)
	}
}

func TestQuantizeFlatIndices(t *testing.T) {
	ctx := cpu.New().NewContext()
	rng := rand.New(rand.NewPCG(3, 4))
	q := NewVectorQuantizer(ctx, rng, 16, 8, 0.25, false)

	z := randomTensor(t, ctx, rng, 2, 8, 4, 4)
	_, _, indices := q.Quantize(ctx, z, "image")

	if diff := cmp.Diff([]int{32}, indices.Shape()); diff != "" {
		t.Errorf("indices shape (-want +got):\n%s", diff)
	}
}

func TestQuantizePicksNearestCode(t *testing.T) {
	ctx := cpu.New().NewContext()
	rng := rand.New(rand.NewPCG(5, 6))
	q := NewVectorQuantizer(ctx, rng, 4, 2, 0.25, false)

	codebook, err := ctx.FromFloatSlice([]float32{
		0, 0,
		1, 1,
		2, 2,
		-1, -1,
	}, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	q.Embedding.Weight = codebook

	z, err := ctx.FromFloatSlice([]float32{
		0.9, 1.1, // nearest (1, 1)
		-0.8, -1.2, // nearest (-1, -1)
		1.9, 2.4, // nearest (2, 2)
	}, 1, 3, 2)
	if err != nil {
		t.Fatal(err)
	}

	quant, _, indices := q.Quantize(ctx, z, "text")

	if diff := cmp.Diff([]int32{1, 3, 2}, indices.Ints()); diff != "" {
		t.Errorf("indices (-want +got):\n%s", diff)
	}
	want := []float32{1, 1, -1, -1, 2, 2}
	if diff := cmp.Diff(want, quant.Floats()); diff != "" {
		t.Errorf("quant (-want +got):\n%s", diff)
	}
}

func TestQuantizeUsagePerKey(t *testing.T) {
	ctx := cpu.New().NewContext()
	rng := rand.New(rand.NewPCG(7, 8))
	q := NewVectorQuantizer(ctx, rng, 16, 8, 0.25, false)

	q.Quantize(ctx, randomTensor(t, ctx, rng, 1, 6, 8), "text")
	q.Quantize(ctx, randomTensor(t, ctx, rng, 1, 8, 2, 2), "image")

	sum := func(counts []int) int {
		var s int
		for _, c := range counts {
			s += c
		}
		return s
	}

	if got := sum(q.Usage("text")); got != 6 {
		t.Errorf("text usage = %d, want 6", got)
	}
	if got := sum(q.Usage("image")); got != 4 {
		t.Errorf("image usage = %d, want 4", got)
	}
	if got := sum(q.Usage("unknown")); got != 0 {
		t.Errorf("unknown key usage = %d, want 0", got)
	}
}
