package nn

import (
	"math"
	"math/rand/v2"

	"github.com/covq/covq/ml"
)

// uniform allocates a tensor filled from U(-bound, bound).
func uniform(ctx ml.Context, rng *rand.Rand, bound float64, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = float32((rng.Float64()*2 - 1) * bound)
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// normal allocates a tensor filled from N(0, std).
func normal(ctx ml.Context, rng *rand.Rand, std float64, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = float32(rng.NormFloat64() * std)
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func ones(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = 1
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func fanInBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}
