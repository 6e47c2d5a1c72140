package vqmm

import (
	"fmt"
	"math/rand/v2"

	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/nn"
)

// VectorQuantizer maps continuous embeddings from either modality onto
// a single shared codebook. Calls are tagged with a modality key for
// usage bookkeeping only; the codebook weights are common to all keys.
type VectorQuantizer struct {
	Embedding *nn.Embedding `ckpt:"embedding"`

	NEmbed   int
	EmbedDim int
	Beta     float32

	// SaneIndexShape returns indices shaped like the input batch
	// ((b, h, w) for grids, (b, l) for sequences) instead of flat.
	SaneIndexShape bool

	usage map[string][]int
}

func NewVectorQuantizer(ctx ml.Context, rng *rand.Rand, nEmbed, embedDim int, beta float32, saneIndexShape bool) *VectorQuantizer {
	return &VectorQuantizer{
		Embedding:      nn.NewEmbedding(ctx, rng, nEmbed, embedDim),
		NEmbed:         nEmbed,
		EmbedDim:       embedDim,
		Beta:           beta,
		SaneIndexShape: saneIndexShape,
		usage:          make(map[string][]int),
	}
}

// Quantize snaps z to its nearest codebook entries. z is either an
// image grid (b, d, h, w) or a text sequence (b, l, d). The returned
// tensor has z's shape with values drawn from the codebook; the loss is
// the codebook term plus the beta-weighted commitment term.
func (q *VectorQuantizer) Quantize(ctx ml.Context, z ml.Tensor, key string) (quant ml.Tensor, loss float32, indices ml.Tensor) {
	shape := z.Shape()

	var flat ml.Tensor
	switch len(shape) {
	case 4:
		// (b, d, h, w) -> (b*h*w, d)
		flat = z.Permute(ctx, 0, 2, 3, 1).Reshape(ctx, shape[0]*shape[2]*shape[3], q.EmbedDim)
	case 3:
		flat = z.Reshape(ctx, shape[0]*shape[1], q.EmbedDim)
	default:
		panic(fmt.Sprintf("vqmm: cannot quantize rank-%d tensor", len(shape)))
	}

	ids := q.nearest(ctx, flat)
	q.recordUsage(key, ids)

	idxFlat, err := ctx.FromIntSlice(ids, len(ids))
	if err != nil {
		panic(err)
	}

	codes := q.Embedding.Forward(ctx, idxFlat)

	// codebook + commitment terms share the same forward value
	mse := meanSquaredError(flat.Floats(), codes.Floats())
	loss = mse + q.Beta*mse

	switch len(shape) {
	case 4:
		quant = codes.Reshape(ctx, shape[0], shape[2], shape[3], q.EmbedDim).Permute(ctx, 0, 3, 1, 2)
	case 3:
		quant = codes.Reshape(ctx, shape...)
	}

	indices = idxFlat
	if q.SaneIndexShape {
		switch len(shape) {
		case 4:
			indices = idxFlat.Reshape(ctx, shape[0], shape[2], shape[3])
		case 3:
			indices = idxFlat.Reshape(ctx, shape[0], shape[1])
		}
	}

	return quant, loss, indices
}

// nearest computes the argmin codebook entry per row of flat (n, d),
// expanding ||z - e||^2 as z^2 - 2ze + e^2 so the cross term runs
// through the matrix kernel.
func (q *VectorQuantizer) nearest(ctx ml.Context, flat ml.Tensor) []int32 {
	cross := flat.Mulmat(ctx, q.Embedding.Weight).Floats()

	codebook := q.Embedding.Weight.Floats()
	eNorm := make([]float32, q.NEmbed)
	for i := 0; i < q.NEmbed; i++ {
		var s float32
		for _, v := range codebook[i*q.EmbedDim : (i+1)*q.EmbedDim] {
			s += v * v
		}
		eNorm[i] = s
	}

	n := flat.Dim(0)
	ids := make([]int32, n)
	for i := 0; i < n; i++ {
		row := cross[i*q.NEmbed : (i+1)*q.NEmbed]

		best, bestDist := 0, float32(0)
		for j, c := range row {
			// z^2 is constant per row and drops out of the argmin
			if d := eNorm[j] - 2*c; j == 0 || d < bestDist {
				best, bestDist = j, d
			}
		}
		ids[i] = int32(best)
	}
	return ids
}

// Lookup returns the codebook vectors for discrete indices, used for
// code-conditioned decoding. Grid-shaped indices (b, h, w) produce a
// grid (b, d, h, w); flat indices produce (n, d).
func (q *VectorQuantizer) Lookup(ctx ml.Context, indices ml.Tensor) ml.Tensor {
	codes := q.Embedding.Forward(ctx, indices)
	if len(indices.Shape()) == 3 {
		return codes.Permute(ctx, 0, 3, 1, 2)
	}
	return codes
}

// Usage returns how often each code has been selected under a modality
// key since construction.
func (q *VectorQuantizer) Usage(key string) []int {
	counts := make([]int, q.NEmbed)
	copy(counts, q.usage[key])
	return counts
}

func (q *VectorQuantizer) recordUsage(key string, ids []int32) {
	if q.usage[key] == nil {
		q.usage[key] = make([]int, q.NEmbed)
	}
	for _, id := range ids {
		q.usage[key][id]++
	}
}

func meanSquaredError(a, b []float32) float32 {
	var s float64
	for i := range a {
		d := float64(a[i] - b[i])
		s += d * d
	}
	return float32(s / float64(len(a)))
}
