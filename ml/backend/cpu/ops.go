package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/covq/covq/ml"
)

// broadcastShapes resolves the result shape of a binary op under
// trailing-dimension broadcasting: dimensions are aligned from the
// innermost end and must match or be 1.
func broadcastShapes(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i < len(a) {
			da = a[len(a)-1-i]
		}
		if i < len(b) {
			db = b[len(b)-1-i]
		}

		switch {
		case da == db, db == 1:
			out[n-1-i] = da
		case da == 1:
			out[n-1-i] = db
		default:
			panic(fmt.Sprintf("cpu: cannot broadcast %v with %v", a, b))
		}
	}
	return out
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// broadcastStrides maps a result coordinate space onto a (possibly
// smaller) operand by zeroing the stride of broadcast dimensions.
func broadcastStrides(shape, outShape []int) []int {
	s := strides(shape)
	bs := make([]int, len(outShape))
	for i := 0; i < len(outShape); i++ {
		j := len(shape) - len(outShape) + i
		if j < 0 || shape[j] == 1 {
			bs[i] = 0
		} else {
			bs[i] = s[j]
		}
	}
	return bs
}

func binary(t, t2 *Tensor, f func(a, b float32) float32) *Tensor {
	outShape := broadcastShapes(t.shape, t2.shape)
	out := newTensor(outShape)

	sa := broadcastStrides(t.shape, outShape)
	sb := broadcastStrides(t2.shape, outShape)
	so := strides(outShape)

	coord := make([]int, len(outShape))
	for i := range out.data {
		var ia, ib int
		rem := i
		for d := range outShape {
			coord[d] = rem / so[d]
			rem %= so[d]
			ia += coord[d] * sa[d]
			ib += coord[d] * sb[d]
		}
		out.data[i] = f(t.data[ia], t2.data[ib])
	}
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binary(t, t2.(*Tensor), func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binary(t, t2.(*Tensor), func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binary(t, t2.(*Tensor), func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newTensor(t.shape)
	for i, v := range t.data {
		out.data[i] = v * float32(s)
	}
	return out
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := t2.(*Tensor)
	if len(t.shape) < 2 || len(b.shape) < 2 {
		panic("cpu: mulmat requires rank >= 2")
	}

	m, k := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	n, k2 := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if k != k2 {
		panic(fmt.Sprintf("cpu: mulmat inner dimension mismatch %v x %v", t.shape, b.shape))
	}

	groups := numel(t.shape[:len(t.shape)-2])
	bGroups := numel(b.shape[:len(b.shape)-2])
	if bGroups != 1 && bGroups != groups {
		panic(fmt.Sprintf("cpu: mulmat batch mismatch %v x %v", t.shape, b.shape))
	}

	outShape := append(append([]int(nil), t.shape[:len(t.shape)-2]...), m, n)
	out := newTensor(outShape)

	for g := 0; g < groups; g++ {
		ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: t.data[g*m*k : (g+1)*m*k]}

		off := 0
		if bGroups != 1 {
			off = g * n * k
		}
		gb := blas32.General{Rows: n, Cols: k, Stride: k, Data: b.data[off : off+n*k]}

		gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[g*m*n : (g+1)*m*n]}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, ga, gb, 0, gc)
	}
	return out
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	last := t.shape[len(t.shape)-1]
	out := newTensor(t.shape)

	for o := 0; o < len(t.data); o += last {
		row := t.data[o : o+last]
		maxv := row[0]
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}

		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxv)))
			out.data[o+i] = e
			sum += e
		}
		for i := range row {
			out.data[o+i] /= sum
		}
	}
	return out
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	last := t.shape[len(t.shape)-1]
	out := newTensor(t.shape)

	var w, b []float32
	if weight != nil {
		w = weight.Floats()
	}
	if bias != nil {
		b = bias.Floats()
	}

	for o := 0; o < len(t.data); o += last {
		row := t.data[o : o+last]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(last)

		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(last)

		inv := 1 / float32(math.Sqrt(float64(variance+eps)))
		for i, v := range row {
			y := (v - mean) * inv
			if w != nil {
				y *= w[i]
			}
			if b != nil {
				y += b[i]
			}
			out.data[o+i] = y
		}
	}
	return out
}

// GroupNorm normalizes a (batch, channels, h, w) tensor over channel
// groups, then applies per-channel scale and shift.
func (t *Tensor) GroupNorm(ctx ml.Context, weight, bias ml.Tensor, groups int, eps float32) ml.Tensor {
	if len(t.shape) != 4 {
		panic("cpu: groupnorm requires a rank-4 tensor")
	}

	batch, channels, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	if channels%groups != 0 {
		panic(fmt.Sprintf("cpu: %d channels not divisible into %d groups", channels, groups))
	}

	out := newTensor(t.shape)
	spatial := h * w
	groupSize := channels / groups * spatial

	var wv, bv []float32
	if weight != nil {
		wv = weight.Floats()
	}
	if bias != nil {
		bv = bias.Floats()
	}

	for n := 0; n < batch; n++ {
		for g := 0; g < groups; g++ {
			o := n*channels*spatial + g*groupSize
			chunk := t.data[o : o+groupSize]

			var mean float32
			for _, v := range chunk {
				mean += v
			}
			mean /= float32(groupSize)

			var variance float32
			for _, v := range chunk {
				variance += (v - mean) * (v - mean)
			}
			variance /= float32(groupSize)

			inv := 1 / float32(math.Sqrt(float64(variance+eps)))
			for i, v := range chunk {
				c := g*(channels/groups) + i/spatial
				y := (v - mean) * inv
				if wv != nil {
					y *= wv[c]
				}
				if bv != nil {
					y += bv[c]
				}
				out.data[o+i] = y
			}
		}
	}
	return out
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	out := newTensor(t.shape)
	for i, v := range t.data {
		out.data[i] = float32(math.Tanh(float64(v)))
	}
	return out
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	out := newTensor(t.shape)
	for i, v := range t.data {
		x := float64(v)
		out.data[i] = float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	}
	return out
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	out := newTensor(t.shape)
	for i, v := range t.data {
		out.data[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
	return out
}

func (t *Tensor) Relu(ctx ml.Context) ml.Tensor {
	out := newTensor(t.shape)
	for i, v := range t.data {
		if v > 0 {
			out.data[i] = v
		}
	}
	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if numel(shape) != len(t.data) {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	out := newTensor(shape)
	copy(out.data, t.data)
	return out
}

// Permute reorders dimensions: result dimension i is input dimension
// order[i]. The result is materialized contiguously.
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute order %v does not match shape %v", order, t.shape))
	}

	outShape := make([]int, len(order))
	for i, o := range order {
		outShape[i] = t.shape[o]
	}

	out := newTensor(outShape)
	si := strides(t.shape)
	so := strides(outShape)

	coord := make([]int, len(outShape))
	for i := range out.data {
		rem := i
		var src int
		for d := range outShape {
			coord[d] = rem / so[d]
			rem %= so[d]
			src += coord[d] * si[order[d]]
		}
		out.data[i] = t.data[src]
	}
	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := t2.(*Tensor)
	if len(t.shape) != len(b.shape) {
		panic(fmt.Sprintf("cpu: concat rank mismatch %v and %v", t.shape, b.shape))
	}

	outShape := t.Shape()
	outShape[dim] += b.shape[dim]
	out := newTensor(outShape)

	outer := numel(t.shape[:dim])
	innerA := numel(t.shape[dim:])
	innerB := numel(b.shape[dim:])

	for o := 0; o < outer; o++ {
		copy(out.data[o*(innerA+innerB):], t.data[o*innerA:(o+1)*innerA])
		copy(out.data[o*(innerA+innerB)+innerA:], b.data[o*innerB:(o+1)*innerB])
	}
	return out
}

func (t *Tensor) Rows(ctx ml.Context, indices ml.Tensor) ml.Tensor {
	idx := indices.(*Tensor)
	if len(t.shape) != 2 {
		panic("cpu: rows requires a rank-2 table")
	}

	n, d := t.shape[0], t.shape[1]
	outShape := append(idx.Shape(), d)
	out := newTensor(outShape)

	for i, id := range idx.ints {
		if id < 0 || int(id) >= n {
			panic(fmt.Sprintf("cpu: row index %d out of range [0, %d)", id, n))
		}
		copy(out.data[i*d:(i+1)*d], t.data[int(id)*d:(int(id)+1)*d])
	}
	return out
}

func (t *Tensor) Pad(ctx ml.Context, pads ...int) ml.Tensor {
	if len(pads) != len(t.shape) {
		panic(fmt.Sprintf("cpu: pad spec %v does not match shape %v", pads, t.shape))
	}

	outShape := make([]int, len(t.shape))
	for i := range t.shape {
		outShape[i] = t.shape[i] + pads[i]
	}

	out := newTensor(outShape)
	si := strides(t.shape)
	so := strides(outShape)

	coord := make([]int, len(t.shape))
	for i := range t.data {
		rem := i
		var dst int
		for d := range t.shape {
			coord[d] = rem / si[d]
			rem %= si[d]
			dst += coord[d] * so[d]
		}
		out.data[dst] = t.data[i]
	}
	return out
}
