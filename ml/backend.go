package ml

import (
	"fmt"
	"strings"
)

// Backend provides named weight tensors and contexts for computation.
// A backend is typically constructed from a checkpoint state dict; Get
// returns nil for names the backend does not hold.
type Backend interface {
	Get(name string) Tensor
	NewContext() Context
}

// Context tracks tensor allocation for a single forward pass.
type Context interface {
	Zeros(shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	Close() error
}

// Tensor is a dense numeric array. Shapes are row-major with dimension 0
// outermost, matching checkpoint storage order: an image batch is
// (batch, channels, height, width), a token batch is (batch, length).
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	// Floats returns the flattened contents of a float tensor.
	Floats() []float32
	// Ints returns the flattened contents of an integer tensor.
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	// Mulmat multiplies the receiver (..., m, k) by the transpose of t2.
	// t2 is either (n, k) or (..., n, k) with matching leading dimensions.
	// The result is (..., m, n). A linear layer with a torch-layout
	// (out, in) weight is therefore x.Mulmat(ctx, w).
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	GroupNorm(ctx Context, weight, bias Tensor, groups int, eps float32) Tensor

	// Conv2D convolves the receiver (batch, inC, h, w) with weight in
	// torch OIHW layout (outC, inC, kh, kw).
	Conv2D(ctx Context, weight Tensor, s0, s1, p0, p1 int) Tensor
	// UpsampleNearest scales the two innermost dimensions by an integer
	// factor using nearest-neighbor interpolation.
	UpsampleNearest(ctx Context, scale int) Tensor
	// Pad appends pads[i] zeros to the end of dimension i.
	Pad(ctx Context, pads ...int) Tensor

	Tanh(ctx Context) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor
	Relu(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of the receiver (n, d) by an integer index
	// tensor, producing indices.Shape() + (d,).
	Rows(ctx Context, indices Tensor) Tensor

	Copy(ctx Context, t2 Tensor) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeI32
)

// Dump renders a tensor for debugging, eliding interior elements.
func Dump(t Tensor, items int) string {
	if t == nil {
		return "<nil>"
	}

	var sb strings.Builder
	shape := t.Shape()

	n := 1
	for _, d := range shape {
		n *= d
	}

	var f func(dims []int, offset, stride int)
	f = func(dims []int, offset, stride int) {
		sb.WriteString("[")
		defer sb.WriteString("]")

		inner := stride / dims[0]
		for i := 0; i < dims[0]; i++ {
			if i >= items && i < dims[0]-items {
				sb.WriteString("..., ")
				i = dims[0] - items - 1
				continue
			}

			if len(dims) > 1 {
				f(dims[1:], offset+i*inner, inner)
			} else {
				switch t.DType() {
				case DTypeF32:
					fmt.Fprintf(&sb, "%.4f", t.Floats()[offset+i])
				case DTypeI32:
					fmt.Fprintf(&sb, "%d", t.Ints()[offset+i])
				}
			}

			if i < dims[0]-1 {
				sb.WriteString(", ")
			}
		}
	}
	f(shape, 0, n)

	return sb.String()
}
