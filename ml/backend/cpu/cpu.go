// Package cpu implements ml.Backend with eager float32 computation on the
// host. Matrix products go through gonum's BLAS; everything else is plain
// loops. There is no graph and no deferred execution: every op returns a
// fully materialized tensor.
package cpu

import (
	"fmt"

	"github.com/covq/covq/ml"
)

type Backend struct {
	tensors map[string]ml.Tensor
}

func New() *Backend {
	return &Backend{tensors: make(map[string]ml.Tensor)}
}

func (b *Backend) Set(name string, t ml.Tensor) {
	b.tensors[name] = t
}

func (b *Backend) Get(name string) ml.Tensor {
	return b.tensors[name]
}

func (b *Backend) Names() []string {
	names := make([]string, 0, len(b.tensors))
	for name := range b.tensors {
		names = append(names, name)
	}
	return names
}

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

type Context struct{}

func (c *Context) Close() error { return nil }

func (c *Context) Zeros(shape ...int) ml.Tensor {
	return newTensor(shape)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != numel(shape) {
		return nil, fmt.Errorf("cpu: invalid shape %v for %d elements", shape, len(s))
	}

	t := newTensor(shape)
	copy(t.data, s)
	return t, nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if len(s) != numel(shape) {
		return nil, fmt.Errorf("cpu: invalid shape %v for %d elements", shape, len(s))
	}

	t := &Tensor{shape: append([]int(nil), shape...), dtype: ml.DTypeI32, ints: make([]int32, len(s))}
	copy(t.ints, s)
	return t, nil
}

type Tensor struct {
	shape []int
	dtype ml.DType
	data  []float32
	ints  []int32
}

func newTensor(shape []int) *Tensor {
	return &Tensor{
		shape: append([]int(nil), shape...),
		dtype: ml.DTypeF32,
		data:  make([]float32, numel(shape)),
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Dim(n int) int    { return t.shape[n] }
func (t *Tensor) Shape() []int     { return append([]int(nil), t.shape...) }
func (t *Tensor) DType() ml.DType  { return t.dtype }
func (t *Tensor) Floats() []float32 { return t.data }
func (t *Tensor) Ints() []int32    { return t.ints }

func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if len(dst.data) != len(t.data) {
		panic(fmt.Sprintf("cpu: copy between %v and %v", t.shape, dst.shape))
	}

	copy(dst.data, t.data)
	return dst
}
