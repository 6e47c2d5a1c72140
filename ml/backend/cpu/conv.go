package cpu

import (
	"fmt"

	"github.com/covq/covq/ml"
)

func (t *Tensor) Conv2D(ctx ml.Context, weight ml.Tensor, s0, s1, p0, p1 int) ml.Tensor {
	w := weight.(*Tensor)
	if len(t.shape) != 4 || len(w.shape) != 4 {
		panic("cpu: conv2d requires rank-4 input and weight")
	}

	batch, inC, h, wd := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	outC, kInC, kh, kw := w.shape[0], w.shape[1], w.shape[2], w.shape[3]
	if inC != kInC {
		panic(fmt.Sprintf("cpu: conv2d channel mismatch input %v weight %v", t.shape, w.shape))
	}

	oh := (h+2*p0-kh)/s0 + 1
	ow := (wd+2*p1-kw)/s1 + 1
	out := newTensor([]int{batch, outC, oh, ow})

	for n := 0; n < batch; n++ {
		for oc := 0; oc < outC; oc++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					var acc float32
					for ic := 0; ic < inC; ic++ {
						for ky := 0; ky < kh; ky++ {
							iy := y*s0 - p0 + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := x*s1 - p1 + kx
								if ix < 0 || ix >= wd {
									continue
								}
								acc += t.data[((n*inC+ic)*h+iy)*wd+ix] *
									w.data[((oc*inC+ic)*kh+ky)*kw+kx]
							}
						}
					}
					out.data[((n*outC+oc)*oh+y)*ow+x] = acc
				}
			}
		}
	}
	return out
}

func (t *Tensor) UpsampleNearest(ctx ml.Context, scale int) ml.Tensor {
	if len(t.shape) != 4 {
		panic("cpu: upsample requires a rank-4 tensor")
	}

	batch, c, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	oh, ow := h*scale, w*scale
	out := newTensor([]int{batch, c, oh, ow})

	for n := 0; n < batch*c; n++ {
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				out.data[(n*oh+y)*ow+x] = t.data[(n*h+y/scale)*w+x/scale]
			}
		}
	}
	return out
}
