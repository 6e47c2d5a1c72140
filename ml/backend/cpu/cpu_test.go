package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

func mustFloats(t *testing.T, ctx *Context, s []float32, shape ...int) *Tensor {
	t.Helper()
	out, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return out.(*Tensor)
}

func TestAddBroadcast(t *testing.T) {
	ctx := &Context{}

	a := mustFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := mustFloats(t, ctx, []float32{10, 20, 30}, 3)

	got := a.Add(ctx, b).Floats()
	want := []float32{11, 22, 33, 14, 25, 36}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("unexpected sum (-want +got):\n%s", diff)
	}
}

func TestMulmat(t *testing.T) {
	ctx := &Context{}

	// (2,3) x transpose(2,3) -> (2,2)
	a := mustFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := mustFloats(t, ctx, []float32{1, 0, 1, 0, 1, 0}, 2, 3)

	got := a.Mulmat(ctx, b)
	if diff := cmp.Diff([]int{2, 2}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape:\n%s", diff)
	}
	want := []float32{4, 2, 10, 5}
	if diff := cmp.Diff(want, got.Floats(), approx); diff != "" {
		t.Errorf("unexpected product (-want +got):\n%s", diff)
	}
}

func TestMulmatBatched(t *testing.T) {
	ctx := &Context{}

	a := mustFloats(t, ctx, []float32{1, 0, 0, 1, 2, 0, 0, 2}, 2, 2, 2)
	b := mustFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)

	got := a.Mulmat(ctx, b).Floats()
	// each batch: identity-ish lhs times rhs transpose
	want := []float32{1, 3, 2, 4, 10, 14, 12, 16}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("unexpected product (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	ctx := &Context{}

	x := mustFloats(t, ctx, []float32{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	got := x.Softmax(ctx).Floats()

	for row := 0; row < 2; row++ {
		var sum float32
		for i := 0; i < 3; i++ {
			v := got[row*3+i]
			if v < 0 || v > 1 || math.IsNaN(float64(v)) {
				t.Fatalf("row %d element %d out of range: %v", row, i, v)
			}
			sum += v
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("row %d sums to %v, want 1", row, sum)
		}
	}
}

func TestLayerNorm(t *testing.T) {
	ctx := &Context{}

	x := mustFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 4)
	got := x.LayerNorm(ctx, nil, nil, 1e-5).Floats()

	var mean float32
	for _, v := range got {
		mean += v
	}
	if math.Abs(float64(mean)) > 1e-4 {
		t.Errorf("normalized mean = %v, want 0", mean/4)
	}
}

func TestGroupNormShape(t *testing.T) {
	ctx := &Context{}

	x := ctx.Zeros(2, 8, 4, 4).(*Tensor)
	for i := range x.data {
		x.data[i] = float32(i % 7)
	}

	got := x.GroupNorm(ctx, nil, nil, 4, 1e-6)
	if diff := cmp.Diff([]int{2, 8, 4, 4}, got.Shape()); diff != "" {
		t.Errorf("unexpected shape:\n%s", diff)
	}
}

func TestConv2DIdentity(t *testing.T) {
	ctx := &Context{}

	x := mustFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	// 1x1 identity kernel
	w := mustFloats(t, ctx, []float32{1}, 1, 1, 1, 1)

	got := x.Conv2D(ctx, w, 1, 1, 0, 0)
	if diff := cmp.Diff(x.Floats(), got.Floats(), approx); diff != "" {
		t.Errorf("identity conv changed values (-want +got):\n%s", diff)
	}
}

func TestConv2DStride(t *testing.T) {
	ctx := &Context{}

	x := ctx.Zeros(1, 1, 4, 4).(*Tensor)
	w := mustFloats(t, ctx, []float32{1, 1, 1, 1}, 1, 1, 2, 2)

	got := x.Conv2D(ctx, w, 2, 2, 0, 0)
	if diff := cmp.Diff([]int{1, 1, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("unexpected shape:\n%s", diff)
	}
}

func TestUpsampleNearest(t *testing.T) {
	ctx := &Context{}

	x := mustFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 1, 2, 2)
	got := x.UpsampleNearest(ctx, 2)

	if diff := cmp.Diff([]int{1, 1, 4, 4}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape:\n%s", diff)
	}
	want := []float32{1, 1, 2, 2, 1, 1, 2, 2, 3, 3, 4, 4, 3, 3, 4, 4}
	if diff := cmp.Diff(want, got.Floats(), approx); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestPermute(t *testing.T) {
	ctx := &Context{}

	x := mustFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := x.Permute(ctx, 1, 0)

	if diff := cmp.Diff([]int{3, 2}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape:\n%s", diff)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	if diff := cmp.Diff(want, got.Floats(), approx); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestRows(t *testing.T) {
	ctx := &Context{}

	table := mustFloats(t, ctx, []float32{0, 0, 1, 1, 2, 2}, 3, 2)
	ids, err := ctx.FromIntSlice([]int32{2, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}

	got := table.Rows(ctx, ids)
	want := []float32{2, 2, 0, 0}
	if diff := cmp.Diff(want, got.Floats(), approx); diff != "" {
		t.Errorf("unexpected rows (-want +got):\n%s", diff)
	}
}

func TestPad(t *testing.T) {
	ctx := &Context{}

	x := mustFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 1, 2, 2)
	got := x.Pad(ctx, 0, 0, 1, 1)

	if diff := cmp.Diff([]int{1, 1, 3, 3}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape:\n%s", diff)
	}
	want := []float32{1, 2, 0, 3, 4, 0, 0, 0, 0}
	if diff := cmp.Diff(want, got.Floats(), approx); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}
