package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/covq/covq/checkpoint"
	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/backend/cpu"
)

type testTextTower struct {
	Projection ml.Tensor `ckpt:"text_projection"`
	Positional ml.Tensor `ckpt:"positional_embedding"`
}

type testNet struct {
	ConvWeight ml.Tensor `ckpt:"encoder.conv_in.weight"`
	Quant      ml.Tensor `ckpt:"quant_conv.weight,alt:quantize_conv.weight"`
	Text       *testTextTower `ckpt:"text"`
	Blocks     []struct {
		Weight ml.Tensor `ckpt:"weight"`
	} `ckpt:"blocks"`
}

func newTestNet(ctx ml.Context) *testNet {
	m := &testNet{Text: &testTextTower{}}
	m.ConvWeight = ctx.Zeros(2, 3)
	m.Quant = ctx.Zeros(2, 2)
	m.Text.Projection = ctx.Zeros(4, 4)
	m.Text.Positional = ctx.Zeros(8, 4)
	m.Blocks = make([]struct {
		Weight ml.Tensor `ckpt:"weight"`
	}, 2)
	for i := range m.Blocks {
		m.Blocks[i].Weight = ctx.Zeros(2)
	}
	return m
}

func ramp(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i)
	}
	return s
}

func fullDict() *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	sd.Set(&checkpoint.Tensor{Name: "encoder.conv_in.weight", Shape: []int{2, 3}, Data: ramp(6)})
	sd.Set(&checkpoint.Tensor{Name: "quant_conv.weight", Shape: []int{2, 2}, Data: ramp(4)})
	sd.Set(&checkpoint.Tensor{Name: "text.text_projection", Shape: []int{4, 4}, Data: ramp(16)})
	sd.Set(&checkpoint.Tensor{Name: "text.positional_embedding", Shape: []int{8, 4}, Data: ramp(32)})
	sd.Set(&checkpoint.Tensor{Name: "blocks.0.weight", Shape: []int{2}, Data: ramp(2)})
	sd.Set(&checkpoint.Tensor{Name: "blocks.1.weight", Shape: []int{2}, Data: ramp(2)})
	return sd
}

func TestLoadPopulatesTaggedFields(t *testing.T) {
	ctx := cpu.New().NewContext()
	m := newTestNet(ctx)

	res, err := Load(ctx, m, fullDict())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Missing) != 0 || len(res.Unexpected) != 0 {
		t.Fatalf("res = %+v, want clean load", res)
	}

	if diff := cmp.Diff(ramp(6), m.ConvWeight.Floats()); diff != "" {
		t.Errorf("conv weight (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ramp(16), m.Text.Projection.Floats()); diff != "" {
		t.Errorf("text projection (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ramp(2), m.Blocks[1].Weight.Floats()); diff != "" {
		t.Errorf("block 1 weight (-want +got):\n%s", diff)
	}
}

func TestLoadUsesAlternateName(t *testing.T) {
	ctx := cpu.New().NewContext()
	m := newTestNet(ctx)

	sd := fullDict()
	old, _ := sd.Get("quant_conv.weight")
	sd.Delete("quant_conv.weight")
	sd.Set(&checkpoint.Tensor{Name: "quantize_conv.weight", Shape: old.Shape, Data: old.Data})

	res, err := Load(ctx, m, sd)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Missing) != 0 || len(res.Unexpected) != 0 {
		t.Fatalf("res = %+v, want clean load", res)
	}
	if diff := cmp.Diff(ramp(4), m.Quant.Floats()); diff != "" {
		t.Errorf("quant weight (-want +got):\n%s", diff)
	}
}

func TestLoadReportsMissingAndUnexpected(t *testing.T) {
	ctx := cpu.New().NewContext()
	m := newTestNet(ctx)

	sd := fullDict()
	sd.Delete("encoder.conv_in.weight")
	sd.Set(&checkpoint.Tensor{Name: "loss.discriminator.main.0.weight", Shape: []int{1}, Data: ramp(1)})

	res, err := Load(ctx, m, sd)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"encoder.conv_in.weight"}, res.Missing); diff != "" {
		t.Errorf("missing (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"loss.discriminator.main.0.weight"}, res.Unexpected); diff != "" {
		t.Errorf("unexpected (-want +got):\n%s", diff)
	}
}

func TestLoadInterpolatesPositionEmbedding(t *testing.T) {
	ctx := cpu.New().NewContext()
	m := newTestNet(ctx)

	sd := fullDict()
	sd.Set(&checkpoint.Tensor{Name: "text.positional_embedding", Shape: []int{4, 4}, Data: ramp(16)})

	if _, err := Load(ctx, m, sd); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{8, 4}, m.Text.Positional.Shape()); diff != "" {
		t.Errorf("positional shape (-want +got):\n%s", diff)
	}

	// endpoints survive interpolation
	got := m.Text.Positional.Floats()
	if got[0] != 0 || got[31] != 15 {
		t.Errorf("endpoints = %v, %v, want 0, 15", got[0], got[31])
	}
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	ctx := cpu.New().NewContext()
	m := newTestNet(ctx)

	sd := fullDict()
	sd.Set(&checkpoint.Tensor{Name: "encoder.conv_in.weight", Shape: []int{3, 3}, Data: ramp(9)})

	if _, err := Load(ctx, m, sd); err == nil {
		t.Fatal("expected a shape mismatch error")
	}
}

func TestLoadRejectsRowMismatchOnNonPositional(t *testing.T) {
	ctx := cpu.New().NewContext()
	m := newTestNet(ctx)

	// same column count as the model's (4, 4) projection; only a
	// position table may be row-interpolated, so this must fail
	sd := fullDict()
	sd.Set(&checkpoint.Tensor{Name: "text.text_projection", Shape: []int{2, 4}, Data: ramp(8)})

	if _, err := Load(ctx, m, sd); err == nil {
		t.Fatal("expected a shape mismatch error for a non-positional row mismatch")
	}
}

func TestRegistry(t *testing.T) {
	Register("test-arch", func(ctx ml.Context, config []byte) (Model, error) {
		return newTestNet(ctx), nil
	})

	ctx := cpu.New().NewContext()
	if _, err := New(ctx, "test-arch", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := New(ctx, "no-such-arch", nil); err == nil {
		t.Fatal("expected an error for an unknown architecture")
	}
}
