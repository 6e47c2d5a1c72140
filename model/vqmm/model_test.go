package vqmm

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/covq/covq/checkpoint"
	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/backend/cpu"
	"github.com/covq/covq/model"
)

func testConfig() Config {
	return Config{
		NEmbed:            64,
		EmbedDim:          32,
		Beta:              0.25,
		InChannels:        3,
		OutChannels:       3,
		Channels:          32,
		ChMult:            []int{1, 2},
		NumResBlocks:      1,
		AttnResolutions:   []int{16},
		ZChannels:         32,
		Resolution:        32,
		VocabSize:         100,
		ContextLength:     256,
		TextWidth:         64,
		TextHeads:         4,
		TextLayers:        1,
		QuantTFLayers:     1,
		QuantTFHeads:      4,
		PostQuantTFLayers: 1,
		ClusterHeads:      4,
		SaneIndexShape:    true,
		Seed:              21,
	}
}

func testBatch(t *testing.T, ctx ml.Context, cfg Config, batch int) (image, text ml.Tensor, validLens []int32) {
	t.Helper()

	rng := rand.New(rand.NewPCG(23, 24))
	image = randomTensor(t, ctx, rng, batch, cfg.InChannels, cfg.Resolution, cfg.Resolution)

	ids := make([]int32, batch*cfg.ContextLength)
	for i := range ids {
		ids[i] = rng.Int32N(int32(cfg.VocabSize))
	}
	text, err := ctx.FromIntSlice(ids, batch, cfg.ContextLength)
	if err != nil {
		t.Fatal(err)
	}

	validLens = make([]int32, batch)
	for i := range validLens {
		validLens[i] = 3 + int32(i)
	}
	return image, text, validLens
}

func allFinite(s []float32) bool {
	for _, v := range s {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if got := cfg.GridSize(); got != 16 {
		t.Errorf("grid size = %d, want 16", got)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.ContextLength = 100
	if _, err := New(cpu.New().NewContext(), cfg); err == nil {
		t.Error("expected an error for a context length off the code grid")
	}

	cfg = testConfig()
	cfg.ZChannels = 16
	if _, err := New(cpu.New().NewContext(), cfg); err == nil {
		t.Error("expected an error for z_channels != embed_dim")
	}
}

func TestEncodeShapes(t *testing.T) {
	ctx := cpu.New().NewContext()
	cfg := testConfig()
	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	image, _, _ := testBatch(t, ctx, cfg, 2)
	quant, hidden, indices, loss := m.Encode(ctx, image)

	g := cfg.GridSize()
	if diff := cmp.Diff([]int{2, cfg.EmbedDim, g, g}, quant.Shape()); diff != "" {
		t.Errorf("quant shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, cfg.EmbedDim, g, g}, hidden.Shape()); diff != "" {
		t.Errorf("hidden shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, g, g}, indices.Shape()); diff != "" {
		t.Errorf("indices shape (-want +got):\n%s", diff)
	}
	if math.IsNaN(float64(loss)) {
		t.Errorf("loss = %v", loss)
	}
}

func TestTextEncodeLength(t *testing.T) {
	ctx := cpu.New().NewContext()
	cfg := testConfig()
	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	image, text, validLens := testBatch(t, ctx, cfg, 2)
	_, imageHidden, _, _ := m.Encode(ctx, image)
	quant, _, indices, _, _ := m.TextEncode(ctx, text, validLens, imageHidden)

	if diff := cmp.Diff([]int{2, cfg.ContextLength, cfg.EmbedDim}, quant.Shape()); diff != "" {
		t.Errorf("text quant shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, cfg.ContextLength}, indices.Shape()); diff != "" {
		t.Errorf("text indices shape (-want +got):\n%s", diff)
	}
}

func TestForwardFourBranches(t *testing.T) {
	ctx := cpu.New().NewContext()
	cfg := testConfig()
	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	image, text, validLens := testBatch(t, ctx, cfg, 4)
	out := m.Forward(ctx, image, text, validLens)

	imageShape := []int{4, cfg.OutChannels, cfg.Resolution, cfg.Resolution}
	textShape := []int{4, cfg.ContextLength, cfg.VocabSize}

	for name, tt := range map[string]struct {
		got  ml.Tensor
		want []int
	}{
		"i2i": {out.I2I, imageShape},
		"t2i": {out.T2I, imageShape},
		"i2t": {out.I2T, textShape},
		"t2t": {out.T2T, textShape},
	} {
		if diff := cmp.Diff(tt.want, tt.got.Shape()); diff != "" {
			t.Errorf("%s shape (-want +got):\n%s", name, diff)
		}
		if !allFinite(tt.got.Floats()) {
			t.Errorf("%s contains non-finite values", name)
		}
	}

	for name, loss := range map[string]float32{
		"image quant": out.ImageQuantLoss,
		"text quant":  out.TextQuantLoss,
		"image mix":   out.ImageMixLoss,
		"text mix":    out.TextMixLoss,
	} {
		if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
			t.Errorf("%s loss = %v", name, loss)
		}
	}
}

func TestDecodeCode(t *testing.T) {
	ctx := cpu.New().NewContext()
	cfg := testConfig()
	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	g := cfg.GridSize()
	ids := make([]int32, g*g)
	for i := range ids {
		ids[i] = int32(i % cfg.NEmbed)
	}
	indices, err := ctx.FromIntSlice(ids, 1, g, g)
	if err != nil {
		t.Fatal(err)
	}

	i2i, i2t := m.DecodeCode(ctx, indices)
	if diff := cmp.Diff([]int{1, cfg.OutChannels, cfg.Resolution, cfg.Resolution}, i2i.Shape()); diff != "" {
		t.Errorf("i2i shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, cfg.ContextLength, cfg.VocabSize}, i2t.Shape()); diff != "" {
		t.Errorf("i2t shape (-want +got):\n%s", diff)
	}
}

func TestCheckpointPrefixEquivalence(t *testing.T) {
	ctx := cpu.New().NewContext()
	cfg := testConfig()

	src, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	// snapshot src's weights under a replica prefix, as a multi-gpu
	// save would produce them
	sd := checkpoint.NewStateDict()
	for _, p := range model.NamedTensors(src) {
		sd.Set(&checkpoint.Tensor{
			Name:  "module." + p.Name,
			Shape: p.Tensor.Shape(),
			Data:  append([]float32(nil), p.Tensor.Floats()...),
		})
	}

	cfg.Seed = 99 // different init, to prove the load matters
	dst, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	res, err := model.Load(ctx, dst, checkpoint.Migrate(sd))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Missing) != 0 || len(res.Unexpected) != 0 {
		t.Fatalf("load result = %+v, want clean", res)
	}

	image, text, validLens := testBatch(t, ctx, cfg, 1)
	a := src.Forward(ctx, image, text, validLens)
	b := dst.Forward(ctx, image, text, validLens)

	if diff := cmp.Diff(a.I2I.Floats(), b.I2I.Floats()); diff != "" {
		t.Errorf("i2i outputs differ after prefixed load:\n%s", diff)
	}
	if diff := cmp.Diff(a.T2T.Floats(), b.T2T.Floats()); diff != "" {
		t.Errorf("t2t outputs differ after prefixed load:\n%s", diff)
	}
}

func TestFreeze(t *testing.T) {
	ctx := cpu.New().NewContext()
	m, err := New(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	m.Freeze("encoder", "quantize")

	if m.Trainable("encoder.conv_in.weight") {
		t.Error("frozen encoder parameter reported trainable")
	}
	if m.Trainable("quantize.embedding.weight") {
		t.Error("frozen quantizer parameter reported trainable")
	}
	if !m.Trainable("decoder.conv_out.weight") {
		t.Error("unfrozen parameter reported frozen")
	}
}

func TestForwardFullResolution(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-resolution forward in short mode")
	}

	cfg := Config{
		NEmbed:            128,
		EmbedDim:          32,
		Beta:              0.25,
		InChannels:        3,
		OutChannels:       3,
		Channels:          32,
		ChMult:            []int{1, 1, 1, 1, 1},
		NumResBlocks:      1,
		AttnResolutions:   []int{16},
		ZChannels:         32,
		Resolution:        256,
		VocabSize:         100,
		ContextLength:     256,
		TextWidth:         64,
		TextHeads:         4,
		TextLayers:        1,
		QuantTFLayers:     1,
		QuantTFHeads:      4,
		PostQuantTFLayers: 1,
		ClusterHeads:      4,
		SaneIndexShape:    true,
		Seed:              31,
	}
	if got := cfg.GridSize(); got != 16 {
		t.Fatalf("grid size = %d, want 16", got)
	}

	ctx := cpu.New().NewContext()
	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	image, text, validLens := testBatch(t, ctx, cfg, 4)
	out := m.Forward(ctx, image, text, validLens)

	if diff := cmp.Diff([]int{4, 3, 256, 256}, out.I2I.Shape()); diff != "" {
		t.Errorf("i2i shape (-want +got):\n%s", diff)
	}
	if !allFinite(out.I2I.Floats()) || !allFinite(out.T2T.Floats()) {
		t.Error("full-resolution forward produced non-finite values")
	}
}
