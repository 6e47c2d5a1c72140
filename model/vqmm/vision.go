package vqmm

import (
	"math"
	"math/rand/v2"

	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/nn"
)

const (
	normGroups = 32
	normEps    = 1e-6
)

// ResnetBlock is the standard norm-silu-conv residual block. A 1x1
// shortcut projection reconciles differing channel counts.
type ResnetBlock struct {
	Norm1       *nn.GroupNorm `ckpt:"norm1"`
	Conv1       *nn.Conv2D    `ckpt:"conv1"`
	Norm2       *nn.GroupNorm `ckpt:"norm2"`
	Conv2       *nn.Conv2D    `ckpt:"conv2"`
	NinShortcut *nn.Conv2D    `ckpt:"nin_shortcut"`
}

func newResnetBlock(ctx ml.Context, rng *rand.Rand, in, out int) *ResnetBlock {
	b := &ResnetBlock{
		Norm1: nn.NewGroupNorm(ctx, in),
		Conv1: nn.NewConv2D(ctx, rng, out, in, 3, 3),
		Norm2: nn.NewGroupNorm(ctx, out),
		Conv2: nn.NewConv2D(ctx, rng, out, out, 3, 3),
	}
	if in != out {
		b.NinShortcut = nn.NewConv2D(ctx, rng, out, in, 1, 1)
	}
	return b
}

func (b *ResnetBlock) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	h := b.Norm1.Forward(ctx, t, normGroups, normEps).SILU(ctx)
	h = b.Conv1.Forward(ctx, h, 1, 1, 1, 1)
	h = b.Norm2.Forward(ctx, h, normGroups, normEps).SILU(ctx)
	h = b.Conv2.Forward(ctx, h, 1, 1, 1, 1)

	if b.NinShortcut != nil {
		t = b.NinShortcut.Forward(ctx, t, 1, 1, 0, 0)
	}
	return t.Add(ctx, h)
}

// AttnBlock is single-head spatial self-attention over the feature
// grid, with 1x1 convolutions as projections.
type AttnBlock struct {
	Norm    *nn.GroupNorm `ckpt:"norm"`
	Q       *nn.Conv2D    `ckpt:"q"`
	K       *nn.Conv2D    `ckpt:"k"`
	V       *nn.Conv2D    `ckpt:"v"`
	ProjOut *nn.Conv2D    `ckpt:"proj_out"`
}

func newAttnBlock(ctx ml.Context, rng *rand.Rand, channels int) *AttnBlock {
	return &AttnBlock{
		Norm:    nn.NewGroupNorm(ctx, channels),
		Q:       nn.NewConv2D(ctx, rng, channels, channels, 1, 1),
		K:       nn.NewConv2D(ctx, rng, channels, channels, 1, 1),
		V:       nn.NewConv2D(ctx, rng, channels, channels, 1, 1),
		ProjOut: nn.NewConv2D(ctx, rng, channels, channels, 1, 1),
	}
}

func (b *AttnBlock) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	h := b.Norm.Forward(ctx, t, normGroups, normEps)

	q := b.Q.Forward(ctx, h, 1, 1, 0, 0)
	k := b.K.Forward(ctx, h, 1, 1, 0, 0)
	v := b.V.Forward(ctx, h, 1, 1, 0, 0)

	batch, c, height, width := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	hw := height * width

	// (b, c, h, w) -> (b, 1, hw, c)
	seq := func(t ml.Tensor) ml.Tensor {
		return t.Reshape(ctx, batch, 1, c, hw).Permute(ctx, 0, 1, 3, 2)
	}

	attn := nn.Attention(ctx, seq(q), seq(k), seq(v), 1/math.Sqrt(float64(c)), nil)
	attn = attn.Permute(ctx, 0, 1, 3, 2).Reshape(ctx, batch, c, height, width)

	return t.Add(ctx, b.ProjOut.Forward(ctx, attn, 1, 1, 0, 0))
}

// Downsample halves the spatial resolution with a stride-2 convolution
// after padding a single row and column on the bottom-right.
type Downsample struct {
	Conv *nn.Conv2D `ckpt:"conv"`
}

func newDownsample(ctx ml.Context, rng *rand.Rand, channels int) *Downsample {
	return &Downsample{Conv: nn.NewConv2D(ctx, rng, channels, channels, 3, 3)}
}

func (d *Downsample) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Pad(ctx, 0, 0, 1, 1)
	return d.Conv.Forward(ctx, t, 2, 2, 0, 0)
}

// Upsample doubles the spatial resolution with nearest-neighbor
// interpolation followed by a convolution.
type Upsample struct {
	Conv *nn.Conv2D `ckpt:"conv"`
}

func newUpsample(ctx ml.Context, rng *rand.Rand, channels int) *Upsample {
	return &Upsample{Conv: nn.NewConv2D(ctx, rng, channels, channels, 3, 3)}
}

func (u *Upsample) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.UpsampleNearest(ctx, 2)
	return u.Conv.Forward(ctx, t, 1, 1, 1, 1)
}

type midBlocks struct {
	Block1 *ResnetBlock `ckpt:"block_1"`
	Attn1  *AttnBlock   `ckpt:"attn_1"`
	Block2 *ResnetBlock `ckpt:"block_2"`
}

func newMidBlocks(ctx ml.Context, rng *rand.Rand, channels int) midBlocks {
	return midBlocks{
		Block1: newResnetBlock(ctx, rng, channels, channels),
		Attn1:  newAttnBlock(ctx, rng, channels),
		Block2: newResnetBlock(ctx, rng, channels, channels),
	}
}

func (m *midBlocks) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Block1.Forward(ctx, t)
	t = m.Attn1.Forward(ctx, t)
	return m.Block2.Forward(ctx, t)
}

type encoderLevel struct {
	Block      []*ResnetBlock `ckpt:"block"`
	Attn       []*AttnBlock   `ckpt:"attn"`
	Downsample *Downsample    `ckpt:"downsample"`
}

// Encoder maps an image (b, in_channels, res, res) to a latent grid
// (b, z_channels, res/2^(levels-1), ...).
type Encoder struct {
	ConvIn  *nn.Conv2D     `ckpt:"conv_in"`
	Down    []encoderLevel `ckpt:"down"`
	Mid     midBlocks      `ckpt:"mid"`
	NormOut *nn.GroupNorm  `ckpt:"norm_out"`
	ConvOut *nn.Conv2D     `ckpt:"conv_out"`
}

func newEncoder(ctx ml.Context, rng *rand.Rand, cfg Config) *Encoder {
	e := &Encoder{
		ConvIn: nn.NewConv2D(ctx, rng, cfg.Channels, cfg.InChannels, 3, 3),
		Down:   make([]encoderLevel, len(cfg.ChMult)),
	}

	res := cfg.Resolution
	blockIn := cfg.Channels
	for i, mult := range cfg.ChMult {
		blockOut := cfg.Channels * mult

		level := encoderLevel{}
		for j := 0; j < cfg.NumResBlocks; j++ {
			level.Block = append(level.Block, newResnetBlock(ctx, rng, blockIn, blockOut))
			blockIn = blockOut
			if hasAttn(cfg, res) {
				level.Attn = append(level.Attn, newAttnBlock(ctx, rng, blockIn))
			}
		}
		if i != len(cfg.ChMult)-1 {
			level.Downsample = newDownsample(ctx, rng, blockIn)
			res /= 2
		}
		e.Down[i] = level
	}

	e.Mid = newMidBlocks(ctx, rng, blockIn)
	e.NormOut = nn.NewGroupNorm(ctx, blockIn)
	e.ConvOut = nn.NewConv2D(ctx, rng, cfg.ZChannels, blockIn, 3, 3)
	return e
}

func (e *Encoder) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	h := e.ConvIn.Forward(ctx, t, 1, 1, 1, 1)

	for _, level := range e.Down {
		for j, block := range level.Block {
			h = block.Forward(ctx, h)
			if j < len(level.Attn) {
				h = level.Attn[j].Forward(ctx, h)
			}
		}
		if level.Downsample != nil {
			h = level.Downsample.Forward(ctx, h)
		}
	}

	h = e.Mid.Forward(ctx, h)
	h = e.NormOut.Forward(ctx, h, normGroups, normEps).SILU(ctx)
	return e.ConvOut.Forward(ctx, h, 1, 1, 1, 1)
}

type decoderLevel struct {
	Block    []*ResnetBlock `ckpt:"block"`
	Attn     []*AttnBlock   `ckpt:"attn"`
	Upsample *Upsample      `ckpt:"upsample"`
}

// Decoder maps a code grid back to an image. The hidden map after the
// mid blocks is exposed as a side output for the text decoder.
type Decoder struct {
	ConvIn  *nn.Conv2D     `ckpt:"conv_in"`
	Mid     midBlocks      `ckpt:"mid"`
	Up      []decoderLevel `ckpt:"up"`
	NormOut *nn.GroupNorm  `ckpt:"norm_out"`
	ConvOut *nn.Conv2D     `ckpt:"conv_out"`
}

func newDecoder(ctx ml.Context, rng *rand.Rand, cfg Config) *Decoder {
	levels := len(cfg.ChMult)
	blockIn := cfg.Channels * cfg.ChMult[levels-1]

	d := &Decoder{
		ConvIn: nn.NewConv2D(ctx, rng, blockIn, cfg.ZChannels, 3, 3),
		Up:     make([]decoderLevel, levels),
	}
	d.Mid = newMidBlocks(ctx, rng, blockIn)

	res := cfg.Resolution >> (levels - 1)
	for i := levels - 1; i >= 0; i-- {
		blockOut := cfg.Channels * cfg.ChMult[i]

		level := decoderLevel{}
		for j := 0; j < cfg.NumResBlocks+1; j++ {
			level.Block = append(level.Block, newResnetBlock(ctx, rng, blockIn, blockOut))
			blockIn = blockOut
			if hasAttn(cfg, res) {
				level.Attn = append(level.Attn, newAttnBlock(ctx, rng, blockIn))
			}
		}
		if i != 0 {
			level.Upsample = newUpsample(ctx, rng, blockIn)
			res *= 2
		}
		d.Up[i] = level
	}

	d.NormOut = nn.NewGroupNorm(ctx, blockIn)
	d.ConvOut = nn.NewConv2D(ctx, rng, cfg.OutChannels, blockIn, 3, 3)
	return d
}

func (d *Decoder) Forward(ctx ml.Context, z ml.Tensor) (image, hidden ml.Tensor) {
	h := d.ConvIn.Forward(ctx, z, 1, 1, 1, 1)
	h = d.Mid.Forward(ctx, h)
	hidden = h

	for i := len(d.Up) - 1; i >= 0; i-- {
		level := d.Up[i]
		for j, block := range level.Block {
			h = block.Forward(ctx, h)
			if j < len(level.Attn) {
				h = level.Attn[j].Forward(ctx, h)
			}
		}
		if level.Upsample != nil {
			h = level.Upsample.Forward(ctx, h)
		}
	}

	h = d.NormOut.Forward(ctx, h, normGroups, normEps).SILU(ctx)
	image = d.ConvOut.Forward(ctx, h, 1, 1, 1, 1)
	return image, hidden
}

func hasAttn(cfg Config, res int) bool {
	for _, r := range cfg.AttnResolutions {
		if r == res {
			return true
		}
	}
	return false
}
