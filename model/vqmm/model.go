// Package vqmm implements the multimodal vector-quantized autoencoder:
// an image encoder/decoder pair and a text transformer share one
// discrete codebook, and a clustering module mixes the two modalities'
// codes before cross-decoding.
package vqmm

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/covq/covq/ml"
	"github.com/covq/covq/ml/nn"
	"github.com/covq/covq/model"
)

type Config struct {
	NEmbed   int     `json:"n_embed"`   // 8192
	EmbedDim int     `json:"embed_dim"` // 256
	Beta     float32 `json:"beta"`      // 0.25

	// image tower
	InChannels      int   `json:"in_channels"`      // 3
	OutChannels     int   `json:"out_ch"`           // 3
	Channels        int   `json:"ch"`               // 128
	ChMult          []int `json:"ch_mult"`          // [1, 1, 2, 2, 4]
	NumResBlocks    int   `json:"num_res_blocks"`   // 2
	AttnResolutions []int `json:"attn_resolutions"` // [16]
	ZChannels       int   `json:"z_channels"`       // 256
	Resolution      int   `json:"resolution"`       // 256

	// text tower
	VocabSize     int `json:"vocab_size"`     // 49408
	ContextLength int `json:"context_length"` // 256
	TextWidth     int `json:"width"`          // 512
	TextHeads     int `json:"heads"`          // 8
	TextLayers    int `json:"layers"`         // 12

	// cross-modal projections
	QuantTFLayers     int `json:"quant_tf_layers"`      // 6
	QuantTFHeads      int `json:"quant_tf_heads"`       // 8
	PostQuantTFLayers int `json:"post_quant_tf_layers"` // 2
	ClusterHeads      int `json:"cluster_heads"`        // 8

	SaneIndexShape bool   `json:"sane_index_shape"`
	Seed           uint64 `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		NEmbed:            8192,
		EmbedDim:          256,
		Beta:              0.25,
		InChannels:        3,
		OutChannels:       3,
		Channels:          128,
		ChMult:            []int{1, 1, 2, 2, 4},
		NumResBlocks:      2,
		AttnResolutions:   []int{16},
		ZChannels:         256,
		Resolution:        256,
		VocabSize:         49408,
		ContextLength:     256,
		TextWidth:         512,
		TextHeads:         8,
		TextLayers:        12,
		QuantTFLayers:     6,
		QuantTFHeads:      8,
		PostQuantTFLayers: 2,
		ClusterHeads:      8,
	}
}

// GridSize is the side of the latent code grid after downsampling.
func (c Config) GridSize() int {
	return c.Resolution >> (len(c.ChMult) - 1)
}

func (c Config) validate() error {
	if g := c.GridSize(); g*g != c.ContextLength {
		return fmt.Errorf("vqmm: context length %d does not match the %dx%d code grid", c.ContextLength, g, g)
	}
	if c.ZChannels != c.EmbedDim {
		// the text decode path feeds codes into the image decoder
		// without the 1x1 projection, so the widths must agree
		return fmt.Errorf("vqmm: z_channels %d must equal embed_dim %d", c.ZChannels, c.EmbedDim)
	}
	if c.EmbedDim%c.QuantTFHeads != 0 || c.EmbedDim%c.ClusterHeads != 0 {
		return fmt.Errorf("vqmm: embed_dim %d not divisible by head counts", c.EmbedDim)
	}
	if c.TextWidth%c.TextHeads != 0 {
		return fmt.Errorf("vqmm: text width %d not divisible by %d heads", c.TextWidth, c.TextHeads)
	}
	return nil
}

type Model struct {
	Encoder       *Encoder            `ckpt:"encoder"`
	Decoder       *Decoder            `ckpt:"decoder"`
	Quantize      *VectorQuantizer    `ckpt:"quantize"`
	QuantConv     *nn.Conv2D          `ckpt:"quant_conv"`
	PostQuantConv *nn.Conv2D          `ckpt:"post_quant_conv"`
	Text          *TextTransformer    `ckpt:"text,alt:text_encoder"`
	TextDecoder   *TextDecoder        `ckpt:"text_decoder"`
	QuantLinear   *nn.Linear          `ckpt:"quant_linear"`
	QuantTF       *TransformerDecoder `ckpt:"quant_tf"`
	PostQuantTF   *TransformerEncoder `ckpt:"post_quant_tf"`
	Cluster       *Cluster            `ckpt:"i_t_cluster"`

	cfg    Config
	frozen []string
}

func init() {
	model.Register("vqmm", func(ctx ml.Context, config []byte) (model.Model, error) {
		cfg := DefaultConfig()
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("vqmm: parse config: %w", err)
			}
		}
		return New(ctx, cfg)
	})
}

// New constructs the model with freshly initialized weights. Checkpoint
// loading overwrites them in place.
func New(ctx ml.Context, cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))

	midChannels := cfg.Channels * cfg.ChMult[len(cfg.ChMult)-1]
	return &Model{
		Encoder:       newEncoder(ctx, rng, cfg),
		Decoder:       newDecoder(ctx, rng, cfg),
		Quantize:      NewVectorQuantizer(ctx, rng, cfg.NEmbed, cfg.EmbedDim, cfg.Beta, cfg.SaneIndexShape),
		QuantConv:     nn.NewConv2D(ctx, rng, cfg.EmbedDim, cfg.ZChannels, 1, 1),
		PostQuantConv: nn.NewConv2D(ctx, rng, cfg.ZChannels, cfg.EmbedDim, 1, 1),
		Text:          newTextTransformer(ctx, rng, cfg),
		TextDecoder:   newTextDecoder(ctx, rng, midChannels, cfg.VocabSize),
		QuantLinear:   nn.NewLinear(ctx, rng, cfg.TextWidth, cfg.EmbedDim),
		QuantTF:       newTransformerDecoder(ctx, rng, cfg.QuantTFLayers, cfg.EmbedDim, cfg.QuantTFHeads),
		PostQuantTF:   newTransformerEncoder(ctx, rng, cfg.PostQuantTFLayers, cfg.EmbedDim, cfg.QuantTFHeads),
		Cluster:       newCluster(ctx, rng, cfg.EmbedDim, cfg.ClusterHeads),
		cfg:           cfg,
	}, nil
}

func (m *Model) Config() Config {
	return m.cfg
}

// Encode runs the image tower: conv encoder, 1x1 projection into the
// shared embedding width, then quantization. The pre-quantization
// hidden grid is returned for the text encoder to condition on.
func (m *Model) Encode(ctx ml.Context, image ml.Tensor) (quant, hidden, indices ml.Tensor, loss float32) {
	h := m.Encoder.Forward(ctx, image)
	hidden = m.QuantConv.Forward(ctx, h, 1, 1, 0, 0)
	quant, loss, indices = m.Quantize.Quantize(ctx, hidden, "image")
	return quant, hidden, indices, loss
}

// Decode reconstructs an image from a code-shaped grid and, from the
// decoder's mid hidden map, per-position vocabulary logits.
func (m *Model) Decode(ctx ml.Context, coquant ml.Tensor) (i2i, i2t ml.Tensor) {
	z := m.PostQuantConv.Forward(ctx, coquant, 1, 1, 0, 0)
	i2i, hidden := m.Decoder.Forward(ctx, z)
	i2t = m.TextDecoder.Forward(ctx, hidden)
	return i2i, i2t
}

// DecodeCode decodes directly from codebook indices, without a
// preceding encode step.
func (m *Model) DecodeCode(ctx ml.Context, indices ml.Tensor) (i2i, i2t ml.Tensor) {
	return m.Decode(ctx, m.Quantize.Lookup(ctx, indices))
}

// TextEncode runs the text tower conditioned on the image hidden grid:
// transformer encoding with padding masked, projection to the shared
// width, then a cross-attention block with the image grid as query and
// the text sequence as memory, and finally quantization.
func (m *Model) TextEncode(ctx ml.Context, text ml.Tensor, validLens []int32, imageHidden ml.Tensor) (quant, hidden, indices, mask ml.Tensor, loss float32) {
	b, d := imageHidden.Dim(0), imageHidden.Dim(1)
	grid := imageHidden.Reshape(ctx, b, d, imageHidden.Dim(2)*imageHidden.Dim(3)).Permute(ctx, 0, 2, 1)

	encoded, mask := m.Text.Forward(ctx, text, validLens)
	memory := m.QuantLinear.Forward(ctx, encoded)
	hidden = m.QuantTF.Forward(ctx, grid, memory, nil)
	quant, loss, indices = m.Quantize.Quantize(ctx, hidden, "text")
	return quant, hidden, indices, mask, loss
}

// TextDecode reconstructs both modalities from a quantized text
// sequence: a self-attention block, then the sequence is folded into a
// code grid and pushed through the image decoder.
func (m *Model) TextDecode(ctx ml.Context, textQuant ml.Tensor) (t2t, t2i ml.Tensor) {
	h := m.PostQuantTF.Forward(ctx, textQuant, nil)

	b := h.Dim(0)
	g := m.cfg.GridSize()
	z := h.Permute(ctx, 0, 2, 1).Reshape(ctx, b, m.cfg.EmbedDim, g, g)

	t2i, hidden := m.Decoder.Forward(ctx, z)
	t2t = m.TextDecoder.Forward(ctx, hidden)
	return t2t, t2i
}

// Output is the terminal state of one forward pass: four
// reconstructions and four scalar losses, all computed every pass.
type Output struct {
	I2I ml.Tensor // image from co-quantized image codes
	I2T ml.Tensor // text logits from co-quantized image codes
	T2T ml.Tensor // text logits from quantized text codes
	T2I ml.Tensor // image from quantized text codes

	ImageQuantLoss float32
	TextQuantLoss  float32
	ImageMixLoss   float32
	TextMixLoss    float32
}

func (m *Model) Forward(ctx ml.Context, image, text ml.Tensor, validLens []int32) *Output {
	imageQuant, imageHidden, _, imageQuantLoss := m.Encode(ctx, image)
	textQuant, _, _, mask, textQuantLoss := m.TextEncode(ctx, text, validLens, imageHidden)

	imageCo, _, imageMixLoss, textMixLoss := m.Cluster.Forward(ctx, imageQuant, textQuant, mask, validLens)

	i2i, i2t := m.Decode(ctx, imageCo)
	t2t, t2i := m.TextDecode(ctx, textQuant)

	return &Output{
		I2I:            i2i,
		I2T:            i2t,
		T2T:            t2t,
		T2I:            t2i,
		ImageQuantLoss: imageQuantLoss,
		TextQuantLoss:  textQuantLoss,
		ImageMixLoss:   imageMixLoss,
		TextMixLoss:    textMixLoss,
	}
}

// ForwardNoMix computes the comparison reconstructions that bypass the
// cluster: the image decoded from its own quantized codes, and the
// image decoded from the quantized text codes.
func (m *Model) ForwardNoMix(ctx ml.Context, image, text ml.Tensor, validLens []int32) (i2i, t2i ml.Tensor) {
	imageQuant, imageHidden, _, _ := m.Encode(ctx, image)
	textQuant, _, _, _, _ := m.TextEncode(ctx, text, validLens, imageHidden)

	i2i, _ = m.Decode(ctx, imageQuant)
	_, t2i = m.TextDecode(ctx, textQuant)
	return i2i, t2i
}

// LastLayer returns the final image decoder convolution weights, handed
// to the loss module for adaptive weighting.
func (m *Model) LastLayer() ml.Tensor {
	return m.Decoder.ConvOut.Weight
}

// Freeze marks parameter prefixes as non-trainable for staged training.
// The optimizer grouping consults Trainable when collecting parameters.
func (m *Model) Freeze(prefixes ...string) {
	m.frozen = append(m.frozen, prefixes...)
}

func (m *Model) Trainable(name string) bool {
	for _, p := range m.frozen {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	return true
}

// paddingMask builds an additive attention mask over key positions:
// zero inside each example's valid length, a large negative value
// beyond it. Shape (batch, 1, 1, length) broadcasts over heads and
// query positions.
func paddingMask(ctx ml.Context, validLens []int32, length int) ml.Tensor {
	s := make([]float32, len(validLens)*length)
	for i, n := range validLens {
		for j := int32(0); j < int32(length); j++ {
			if j >= n {
				s[i*length+int(j)] = float32(math.Inf(-1))
			}
		}
	}

	mask, err := ctx.FromFloatSlice(s, len(validLens), 1, 1, length)
	if err != nil {
		panic(err)
	}
	return mask
}
