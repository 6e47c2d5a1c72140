// Package train orchestrates optimization steps around the model: the
// loss-module contract, optimizer parameter grouping, and a step-decay
// learning rate schedule. The loss internals and the optimizer itself
// are external collaborators.
package train

import (
	"log/slog"
	"math"
	"strings"

	"github.com/covq/covq/ml"
	"github.com/covq/covq/model"
	"github.com/covq/covq/model/vqmm"
)

// Optimizer phases: the loss module is called once per phase each step.
const (
	PhaseGenerator     = 0
	PhaseDiscriminator = 1
)

// LossInputs carries everything the loss module consumes for one batch.
type LossInputs struct {
	ImageQuantLoss float32
	Image          ml.Tensor
	I2IRec         ml.Tensor
	I2TRec         ml.Tensor
	Phase          int
	GlobalStep     int
	Text           ml.Tensor
	T2IRec         ml.Tensor
	T2TRec         ml.Tensor
	TextQuantLoss  float32
	ValidLens      []int32
	ImageMixLoss   float32
	TextMixLoss    float32
	LastLayer      ml.Tensor
	Split          string
}

// Criterion is the loss-module contract: a scalar loss plus named
// metric scalars for the sink.
type Criterion interface {
	Loss(inputs *LossInputs) (float32, map[string]float32, error)
}

// MetricsSink receives named scalars per step. Implementations decide
// where they go; the trainer only produces values.
type MetricsSink interface {
	Scalar(name string, value float32, step int)
	Scalars(values map[string]float32, step int)
}

// StepLR decays the learning rate by gamma every stepSize epochs.
type StepLR struct {
	Base     float64
	StepSize int
	Gamma    float64
}

func (s StepLR) At(epoch int) float64 {
	if s.StepSize <= 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

// discriminatorPrefix marks loss-module parameters that belong to the
// adversarial head rather than the autoencoder.
const discriminatorPrefix = "loss.discriminator"

// Groups is the two-optimizer split: the vq group updates the
// autoencoder and codebook, the disc group updates the discriminator.
type Groups struct {
	VQ   []model.NamedTensor
	Disc []model.NamedTensor
}

// ParamGroups assigns parameters to their optimizer group by name.
// Parameters reported non-trainable are excluded entirely; a nil
// trainable accepts everything.
func ParamGroups(params []model.NamedTensor, trainable func(string) bool) Groups {
	var g Groups
	for _, p := range params {
		if trainable != nil && !trainable(p.Name) {
			continue
		}
		if strings.HasPrefix(p.Name, discriminatorPrefix) {
			g.Disc = append(g.Disc, p)
		} else {
			g.VQ = append(g.VQ, p)
		}
	}
	return g
}

// Trainer drives one forward pass and two loss evaluations per step,
// one per optimizer phase.
type Trainer struct {
	Model     *vqmm.Model
	Criterion Criterion
	Metrics   MetricsSink
	Schedule  StepLR

	step int
}

func (t *Trainer) GlobalStep() int {
	return t.step
}

// Step runs the four-branch forward pass and evaluates the loss for
// both phases. Both loss values are reported to the metrics sink under
// the given split tag.
func (t *Trainer) Step(ctx ml.Context, image, text ml.Tensor, validLens []int32, split string) (genLoss, discLoss float32, err error) {
	out := t.Model.Forward(ctx, image, text, validLens)

	inputs := &LossInputs{
		ImageQuantLoss: out.ImageQuantLoss,
		Image:          image,
		I2IRec:         out.I2I,
		I2TRec:         out.I2T,
		GlobalStep:     t.step,
		Text:           text,
		T2IRec:         out.T2I,
		T2TRec:         out.T2T,
		TextQuantLoss:  out.TextQuantLoss,
		ValidLens:      validLens,
		ImageMixLoss:   out.ImageMixLoss,
		TextMixLoss:    out.TextMixLoss,
		LastLayer:      t.Model.LastLayer(),
		Split:          split,
	}

	inputs.Phase = PhaseGenerator
	genLoss, genMetrics, err := t.Criterion.Loss(inputs)
	if err != nil {
		return 0, 0, err
	}

	inputs.Phase = PhaseDiscriminator
	discLoss, discMetrics, err := t.Criterion.Loss(inputs)
	if err != nil {
		return 0, 0, err
	}

	if t.Metrics != nil {
		t.Metrics.Scalar(split+"/loss", genLoss, t.step)
		t.Metrics.Scalar(split+"/discloss", discLoss, t.step)
		t.Metrics.Scalars(genMetrics, t.step)
		t.Metrics.Scalars(discMetrics, t.step)
	}

	slog.Debug("step", "split", split, "step", t.step, "loss", genLoss, "discloss", discLoss)
	t.step++
	return genLoss, discLoss, nil
}
