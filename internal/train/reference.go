package train

import (
	"context"
	"errors"
	"math/rand"

	"cinetrain/internal/clip"
)

// MeanPoolLinear is the built-in baseline regressor: global average pooling
// per channel followed by a per-channel feature stage and a linear head. It
// exists so the training loop can run end to end without an external
// inference runtime, and it implements LowerFreezer so head-only training is
// exercised too.
type MeanPoolLinear struct {
	channels int

	lowerScale *Parameter
	lowerBias  *Parameter
	headWeight *Parameter
	headBias   *Parameter

	// activations cached by Forward for the next Backward call
	rawPooled [][]float64
	features  [][]float64
}

func NewMeanPoolLinear(channels int, seed int64) *MeanPoolLinear {
	rng := rand.New(rand.NewSource(seed))
	m := &MeanPoolLinear{
		channels:   channels,
		lowerScale: &Parameter{Name: "lower.scale", Value: make([]float64, channels), Grad: make([]float64, channels)},
		lowerBias:  &Parameter{Name: "lower.bias", Value: make([]float64, channels), Grad: make([]float64, channels)},
		headWeight: &Parameter{Name: "head.weight", Value: make([]float64, channels), Grad: make([]float64, channels)},
		headBias:   &Parameter{Name: "head.bias", Value: make([]float64, 1), Grad: make([]float64, 1)},
	}
	for c := 0; c < channels; c++ {
		m.lowerScale.Value[c] = 1
		m.headWeight.Value[c] = rng.NormFloat64() * 0.1
	}
	return m
}

func (m *MeanPoolLinear) Forward(_ context.Context, inputs []*clip.Tensor4D) ([]float64, error) {
	m.rawPooled = make([][]float64, len(inputs))
	m.features = make([][]float64, len(inputs))
	preds := make([]float64, len(inputs))

	for i, t := range inputs {
		if t.Channels != m.channels {
			return nil, errors.New("input channel count does not match the model")
		}
		pooled := poolChannels(t)
		feat := make([]float64, m.channels)
		var pred float64
		for c := 0; c < m.channels; c++ {
			feat[c] = m.lowerScale.Value[c]*pooled[c] + m.lowerBias.Value[c]
			pred += m.headWeight.Value[c] * feat[c]
		}
		m.rawPooled[i] = pooled
		m.features[i] = feat
		preds[i] = pred + m.headBias.Value[0]
	}
	return preds, nil
}

// Backward accumulates gradients for the cached activations of the last
// Forward call. Gradients are summed, not overwritten, so the caller decides
// when to zero them.
func (m *MeanPoolLinear) Backward(_ context.Context, lossGrads []float64) error {
	if len(lossGrads) != len(m.features) {
		return errors.New("loss gradient count does not match the last forward pass")
	}
	for i, g := range lossGrads {
		m.headBias.Grad[0] += g
		for c := 0; c < m.channels; c++ {
			m.headWeight.Grad[c] += g * m.features[i][c]
			m.lowerScale.Grad[c] += g * m.headWeight.Value[c] * m.rawPooled[i][c]
			m.lowerBias.Grad[c] += g * m.headWeight.Value[c]
		}
	}
	return nil
}

func (m *MeanPoolLinear) Parameters() []*Parameter {
	return []*Parameter{m.lowerScale, m.lowerBias, m.headWeight, m.headBias}
}

// FreezeLower excludes the feature stage from optimization, leaving only the
// linear head trainable.
func (m *MeanPoolLinear) FreezeLower() {
	m.lowerScale.Frozen = true
	m.lowerBias.Frozen = true
}

// Clone returns an independent replica with identical parameter values, for
// data-parallel training.
func (m *MeanPoolLinear) Clone() *MeanPoolLinear {
	out := NewMeanPoolLinear(m.channels, 0)
	src := m.Parameters()
	dst := out.Parameters()
	for i := range src {
		copy(dst[i].Value, src[i].Value)
		dst[i].Frozen = src[i].Frozen
	}
	return out
}

func poolChannels(t *clip.Tensor4D) []float64 {
	pooled := make([]float64, t.Channels)
	voxels := t.Length * t.Height * t.Width
	for c := 0; c < t.Channels; c++ {
		var sum float64
		base := c * voxels
		for i := 0; i < voxels; i++ {
			sum += float64(t.Data[base+i])
		}
		pooled[c] = sum / float64(voxels)
	}
	return pooled
}
