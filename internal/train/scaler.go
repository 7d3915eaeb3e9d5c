package train

import (
	"encoding/json"
	"fmt"
	"math"
)

// Loss-scale bounds for the dynamic scaler.
const (
	scalerGrowthFactor   = 2.0
	scalerBackoffFactor  = 0.5
	scalerGrowthInterval = 200
	scalerMinScale       = 1.0
)

// lossScaler implements dynamic loss scaling for mixed-precision training.
// The loss gradient is multiplied by the scale before the backward pass,
// parameter gradients are divided by it afterwards. Steps whose unscaled
// gradients overflow are skipped and the scale backs off.
type lossScaler struct {
	enabled bool
	scale   float64
	// consecutive successful steps since the last overflow
	goodSteps int
}

// newLossScaler maps the amp opt levels to scaler settings: O0 disables
// scaling entirely, O1 starts conservatively, O2 starts at the full half
// precision headroom.
func newLossScaler(enabled bool, optLevel string) *lossScaler {
	if !enabled || optLevel == "O0" {
		return &lossScaler{enabled: false, scale: 1}
	}
	scale := 1024.0
	if optLevel == "O2" {
		scale = 65536.0
	}
	return &lossScaler{enabled: true, scale: scale}
}

func (s *lossScaler) Scale() float64 { return s.scale }

// ScaleGrads multiplies loss gradients in place before backward.
func (s *lossScaler) ScaleGrads(grads []float64) {
	if !s.enabled {
		return
	}
	for i := range grads {
		grads[i] *= s.scale
	}
}

// Unscale divides parameter gradients back down and reports whether any
// gradient is non-finite.
func (s *lossScaler) Unscale(params []*Parameter) (foundInf bool) {
	for _, p := range params {
		if p.Frozen {
			continue
		}
		for i := range p.Grad {
			if s.enabled {
				p.Grad[i] /= s.scale
			}
			if math.IsInf(p.Grad[i], 0) || math.IsNaN(p.Grad[i]) {
				foundInf = true
			}
		}
	}
	return foundInf
}

// Update adjusts the scale after a step: back off on overflow, grow after a
// stretch of clean steps.
func (s *lossScaler) Update(foundInf bool) {
	if !s.enabled {
		return
	}
	if foundInf {
		s.scale = math.Max(s.scale*scalerBackoffFactor, scalerMinScale)
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= scalerGrowthInterval {
		s.scale *= scalerGrowthFactor
		s.goodSteps = 0
	}
}

type scalerState struct {
	Enabled   bool    `json:"enabled"`
	Scale     float64 `json:"scale"`
	GoodSteps int     `json:"good_steps"`
}

func (s *lossScaler) State() ([]byte, error) {
	return json.Marshal(scalerState{Enabled: s.enabled, Scale: s.scale, GoodSteps: s.goodSteps})
}

func (s *lossScaler) LoadState(data []byte) error {
	var st scalerState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to restore loss scaler state: %w", err)
	}
	s.enabled = st.Enabled
	s.scale = st.Scale
	s.goodSteps = st.GoodSteps
	return nil
}
