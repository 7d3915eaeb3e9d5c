package train

import (
	"encoding/json"
	"fmt"
)

// StepLR multiplies the learning rate by gamma every stepSize epochs. The
// cadence is counted in global epochs, never per replica.
type StepLR struct {
	stepSize int
	gamma    float64
	epochs   int
}

func NewStepLR(stepSize int, gamma float64) *StepLR {
	return &StepLR{stepSize: stepSize, gamma: gamma}
}

// OnEpochEnd advances the scheduler by one epoch and decays the optimizer's
// learning rate when the cadence is hit.
func (s *StepLR) OnEpochEnd(opt Optimizer) {
	s.epochs++
	if s.epochs%s.stepSize == 0 {
		opt.SetLearningRate(opt.LearningRate() * s.gamma)
	}
}

type stepLRState struct {
	StepSize int     `json:"step_size"`
	Gamma    float64 `json:"gamma"`
	Epochs   int     `json:"epochs"`
}

func (s *StepLR) State() ([]byte, error) {
	return json.Marshal(stepLRState{StepSize: s.stepSize, Gamma: s.gamma, Epochs: s.epochs})
}

func (s *StepLR) LoadState(data []byte) error {
	var st stepLRState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to restore scheduler state: %w", err)
	}
	s.stepSize = st.StepSize
	s.gamma = st.Gamma
	s.epochs = st.Epochs
	return nil
}
