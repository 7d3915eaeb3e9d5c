package train

import (
	"encoding/json"
	"fmt"
	"math"

	"cinetrain/internal/config"
)

// Optimizer applies parameter updates from accumulated gradients. State()
// and LoadState() round-trip the full internal state so a restored
// checkpoint continues the exact optimization trajectory.
type Optimizer interface {
	Step(params []*Parameter) error

	LearningRate() float64
	SetLearningRate(lr float64)

	State() ([]byte, error)
	LoadState(data []byte) error
}

// NewOptimizer builds the optimizer named by the configuration. Unsupported
// types are rejected during config validation, this is a safety net.
func NewOptimizer(cfg config.Optimizer) (Optimizer, error) {
	switch cfg.Type {
	case "sgd":
		return NewSGD(cfg.LearningRate, cfg.Momentum, cfg.WeightDecay), nil
	case "adamw":
		return NewAdamW(cfg.LearningRate, cfg.WeightDecay), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer type %q", cfg.Type)
	}
}

// SGD is stochastic gradient descent with optional momentum and decoupled
// weight decay.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    map[string][]float64
}

func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{lr: lr, momentum: momentum, weightDecay: weightDecay, velocity: make(map[string][]float64)}
}

func (o *SGD) Step(params []*Parameter) error {
	for _, p := range params {
		if p.Frozen {
			continue
		}
		if len(p.Grad) != len(p.Value) {
			return fmt.Errorf("parameter %s has %d gradients for %d values", p.Name, len(p.Grad), len(p.Value))
		}
		v := o.velocity[p.Name]
		if v == nil {
			v = make([]float64, len(p.Value))
			o.velocity[p.Name] = v
		}
		for i := range p.Value {
			g := p.Grad[i] + o.weightDecay*p.Value[i]
			v[i] = o.momentum*v[i] + g
			p.Value[i] -= o.lr * v[i]
		}
	}
	return nil
}

func (o *SGD) LearningRate() float64      { return o.lr }
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }

type sgdState struct {
	LR       float64              `json:"lr"`
	Velocity map[string][]float64 `json:"velocity"`
}

func (o *SGD) State() ([]byte, error) {
	return json.Marshal(sgdState{LR: o.lr, Velocity: o.velocity})
}

func (o *SGD) LoadState(data []byte) error {
	var s sgdState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to restore sgd state: %w", err)
	}
	o.lr = s.LR
	o.velocity = s.Velocity
	if o.velocity == nil {
		o.velocity = make(map[string][]float64)
	}
	return nil
}

// AdamW implements Adam with decoupled weight decay, the optimizer the
// original training runs used.
type AdamW struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int64
	m    map[string][]float64
	v    map[string][]float64
}

func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

func (o *AdamW) Step(params []*Parameter) error {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	for _, p := range params {
		if p.Frozen {
			continue
		}
		if len(p.Grad) != len(p.Value) {
			return fmt.Errorf("parameter %s has %d gradients for %d values", p.Name, len(p.Grad), len(p.Value))
		}
		m := o.m[p.Name]
		v := o.v[p.Name]
		if m == nil {
			m = make([]float64, len(p.Value))
			v = make([]float64, len(p.Value))
			o.m[p.Name] = m
			o.v[p.Name] = v
		}
		for i := range p.Value {
			g := p.Grad[i]
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Value[i] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*p.Value[i])
		}
	}
	return nil
}

func (o *AdamW) LearningRate() float64      { return o.lr }
func (o *AdamW) SetLearningRate(lr float64) { o.lr = lr }

type adamWState struct {
	LR   float64              `json:"lr"`
	Step int64                `json:"step"`
	M    map[string][]float64 `json:"m"`
	V    map[string][]float64 `json:"v"`
}

func (o *AdamW) State() ([]byte, error) {
	return json.Marshal(adamWState{LR: o.lr, Step: o.step, M: o.m, V: o.v})
}

func (o *AdamW) LoadState(data []byte) error {
	var s adamWState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to restore adamw state: %w", err)
	}
	o.lr = s.LR
	o.step = s.Step
	o.m = s.M
	o.v = s.V
	if o.m == nil {
		o.m = make(map[string][]float64)
	}
	if o.v == nil {
		o.v = make(map[string][]float64)
	}
	return nil
}
