package network

import "math"

// Default Adam hyperparameters.
const (
	DefaultLearningRate = 1e-3
	DefaultBeta1        = 0.9
	DefaultBeta2        = 0.999
	DefaultAdamEpsilon  = 1e-8
)

// AdamConfig holds optimizer hyperparameters. Zero values fall back to defaults.
type AdamConfig struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Epsilon      float64 `json:"epsilon"`
}

// ApplyDefaults fills unset fields.
func (c *AdamConfig) ApplyDefaults() {
	if c.LearningRate <= 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Beta1 <= 0 {
		c.Beta1 = DefaultBeta1
	}
	if c.Beta2 <= 0 {
		c.Beta2 = DefaultBeta2
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultAdamEpsilon
	}
}

// moments are the first and second moment estimates of one parameter.
type moments struct {
	M1 []float64
	M2 []float64
}

// Adam updates parameters from their accumulated gradients with bias-corrected
// moment estimates.
type Adam struct {
	cfg    AdamConfig
	params []*Param
	state  []moments
	step   int
}

// NewAdam creates an optimizer over params.
func NewAdam(params []*Param, cfg AdamConfig) *Adam {
	cfg.ApplyDefaults()
	state := make([]moments, len(params))
	for i, p := range params {
		state[i] = moments{
			M1: make([]float64, len(p.Value)),
			M2: make([]float64, len(p.Value)),
		}
	}
	return &Adam{cfg: cfg, params: params, state: state}
}

// Step applies one update to every parameter and clears the gradients.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))

	for i, p := range a.params {
		m := &a.state[i]
		for j, g := range p.Grad {
			m.M1[j] = m.M1[j]*a.cfg.Beta1 + g*(1-a.cfg.Beta1)
			m.M2[j] = m.M2[j]*a.cfg.Beta2 + (g*g)*(1-a.cfg.Beta2)
			p.Value[j] -= a.cfg.LearningRate * (m.M1[j] / c1) / (math.Sqrt(m.M2[j]/c2) + a.cfg.Epsilon)
		}
		p.ZeroGrad()
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.step
}
