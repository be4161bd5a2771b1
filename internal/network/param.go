package network

import (
	"math"
	"math/rand"
)

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, size int) *Param {
	return &Param{
		Name:  name,
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// initUniform fills data from U(-bound, bound).
func initUniform(rnd *rand.Rand, data []float64, bound float64) {
	for i := range data {
		data[i] = (rnd.Float64()*2 - 1) * bound
	}
}

// fanInBound is the default bound for layers followed by ReLU, 1/sqrt(fanIn).
func fanInBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}
