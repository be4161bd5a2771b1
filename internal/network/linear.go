package network

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// linear is a fully connected layer y = x Wᵀ + b applied to a batch of rows.
type linear struct {
	in, out int
	W       *Param // [out][in], row-major
	B       *Param // [out]
}

func newLinear(name string, in, out int, rnd *rand.Rand) *linear {
	l := &linear{
		in:  in,
		out: out,
		W:   newParam(fmt.Sprintf("%s.weight", name), out*in),
		B:   newParam(fmt.Sprintf("%s.bias", name), out),
	}
	bound := fanInBound(in)
	initUniform(rnd, l.W.Value, bound)
	initUniform(rnd, l.B.Value, bound)
	return l
}

func (l *linear) weights() *mat.Dense {
	return mat.NewDense(l.out, l.in, l.W.Value)
}

// forward maps an n x in batch to n x out.
func (l *linear) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	y := mat.NewDense(n, l.out, nil)
	y.Mul(x, l.weights().T())
	for r := 0; r < n; r++ {
		row := y.RawRowView(r)
		for j := range row {
			row[j] += l.B.Value[j]
		}
	}
	return y
}

// backward accumulates weight and bias gradients for the batch and returns
// the gradient with respect to x.
func (l *linear) backward(x, dy *mat.Dense) *mat.Dense {
	n, _ := x.Dims()

	var gw mat.Dense
	gw.Mul(dy.T(), x)
	acc := mat.NewDense(l.out, l.in, l.W.Grad)
	acc.Add(acc, &gw)

	for r := 0; r < n; r++ {
		for j, v := range dy.RawRowView(r) {
			l.B.Grad[j] += v
		}
	}

	dx := mat.NewDense(n, l.in, nil)
	dx.Mul(dy, l.weights())
	return dx
}

// dropout zeroes entries with probability p and rescales the rest by 1/(1-p).
// The returned mask holds the applied factor of every entry.
func dropout(x *mat.Dense, p float64, rnd *rand.Rand) *mat.Dense {
	r, c := x.Dims()
	mask := mat.NewDense(r, c, nil)
	keep := 1 / (1 - p)
	for i := 0; i < r; i++ {
		row := mask.RawRowView(i)
		for j := range row {
			if rnd.Float64() >= p {
				row[j] = keep
			}
		}
	}
	x.MulElem(x, mask)
	return mask
}

func relu(x *mat.Dense) {
	r, _ := x.Dims()
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	}
}

// reluBackward zeroes gradients where the activation was not positive.
func reluBackward(dy, act *mat.Dense) {
	r, _ := dy.Dims()
	for i := 0; i < r; i++ {
		g, a := dy.RawRowView(i), act.RawRowView(i)
		for j := range g {
			if a[j] <= 0 {
				g[j] = 0
			}
		}
	}
}
