package network

import (
	"fmt"
	"math"
)

// batchNorm normalizes each channel over the batch and spatial positions.
type batchNorm struct {
	channels int
	Gamma    *Param
	Beta     *Param

	// running statistics used in inference mode
	RunMean []float64
	RunVar  []float64
}

func newBatchNorm(name string, channels int) *batchNorm {
	bn := &batchNorm{
		channels: channels,
		Gamma:    newParam(fmt.Sprintf("%s.weight", name), channels),
		Beta:     newParam(fmt.Sprintf("%s.bias", name), channels),
		RunMean:  make([]float64, channels),
		RunVar:   make([]float64, channels),
	}
	for c := 0; c < channels; c++ {
		bn.Gamma.Value[c] = 1
		bn.RunVar[c] = 1
	}
	return bn
}

// bnTrace keeps what the backward pass needs.
type bnTrace struct {
	xhat   [][]float64
	invStd []float64
}

// forwardTrain normalizes with batch statistics and updates the running ones.
// xs holds one [channels][plane] slice per sample.
func (bn *batchNorm) forwardTrain(xs [][]float64, plane int, momentum, eps float64) ([][]float64, *bnTrace) {
	n := len(xs)
	count := float64(n * plane)
	tr := &bnTrace{
		xhat:   make([][]float64, n),
		invStd: make([]float64, bn.channels),
	}
	ys := make([][]float64, n)
	for s := range xs {
		tr.xhat[s] = make([]float64, len(xs[s]))
		ys[s] = make([]float64, len(xs[s]))
	}

	for c := 0; c < bn.channels; c++ {
		var sum float64
		for _, x := range xs {
			for _, v := range x[c*plane : (c+1)*plane] {
				sum += v
			}
		}
		mean := sum / count

		var sq float64
		for _, x := range xs {
			for _, v := range x[c*plane : (c+1)*plane] {
				d := v - mean
				sq += d * d
			}
		}
		variance := sq / count
		invStd := 1 / math.Sqrt(variance+eps)
		tr.invStd[c] = invStd

		g, b := bn.Gamma.Value[c], bn.Beta.Value[c]
		for s, x := range xs {
			for i := c * plane; i < (c+1)*plane; i++ {
				xh := (x[i] - mean) * invStd
				tr.xhat[s][i] = xh
				ys[s][i] = g*xh + b
			}
		}

		unbiased := variance
		if count > 1 {
			unbiased = sq / (count - 1)
		}
		bn.RunMean[c] = (1-momentum)*bn.RunMean[c] + momentum*mean
		bn.RunVar[c] = (1-momentum)*bn.RunVar[c] + momentum*unbiased
	}
	return ys, tr
}

// forwardInfer normalizes one sample with the running statistics.
func (bn *batchNorm) forwardInfer(x []float64, plane int, eps float64) []float64 {
	y := make([]float64, len(x))
	for c := 0; c < bn.channels; c++ {
		scale := bn.Gamma.Value[c] / math.Sqrt(bn.RunVar[c]+eps)
		shift := bn.Beta.Value[c] - bn.RunMean[c]*scale
		for i := c * plane; i < (c+1)*plane; i++ {
			y[i] = x[i]*scale + shift
		}
	}
	return y
}

// backward accumulates gamma and beta gradients and returns the input gradients.
func (bn *batchNorm) backward(dys [][]float64, tr *bnTrace, plane int) [][]float64 {
	n := len(dys)
	count := float64(n * plane)
	dxs := make([][]float64, n)
	for s := range dys {
		dxs[s] = make([]float64, len(dys[s]))
	}

	for c := 0; c < bn.channels; c++ {
		g := bn.Gamma.Value[c]
		var sumDy, sumDyXhat float64
		for s, dy := range dys {
			for i := c * plane; i < (c+1)*plane; i++ {
				sumDy += dy[i]
				sumDyXhat += dy[i] * tr.xhat[s][i]
			}
		}
		bn.Gamma.Grad[c] += sumDyXhat
		bn.Beta.Grad[c] += sumDy

		k := g * tr.invStd[c] / count
		for s, dy := range dys {
			for i := c * plane; i < (c+1)*plane; i++ {
				dxs[s][i] = k * (count*dy[i] - sumDy - tr.xhat[s][i]*sumDyXhat)
			}
		}
	}
	return dxs
}
