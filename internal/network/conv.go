package network

import (
	"fmt"
	"math/rand"
)

// conv2d is a 3x3 convolution with stride 1 and zero padding 1.
type conv2d struct {
	in, out int
	W       *Param // [out][in][3][3]
	B       *Param // [out]
}

func newConv2d(name string, in, out int, rnd *rand.Rand) *conv2d {
	c := &conv2d{
		in:  in,
		out: out,
		W:   newParam(fmt.Sprintf("%s.weight", name), out*in*9),
		B:   newParam(fmt.Sprintf("%s.bias", name), out),
	}
	bound := fanInBound(in * 9)
	initUniform(rnd, c.W.Value, bound)
	initUniform(rnd, c.B.Value, bound)
	return c
}

// forward convolves one sample x of shape [in][side][side].
func (c *conv2d) forward(x []float64, side int) []float64 {
	plane := side * side
	y := make([]float64, c.out*plane)
	for o := 0; o < c.out; o++ {
		dst := y[o*plane : (o+1)*plane]
		for i := range dst {
			dst[i] = c.B.Value[o]
		}
		for i := 0; i < c.in; i++ {
			src := x[i*plane : (i+1)*plane]
			w := c.W.Value[(o*c.in+i)*9 : (o*c.in+i+1)*9]
			for ky := 0; ky < 3; ky++ {
				for kx := 0; kx < 3; kx++ {
					wv := w[ky*3+kx]
					if wv == 0 {
						continue
					}
					x0, x1 := max(0, 1-kx), min(side, side+1-kx)
					for oy := 0; oy < side; oy++ {
						iy := oy + ky - 1
						if iy < 0 || iy >= side {
							continue
						}
						drow := dst[oy*side : (oy+1)*side]
						srow := src[iy*side : (iy+1)*side]
						for ox := x0; ox < x1; ox++ {
							drow[ox] += wv * srow[ox+kx-1]
						}
					}
				}
			}
		}
	}
	return y
}

// backward accumulates weight and bias gradients of one sample into gw and gb
// and returns the gradient with respect to x, or nil when needInput is false.
func (c *conv2d) backward(x, dy []float64, side int, gw, gb []float64, needInput bool) []float64 {
	plane := side * side
	var dx []float64
	if needInput {
		dx = make([]float64, c.in*plane)
	}
	for o := 0; o < c.out; o++ {
		dout := dy[o*plane : (o+1)*plane]
		for _, v := range dout {
			gb[o] += v
		}
		for i := 0; i < c.in; i++ {
			src := x[i*plane : (i+1)*plane]
			base := (o*c.in + i) * 9
			w := c.W.Value[base : base+9]
			for ky := 0; ky < 3; ky++ {
				for kx := 0; kx < 3; kx++ {
					x0, x1 := max(0, 1-kx), min(side, side+1-kx)
					var acc float64
					wv := w[ky*3+kx]
					for oy := 0; oy < side; oy++ {
						iy := oy + ky - 1
						if iy < 0 || iy >= side {
							continue
						}
						drow := dout[oy*side : (oy+1)*side]
						srow := src[iy*side : (iy+1)*side]
						for ox := x0; ox < x1; ox++ {
							acc += drow[ox] * srow[ox+kx-1]
						}
						if needInput {
							grow := dx[i*plane+iy*side : i*plane+(iy+1)*side]
							for ox := x0; ox < x1; ox++ {
								grow[ox+kx-1] += wv * drow[ox]
							}
						}
					}
					gw[base+ky*3+kx] += acc
				}
			}
		}
	}
	return dx
}

// maxPool2 downsamples every channel of x by 2 and records the flat index of
// each selected input.
func maxPool2(x []float64, channels, side int) ([]float64, []int) {
	half := side / 2
	y := make([]float64, channels*half*half)
	arg := make([]int, len(y))
	for c := 0; c < channels; c++ {
		for oy := 0; oy < half; oy++ {
			for ox := 0; ox < half; ox++ {
				best := -1
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						idx := c*side*side + (2*oy+dy)*side + 2*ox + dx
						if best < 0 || x[idx] > x[best] {
							best = idx
						}
					}
				}
				o := c*half*half + oy*half + ox
				y[o] = x[best]
				arg[o] = best
			}
		}
	}
	return y, arg
}

func maxPool2Backward(dy []float64, arg []int, size int) []float64 {
	dx := make([]float64, size)
	for o, idx := range arg {
		dx[idx] += dy[o]
	}
	return dx
}
