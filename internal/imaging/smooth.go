package imaging

import "math"

// smoothField applies a Gaussian filter of standard deviation sigma to a
// width x height scalar field stored row-major.
//
// The filter is separable: a horizontal pass followed by a vertical pass, each
// with a kernel truncated at 3 sigma. Samples outside the field take the value of
// the nearest edge sample.
func smoothField(field []float64, width, height int, sigma float64) []float64 {
	if sigma <= 0 {
		out := make([]float64, len(field))
		copy(out, field)
		return out
	}

	kernel := gaussianKernel(sigma)
	r := len(kernel) / 2

	tmp := make([]float64, len(field))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var sum float64
			for k := -r; k <= r; k++ {
				px := clamp(x+k, 0, width-1)
				sum += field[y*width+px] * kernel[k+r]
			}
			tmp[y*width+x] = sum
		}
	}

	out := make([]float64, len(field))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var sum float64
			for k := -r; k <= r; k++ {
				py := clamp(y+k, 0, height-1)
				sum += tmp[py*width+x] * kernel[k+r]
			}
			out[y*width+x] = sum
		}
	}
	return out
}

// gaussianKernel returns a normalized 1-D Gaussian kernel of radius ceil(3*sigma).
func gaussianKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*r+1)
	var sum float64
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+r] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// clamp constrains an integer value to the range [lo, hi].
func clamp(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
