package imaging

import "image"

// ToTensor converts a grayscale image to a row-major slice of values in [-1, 1]
// (pixel/255 shifted by mean 0.5 and scaled by std 0.5), the input layout of the
// embedding network.
func ToTensor(g *image.Gray) []float64 {
	b := g.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := float64(g.Pix[y*g.Stride+x]) / 255
			out = append(out, (v-0.5)/0.5)
		}
	}
	return out
}
