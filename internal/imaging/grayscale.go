package imaging

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Lightness selects how color pixels are reduced to a single channel.
type Lightness string

const (
	// LightnessLuma uses ITU-R BT.601 weights (0.299*R + 0.587*G + 0.114*B).
	LightnessLuma Lightness = "luma"

	// LightnessLab uses the CIE L* component. Colored ink (red or blue pen on a
	// scan) keeps more contrast against paper than with luma weights.
	LightnessLab Lightness = "lab"
)

// Grayscale flattens img onto a white background and reduces it to one channel.
//
// Transparent pixels become white, which matches how drawing surfaces export
// strokes on a transparent canvas. The returned image has bounds starting at (0,0).
func Grayscale(img image.Image, mode Lightness) *image.Gray {
	b := img.Bounds()
	flat := imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), img, image.Pt(0, 0), 1.0)

	if mode == LightnessLab {
		return labLightness(flat)
	}
	return channelR(imaging.Grayscale(flat))
}

// Blur applies a Gaussian blur of the given radius to a grayscale image.
// A non-positive radius returns the input unchanged.
func Blur(g *image.Gray, radius float64) *image.Gray {
	if radius <= 0 {
		return g
	}
	blurred := blur.Gaussian(g, radius)
	b := blurred.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = blurred.Pix[(y)*blurred.Stride+x*4]
		}
	}
	return out
}

func labLightness(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c, ok := colorful.MakeColor(img.NRGBAAt(b.Min.X+x, b.Min.Y+y))
			if !ok {
				out.Pix[y*out.Stride+x] = 255
				continue
			}
			l, _, _ := c.Lab()
			out.Pix[y*out.Stride+x] = uint8(math.Round(math.Min(math.Max(l, 0), 1) * 255))
		}
	}
	return out
}

// channelR copies the red channel of an NRGBA image whose channels are equal.
func channelR(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[(y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = row[x*4]
		}
	}
	return out
}
