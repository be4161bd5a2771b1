package imaging

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Default normalization parameters.
const (
	DefaultCanonicalSize = 64
	DefaultMargin        = 4
	DefaultMinInkSize    = 10
)

// Background is the gray level of every non-ink pixel in a normalized image.
const Background = 255

// NormalizeOptions configures a Normalizer. Zero values fall back to defaults;
// a negative Margin or MinInkSize turns that step off.
type NormalizeOptions struct {
	// CanonicalSize is the width and height of every normalized image.
	CanonicalSize int `json:"canonical_size"`

	// Margin is the number of background pixels added around the ink bounding box
	// before resizing. Negative means no margin.
	Margin int `json:"margin"`

	// MinInkSize rejects drawings whose ink bounding box has a shorter side below it.
	// Negative accepts any non-empty ink.
	MinInkSize int `json:"min_ink_size"`

	// BlurRadius blurs the grayscale image before thresholding. 0 disables it.
	BlurRadius float64 `json:"blur_radius"`

	// Lightness selects the grayscale conversion. Empty means LightnessLuma.
	Lightness Lightness `json:"lightness"`
}

// ApplyDefaults fills unset fields.
func (o *NormalizeOptions) ApplyDefaults() {
	if o.CanonicalSize <= 0 {
		o.CanonicalSize = DefaultCanonicalSize
	}
	if o.Margin == 0 {
		o.Margin = DefaultMargin
	}
	if o.MinInkSize == 0 {
		o.MinInkSize = DefaultMinInkSize
	}
	if o.Lightness == "" {
		o.Lightness = LightnessLuma
	}
}

// Normalizer turns raw sketches and scans into canonical symbol images.
//
// A Normalizer holds no mutable state; Normalize is safe for concurrent use.
type Normalizer struct {
	opts NormalizeOptions
}

// NewNormalizer returns a Normalizer with defaults applied to opts.
func NewNormalizer(opts NormalizeOptions) *Normalizer {
	opts.ApplyDefaults()
	return &Normalizer{opts: opts}
}

// Options returns the effective options.
func (n *Normalizer) Options() NormalizeOptions {
	return n.opts
}

// CanonicalSize returns the side length of normalized images.
func (n *Normalizer) CanonicalSize() int {
	return n.opts.CanonicalSize
}

// Normalize converts img into a CanonicalSize x CanonicalSize grayscale image with
// dark ink centered on a white background.
//
// The second return value is false when no symbol is present: the image has no
// ink after thresholding, or the ink bounding box is smaller than MinInkSize.
// Absence of a symbol is an expected outcome, not an error.
//
// # Algorithm
//
//  1. Grayscale conversion (transparent pixels become white)
//  2. Optional Gaussian blur
//  3. Binarization at the image's mean intensity: pixels darker than the mean are ink
//  4. Tight bounding box of ink pixels
//  5. Size check of the bounding box's shorter side
//  6. Crop and pad with Margin background pixels on every side
//  7. Lanczos resize so the longer side equals CanonicalSize
//  8. Paste centered on a white canvas at offset (CanonicalSize - side) / 2
//
// Multiple strokes are never segmented; the bounding box spans all ink.
func (n *Normalizer) Normalize(img image.Image) (*image.Gray, bool) {
	if img == nil || img.Bounds().Empty() {
		return nil, false
	}

	gray := Blur(Grayscale(img, n.opts.Lightness), n.opts.BlurRadius)
	ink := binarize(gray)

	box, ok := inkBounds(ink)
	if !ok {
		return nil, false
	}
	if min(box.Dx(), box.Dy()) < n.opts.MinInkSize {
		return nil, false
	}

	padded := pad(ink, box, max(0, n.opts.Margin))

	size := n.opts.CanonicalSize
	w, h := padded.Bounds().Dx(), padded.Bounds().Dy()
	newW, newH := fitLongerSide(w, h, size)
	resized := imaging.Resize(padded, newW, newH, imaging.Lanczos)

	canvas := imaging.New(size, size, color.Gray{Y: Background})
	canvas = imaging.Paste(canvas, resized, image.Pt((size-newW)/2, (size-newH)/2))

	return channelR(canvas), true
}

// Canonical returns img as a grayscale image when it already has the canonical
// size, and Normalize(img) otherwise. Stored templates are normalized output;
// passing them through Normalize again shifts their ink by resampling.
//
// The second return value is false when a canonical image has no pixel darker
// than InkLevel.
func (n *Normalizer) Canonical(img image.Image) (*image.Gray, bool) {
	if img == nil {
		return nil, false
	}
	size := n.opts.CanonicalSize
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		return n.Normalize(img)
	}
	gray := Grayscale(img, n.opts.Lightness)
	for _, v := range gray.Pix {
		if v < InkLevel {
			return gray, true
		}
	}
	return nil, false
}

// fitLongerSide scales (w, h) so the longer side equals size, rounding the
// shorter side and keeping it at least 1 pixel.
func fitLongerSide(w, h, size int) (int, int) {
	if w >= h {
		return size, max(1, int(math.Round(float64(h)*float64(size)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(size)/float64(h)))), size
}

// binarize thresholds a grayscale image at its mean intensity.
// Ink pixels become 0 and background pixels become Background.
// A uniform image has no pixel strictly below its mean and yields no ink.
func binarize(g *image.Gray) *image.Gray {
	b := g.Bounds()
	var sum float64
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			sum += float64(g.Pix[y*g.Stride+x])
		}
	}
	mean := sum / float64(b.Dx()*b.Dy())

	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if float64(g.Pix[y*g.Stride+x]) < mean {
				out.Pix[y*out.Stride+x] = 0
			} else {
				out.Pix[y*out.Stride+x] = Background
			}
		}
	}
	return out
}

// inkBounds returns the tight bounding box of ink pixels, with an exclusive
// Max corner. The inverted view (ink as foreground) is implicit: any pixel not
// equal to Background counts.
func inkBounds(g *image.Gray) (image.Rectangle, bool) {
	b := g.Bounds()
	minX, minY := b.Dx(), b.Dy()
	maxX, maxY := -1, -1
	for y := 0; y < b.Dy(); y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+b.Dx()]
		for x, v := range row {
			if v == Background {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// pad crops box out of g and surrounds it with margin background pixels.
func pad(g *image.Gray, box image.Rectangle, margin int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, box.Dx()+2*margin, box.Dy()+2*margin))
	for i := range out.Pix {
		out.Pix[i] = Background
	}
	for y := 0; y < box.Dy(); y++ {
		src := g.Pix[(box.Min.Y+y)*g.Stride+box.Min.X : (box.Min.Y+y)*g.Stride+box.Max.X]
		copy(out.Pix[(y+margin)*out.Stride+margin:], src)
	}
	return out
}
