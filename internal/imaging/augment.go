package imaging

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// AugmentOptions configures the random transformations used to enlarge a
// training corpus. Zero values fall back to defaults.
type AugmentOptions struct {
	MaxAngle     float64 `json:"max_angle"`     // degrees, rotation drawn from [-MaxAngle, MaxAngle]
	NoiseSigma   float64 `json:"noise_sigma"`   // gray levels
	ContrastMin  float64 `json:"contrast_min"`  // intensity scale lower bound
	ContrastMax  float64 `json:"contrast_max"`  // intensity scale upper bound
	ElasticAlpha float64 `json:"elastic_alpha"` // displacement scale in pixels
	ElasticSigma float64 `json:"elastic_sigma"` // smoothing of the displacement field
	Probability  float64 `json:"probability"`   // chance of applying each transformation
}

// ApplyDefaults fills unset fields.
func (o *AugmentOptions) ApplyDefaults() {
	if o.MaxAngle <= 0 {
		o.MaxAngle = 15
	}
	if o.NoiseSigma <= 0 {
		o.NoiseSigma = 15
	}
	if o.ContrastMin <= 0 {
		o.ContrastMin = 0.8
	}
	if o.ContrastMax <= 0 {
		o.ContrastMax = 1.2
	}
	if o.ElasticAlpha <= 0 {
		o.ElasticAlpha = 500
	}
	if o.ElasticSigma <= 0 {
		o.ElasticSigma = 20
	}
	if o.Probability <= 0 {
		o.Probability = 0.5
	}
}

// Augmenter produces randomized variants of normalized symbol images.
//
// An Augmenter owns its random source and is not safe for concurrent use; give
// each worker its own, seeded from the dataset seed.
type Augmenter struct {
	opts AugmentOptions
	rng  *rand.Rand
}

// NewAugmenter returns an Augmenter with defaults applied to opts.
func NewAugmenter(opts AugmentOptions, seed int64) *Augmenter {
	opts.ApplyDefaults()
	return &Augmenter{opts: opts, rng: rand.New(rand.NewSource(seed))}
}

// Augment returns a transformed copy of g. The four transformations (rotation,
// noise, contrast, elastic deformation) are shuffled and each is applied with
// probability Probability. The input is never modified.
func (a *Augmenter) Augment(g *image.Gray) *image.Gray {
	steps := []func(*image.Gray) *image.Gray{
		func(img *image.Gray) *image.Gray {
			return Rotate(img, (a.rng.Float64()*2-1)*a.opts.MaxAngle)
		},
		func(img *image.Gray) *image.Gray {
			return AddNoise(img, a.opts.NoiseSigma, a.rng)
		},
		func(img *image.Gray) *image.Gray {
			f := a.opts.ContrastMin + a.rng.Float64()*(a.opts.ContrastMax-a.opts.ContrastMin)
			return ScaleIntensity(img, f)
		},
		func(img *image.Gray) *image.Gray {
			return ElasticDeform(img, a.opts.ElasticAlpha, a.opts.ElasticSigma, a.rng)
		},
	}
	a.rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

	out := cloneGray(g)
	for _, step := range steps {
		if a.rng.Float64() < a.opts.Probability {
			out = step(out)
		}
	}
	return out
}

// Rotate rotates g by angle degrees counter-clockwise around its center, keeping
// the original size. Uncovered corners are filled with background.
func Rotate(g *image.Gray, angle float64) *image.Gray {
	b := g.Bounds()
	rotated := imaging.Rotate(g, angle, color.Gray{Y: Background})
	return channelR(imaging.CropCenter(rotated, b.Dx(), b.Dy()))
}

// AddNoise adds zero-mean Gaussian noise of standard deviation sigma to every
// pixel, saturating at 0 and 255. Samples are drawn in row-major order so a
// seeded rng reproduces the same image.
func AddNoise(g *image.Gray, sigma float64, rng *rand.Rand) *image.Gray {
	b := g.Bounds()
	out := cloneGray(g)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := y*out.Stride + x
			out.Pix[i] = clampByte(float64(out.Pix[i]) + rng.NormFloat64()*sigma)
		}
	}
	return out
}

// ScaleIntensity multiplies every pixel by factor, saturating at 255.
func ScaleIntensity(g *image.Gray, factor float64) *image.Gray {
	adjusted := imaging.AdjustFunc(g, func(c color.NRGBA) color.NRGBA {
		v := clampByte(float64(c.R) * factor)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
	return channelR(adjusted)
}

// ElasticDeform displaces every pixel along a random field drawn uniformly from
// [-1, 1], smoothed with a Gaussian of standard deviation sigma and scaled by
// alpha. Sampling is bilinear; positions outside the image read as background.
func ElasticDeform(g *image.Gray, alpha, sigma float64, rng *rand.Rand) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()

	dx := make([]float64, w*h)
	dy := make([]float64, w*h)
	for i := range dx {
		dx[i] = rng.Float64()*2 - 1
		dy[i] = rng.Float64()*2 - 1
	}
	dx = smoothField(dx, w, h, sigma)
	dy = smoothField(dy, w, h, sigma)

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			out.Pix[y*out.Stride+x] = sampleBilinear(g, float64(x)+alpha*dx[i], float64(y)+alpha*dy[i])
		}
	}
	return out
}

func sampleBilinear(g *image.Gray, fx, fy float64) uint8 {
	b := g.Bounds()
	at := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= b.Dx() || y >= b.Dy() {
			return Background
		}
		return float64(g.Pix[y*g.Stride+x])
	}

	x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
	tx, ty := fx-float64(x0), fy-float64(y0)
	top := at(x0, y0)*(1-tx) + at(x0+1, y0)*tx
	bottom := at(x0, y0+1)*(1-tx) + at(x0+1, y0+1)*tx
	return clampByte(top*(1-ty) + bottom*ty)
}

func cloneGray(g *image.Gray) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], g.Pix[y*g.Stride:y*g.Stride+b.Dx()])
	}
	return out
}
