package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	engraveimg "github.com/AntoineMLD/EngraveDetect/internal/imaging"
)

// Default reader settings.
const (
	DefaultLanguage  = "eng"
	DefaultMinHeight = 64
)

// Options configures a Reader.
type Options struct {
	// Language is a Tesseract language code, "eng" when empty.
	Language string `json:"language"`

	// Whitelist restricts recognized characters. Empty allows everything.
	Whitelist string `json:"whitelist"`

	// MinConfidence drops words below this confidence (0 to 1).
	MinConfidence float64 `json:"min_confidence"`

	// MinHeight upscales shorter images before recognition.
	MinHeight int `json:"min_height"`

	// TessdataPrefix overrides the Tesseract data directory.
	TessdataPrefix string `json:"tessdata_prefix"`
}

// ApplyDefaults fills unset fields.
func (o *Options) ApplyDefaults() {
	if o.Language == "" {
		o.Language = DefaultLanguage
	}
	if o.MinHeight <= 0 {
		o.MinHeight = DefaultMinHeight
	}
}

// Bounds is a word's bounding box in input image coordinates.
type Bounds struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Word is one recognized word.
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Bounds     Bounds  `json:"bounds"`
}

// Result is the text found in an image.
type Result struct {
	Text  string `json:"text"`
	Words []Word `json:"words"`
}

// Reader recognizes engraved text.
type Reader struct {
	opts Options
}

// NewReader returns a Reader with defaults applied to opts.
func NewReader(opts Options) *Reader {
	opts.ApplyDefaults()
	return &Reader{opts: opts}
}

// Read recognizes the text of the whole image.
func (r *Reader) Read(img image.Image) (*Result, error) {
	data, scale, err := r.prepare(img)
	if err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if r.opts.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(r.opts.TessdataPrefix); err != nil {
			return nil, fmt.Errorf("failed to set tessdata path: %w", err)
		}
	}
	if err := client.SetLanguage(r.opts.Language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if r.opts.Whitelist != "" {
		if err := client.SetWhitelist(r.opts.Whitelist); err != nil {
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("OCR failed: %w", err)
	}

	res := &Result{Text: strings.TrimSpace(text), Words: []Word{}}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		// Text without word bounds is still useful.
		return res, nil
	}
	for _, box := range boxes {
		w := Word{
			Text:       strings.TrimSpace(box.Word),
			Confidence: box.Confidence / 100.0,
			Bounds:     unscale(box.Box, scale),
		}
		if w.Text == "" || w.Confidence < r.opts.MinConfidence {
			continue
		}
		res.Words = append(res.Words, w)
	}
	return res, nil
}

// ReadRegion recognizes the text inside region. Word bounds are reported in
// the coordinates of img.
func (r *Reader) ReadRegion(img image.Image, region engraveimg.Region) (*Result, error) {
	cropped, err := engraveimg.Crop(img, region)
	if err != nil {
		return nil, err
	}
	res, err := r.Read(cropped)
	if err != nil {
		return nil, err
	}
	for i := range res.Words {
		b := &res.Words[i].Bounds
		b.X1 += region.X1
		b.Y1 += region.Y1
		b.X2 += region.X1
		b.Y2 += region.Y1
	}
	return res, nil
}

// prepare returns the PNG bytes handed to Tesseract and the upscale factor.
func (r *Reader) prepare(img image.Image) ([]byte, float64, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, 0, fmt.Errorf("%w: empty image", engraveimg.ErrInvalidImage)
	}
	gray := engraveimg.Grayscale(img, engraveimg.LightnessLuma)
	b := gray.Bounds()

	scale := 1.0
	var out image.Image = gray
	if b.Dy() < r.opts.MinHeight {
		scale = float64(r.opts.MinHeight) / float64(b.Dy())
		out = imaging.Resize(gray, int(math.Round(float64(b.Dx())*scale)), r.opts.MinHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, 0, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), scale, nil
}

func unscale(r image.Rectangle, scale float64) Bounds {
	if scale == 1 {
		return Bounds{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
	}
	return Bounds{
		X1: int(math.Floor(float64(r.Min.X) / scale)),
		Y1: int(math.Floor(float64(r.Min.Y) / scale)),
		X2: int(math.Ceil(float64(r.Max.X) / scale)),
		Y2: int(math.Ceil(float64(r.Max.Y) / scale)),
	}
}

// Info describes the OCR backend.
type Info struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Backend   string `json:"backend"`
}

// GetInfo reports the linked Tesseract version.
func GetInfo() Info {
	client := gosseract.NewClient()
	defer client.Close()
	v := client.Version()
	return Info{Available: v != "", Version: v, Backend: "gosseract"}
}
