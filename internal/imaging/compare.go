package imaging

import (
	"fmt"
	"image"
	"math"
)

// InkLevel is the gray level below which a normalized pixel counts as ink when
// two symbol images are compared.
const InkLevel = 128

// ComparisonResult describes how close two grayscale images of equal size are.
type ComparisonResult struct {
	// SimilarityScore is the fraction of pixels whose gray levels differ by at most 10.
	SimilarityScore float64 `json:"similarity_score"`

	// InkAgreement is the fraction of pixels on which both images agree about
	// being ink (below InkLevel) or background.
	InkAgreement float64 `json:"ink_agreement"`

	// PixelsDifferent counts pixels whose gray levels differ by more than 10.
	PixelsDifferent int `json:"pixels_different"`

	// TotalPixels is the number of compared pixels.
	TotalPixels int `json:"total_pixels"`

	// AverageDiff is the mean absolute gray level difference.
	AverageDiff float64 `json:"average_diff"`
}

// CompareGray compares two grayscale images pixel by pixel.
//
// Both images must have the same dimensions. Anti-aliased stroke borders make
// SimilarityScore strict; InkAgreement is the measure used to decide whether two
// normalized symbols are visually equivalent.
func CompareGray(a, b *image.Gray) (*ComparisonResult, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return nil, fmt.Errorf("size mismatch: %dx%d vs %dx%d", ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}

	total := ab.Dx() * ab.Dy()
	if total == 0 {
		return nil, fmt.Errorf("empty images")
	}

	different, agree := 0, 0
	var totalDiff float64
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			va := a.Pix[y*a.Stride+x]
			vb := b.Pix[y*b.Stride+x]
			diff := absDiff(va, vb)
			totalDiff += float64(diff)
			if diff > 10 {
				different++
			}
			if (va < InkLevel) == (vb < InkLevel) {
				agree++
			}
		}
	}

	return &ComparisonResult{
		SimilarityScore: math.Round((1-float64(different)/float64(total))*1000) / 1000,
		InkAgreement:    float64(agree) / float64(total),
		PixelsDifferent: different,
		TotalPixels:     total,
		AverageDiff:     math.Round(totalDiff/float64(total)*100) / 100,
	}, nil
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
