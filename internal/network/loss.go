package network

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultMargin is the contrastive loss margin. Unit-length embeddings are at
// most 2 apart, so the default pushes different symbols to opposite poles.
const DefaultMargin = 2.0

// DefaultAccuracyThreshold is the distance under which a pair is predicted "same".
const DefaultAccuracyThreshold = 1.0

// Distance is the Euclidean distance between two embeddings.
func Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// ContrastiveLoss is 0.5*[y*d² + (1-y)*max(0, m-d)²] averaged over a batch,
// where d is the distance between the two embeddings of a pair and y is 1 for
// pairs of the same symbol.
type ContrastiveLoss struct {
	Margin float64
}

// NewContrastiveLoss returns the loss with the given margin, or DefaultMargin
// when margin is not positive.
func NewContrastiveLoss(margin float64) ContrastiveLoss {
	if margin <= 0 {
		margin = DefaultMargin
	}
	return ContrastiveLoss{Margin: margin}
}

// Forward returns the mean loss and the per-pair distances.
func (l ContrastiveLoss) Forward(a, b [][]float64, same []bool) (float64, []float64, error) {
	if err := checkPairs(a, b, same); err != nil {
		return 0, nil, err
	}
	dists := make([]float64, len(a))
	var total float64
	for i := range a {
		d := Distance(a[i], b[i])
		dists[i] = d
		if same[i] {
			total += 0.5 * d * d
		} else if h := l.Margin - d; h > 0 {
			total += 0.5 * h * h
		}
	}
	return total / float64(len(a)), dists, nil
}

// Backward returns the gradients of the mean loss with respect to a and b.
// A negative pair at distance zero has no defined direction and contributes
// nothing.
func (l ContrastiveLoss) Backward(a, b [][]float64, same []bool) ([][]float64, [][]float64, error) {
	if err := checkPairs(a, b, same); err != nil {
		return nil, nil, err
	}
	scale := 1 / float64(len(a))
	ga := make([][]float64, len(a))
	gb := make([][]float64, len(a))
	for i := range a {
		ga[i] = make([]float64, len(a[i]))
		gb[i] = make([]float64, len(a[i]))

		var k float64
		if same[i] {
			k = 1
		} else {
			d := Distance(a[i], b[i])
			if d > 0 && d < l.Margin {
				k = -(l.Margin - d) / d
			}
		}
		if k == 0 {
			continue
		}
		for j := range a[i] {
			g := scale * k * (a[i][j] - b[i][j])
			ga[i][j] = g
			gb[i][j] = -g
		}
	}
	return ga, gb, nil
}

// Accuracy is the fraction of pairs whose prediction (distance < threshold means
// same symbol) matches the label.
func Accuracy(dists []float64, same []bool, threshold float64) float64 {
	if len(dists) == 0 {
		return math.NaN()
	}
	correct := 0
	for i, d := range dists {
		if (d < threshold) == same[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(dists))
}

func checkPairs(a, b [][]float64, same []bool) error {
	if len(a) == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(a) != len(b) || len(a) != len(same) {
		return fmt.Errorf("batch size mismatch: %d, %d, %d labels", len(a), len(b), len(same))
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return fmt.Errorf("pair %d: embedding sizes differ (%d vs %d)", i, len(a[i]), len(b[i]))
		}
	}
	return nil
}
