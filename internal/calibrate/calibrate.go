// Package calibrate picks the similarity threshold that separates same-symbol
// pairs from different-symbol pairs and reports metrics at a threshold.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/AntoineMLD/EngraveDetect/internal/dataset"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
)

// f1Epsilon keeps F1 finite when precision and recall are both zero.
const f1Epsilon = 1e-8

var (
	errNoPairs     = errors.New("no pairs to calibrate on")
	errNoPositives = errors.New("no same-symbol pairs to calibrate on")
)

// Point is one threshold of the precision-recall curve.
type Point struct {
	Threshold float64 `json:"threshold"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Metrics are the classification results at one threshold.
type Metrics struct {
	Threshold float64 `json:"threshold"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
}

// Scores converts distances to similarities relative to the largest distance:
// 1 - d/max(d). When every distance is zero all scores are 1.
func Scores(distances []float64) []float64 {
	scores := make([]float64, len(distances))
	if len(distances) == 0 {
		return scores
	}
	maxDist := floats.Max(distances)
	for i, d := range distances {
		if maxDist == 0 {
			scores[i] = 1
			continue
		}
		scores[i] = 1 - d/maxDist
	}
	return scores
}

// CutoffDistance converts a score threshold back to the distance it stands
// for among distances, so it can be re-expressed on another similarity scale.
func CutoffDistance(threshold float64, distances []float64) float64 {
	if len(distances) == 0 {
		return 0
	}
	return (1 - threshold) * floats.Max(distances)
}

// Curve returns the precision-recall curve over every distinct score, from the
// highest threshold down to the first one reaching full recall. A pair is
// predicted "same" when its score is at least the threshold.
func Curve(scores []float64, same []bool) ([]Point, error) {
	if err := check(scores, same); err != nil {
		return nil, err
	}
	positives := 0
	for _, s := range same {
		if s {
			positives++
		}
	}
	if positives == 0 {
		return nil, errNoPositives
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	var curve []Point
	tp, fp := 0, 0
	for k := 0; k < len(order); {
		th := scores[order[k]]
		for ; k < len(order) && scores[order[k]] == th; k++ {
			if same[order[k]] {
				tp++
			} else {
				fp++
			}
		}
		p := float64(tp) / float64(tp+fp)
		r := float64(tp) / float64(positives)
		curve = append(curve, Point{Threshold: th, Precision: p, Recall: r, F1: 2 * p * r / (p + r + f1Epsilon)})
		if tp == positives {
			break
		}
	}
	return curve, nil
}

// FindThreshold returns the score threshold maximizing F1 and that F1. Among
// equal F1 values the lowest threshold wins.
func FindThreshold(distances []float64, same []bool) (float64, float64, error) {
	curve, err := Curve(Scores(distances), same)
	if err != nil {
		return 0, 0, err
	}
	best := curve[0]
	for _, pt := range curve[1:] {
		if pt.F1 >= best.F1 {
			best = pt
		}
	}
	return best.Threshold, best.F1, nil
}

// Evaluate classifies pairs at threshold, using the same scores as
// FindThreshold.
func Evaluate(distances []float64, same []bool, threshold float64) (Metrics, error) {
	if err := check(distances, same); err != nil {
		return Metrics{}, err
	}
	scores := Scores(distances)

	var tp, fp, fn, correct int
	for i, s := range scores {
		pred := s >= threshold
		switch {
		case pred && same[i]:
			tp++
		case pred && !same[i]:
			fp++
		case !pred && same[i]:
			fn++
		}
		if pred == same[i] {
			correct++
		}
	}

	m := Metrics{
		Threshold: threshold,
		Accuracy:  float64(correct) / float64(len(scores)),
		Precision: float64(tp) / (float64(tp+fp) + f1Epsilon),
		Recall:    float64(tp) / (float64(tp+fn) + f1Epsilon),
	}
	if d := 2*tp + fp + fn; d > 0 {
		m.F1 = float64(2*tp) / float64(d)
	}
	return m, nil
}

// Summary describes the distance distributions of both pair kinds.
type Summary struct {
	Pairs        int     `json:"pairs"`
	SameMean     float64 `json:"same_mean"`
	SameStdDev   float64 `json:"same_std_dev"`
	DiffMean     float64 `json:"different_mean"`
	DiffStdDev   float64 `json:"different_std_dev"`
	MaxDistance  float64 `json:"max_distance"`
	Separability float64 `json:"separability"`
}

// Summarize computes per-kind mean and standard deviation of distances.
// Separability is the gap between the means in pooled standard deviations.
func Summarize(distances []float64, same []bool) (Summary, error) {
	if err := check(distances, same); err != nil {
		return Summary{}, err
	}
	var pos, neg []float64
	for i, d := range distances {
		if same[i] {
			pos = append(pos, d)
		} else {
			neg = append(neg, d)
		}
	}

	s := Summary{Pairs: len(distances), MaxDistance: floats.Max(distances)}
	s.SameMean, s.SameStdDev = meanStdDev(pos)
	s.DiffMean, s.DiffStdDev = meanStdDev(neg)
	if pooled := (s.SameStdDev + s.DiffStdDev) / 2; pooled > 0 && len(pos) > 0 && len(neg) > 0 {
		s.Separability = (s.DiffMean - s.SameMean) / pooled
	}
	return s, nil
}

// PairDistances embeds both sides of every sample in inference mode and
// returns their distances and labels, in sample order.
func PairDistances(ctx context.Context, net *network.Network, samples []dataset.Sample, batchSize int) ([]float64, []bool, error) {
	if batchSize <= 0 {
		batchSize = len(samples)
	}
	dists := make([]float64, 0, len(samples))
	same := make([]bool, 0, len(samples))
	for i := 0; i < len(samples); i += batchSize {
		batch := samples[i:min(i+batchSize, len(samples))]
		a := make([][]float64, len(batch))
		b := make([][]float64, len(batch))
		for j, s := range batch {
			a[j], b[j] = s.A, s.B
			same = append(same, s.Same)
		}
		pa, pb, err := net.Twin(ctx, a, b, network.Inference, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to embed pairs: %w", err)
		}
		for j := range batch {
			dists = append(dists, network.Distance(pa.Embeddings[j], pb.Embeddings[j]))
		}
	}
	return dists, same, nil
}

func meanStdDev(x []float64) (float64, float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

func check(values []float64, same []bool) error {
	if len(values) == 0 {
		return errNoPairs
	}
	if len(values) != len(same) {
		return fmt.Errorf("got %d values for %d labels", len(values), len(same))
	}
	return nil
}
