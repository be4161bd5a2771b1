// Package matcher identifies the symbol drawn in an image by nearest-neighbour
// search over the template bank in embedding space.
package matcher

import (
	"errors"
	"fmt"
	"image"
	"sort"

	engraveimg "github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
	"github.com/AntoineMLD/EngraveDetect/internal/templates"
)

// DefaultThreshold is the similarity from which a match is confident. It comes
// from F1 calibration on the held-out split.
const DefaultThreshold = 0.4488

// MaxDistance bounds the Euclidean distance between two unit-length embeddings.
const MaxDistance = 2.0

// Candidate is one ranked template.
type Candidate struct {
	Symbol          string  `json:"symbol"`
	SimilarityScore float64 `json:"similarity_score"`
}

// Result is the outcome of one prediction. PredictedSymbol is nil when the
// image holds no symbol, in which case SimilarityScore is 0 and IsConfident
// false.
type Result struct {
	PredictedSymbol *string     `json:"predicted_symbol"`
	SimilarityScore float64     `json:"similarity_score"`
	IsConfident     bool        `json:"is_confident"`
	Candidates      []Candidate `json:"candidates,omitempty"`
}

// Options tunes a Matcher.
type Options struct {
	// Threshold is the minimum similarity of a confident match. 0 means DefaultThreshold.
	Threshold float64 `json:"threshold"`

	// TopK adds the K best templates to every result. 0 disables candidates.
	TopK int `json:"top_k"`
}

// Matcher is an immutable (network, bank, threshold) triple. It is safe for
// concurrent use.
type Matcher struct {
	net  *network.Network
	bank *templates.Bank
	norm *engraveimg.Normalizer
	opts Options
}

// New validates that the parts fit together.
func New(net *network.Network, bank *templates.Bank, n *engraveimg.Normalizer, opts Options) (*Matcher, error) {
	if bank == nil || bank.Len() == 0 {
		return nil, templates.ErrEmptyBank
	}
	cfg := net.Config()
	if cfg.InputSize != n.CanonicalSize() {
		return nil, fmt.Errorf("network expects %d pixel inputs, normalizer produces %d", cfg.InputSize, n.CanonicalSize())
	}
	for _, e := range bank.Entries {
		if len(e.Embedding) != cfg.EmbeddingDim {
			return nil, fmt.Errorf("template %s has %d dimensions, network produces %d", e.Class, len(e.Embedding), cfg.EmbeddingDim)
		}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.TopK < 0 {
		return nil, errors.New("top_k must not be negative")
	}
	return &Matcher{net: net, bank: bank, norm: n, opts: opts}, nil
}

// Threshold returns the confidence threshold.
func (m *Matcher) Threshold() float64 {
	return m.opts.Threshold
}

// Bank returns the template bank.
func (m *Matcher) Bank() *templates.Bank {
	return m.bank
}

// Normalizer returns the normalizer applied to inputs.
func (m *Matcher) Normalizer() *engraveimg.Normalizer {
	return m.norm
}

// Similarity maps a distance between unit embeddings to [0, 1].
func Similarity(d float64) float64 {
	return min(1, max(0, 1-d/MaxDistance))
}

// Predict matches a decoded image against the bank. The template at minimum
// distance wins; exact ties keep the first template in bank order.
func (m *Matcher) Predict(img image.Image) (Result, error) {
	norm, ok := m.norm.Normalize(img)
	if !ok {
		return Result{}, nil
	}
	emb, err := m.net.Embed(engraveimg.ToTensor(norm))
	if err != nil {
		return Result{}, fmt.Errorf("failed to embed image: %w", err)
	}
	return m.match(emb), nil
}

// PredictBytes decodes data and matches it. Undecodable input returns an
// error wrapping imaging.ErrInvalidImage.
func (m *Matcher) PredictBytes(data []byte) (Result, error) {
	img, err := engraveimg.Decode(data)
	if err != nil {
		return Result{}, err
	}
	return m.Predict(img)
}

func (m *Matcher) match(emb []float64) Result {
	dists := make([]float64, m.bank.Len())
	best := 0
	for i, e := range m.bank.Entries {
		dists[i] = network.Distance(emb, e.Embedding)
		if dists[i] < dists[best] {
			best = i
		}
	}

	symbol := m.bank.Entries[best].Class
	sim := Similarity(dists[best])
	res := Result{
		PredictedSymbol: &symbol,
		SimilarityScore: sim,
		IsConfident:     sim >= m.opts.Threshold,
	}

	if m.opts.TopK > 0 {
		order := make([]int, len(dists))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return dists[order[a]] < dists[order[b]] })
		for _, i := range order[:min(m.opts.TopK, len(order))] {
			res.Candidates = append(res.Candidates, Candidate{
				Symbol:          m.bank.Entries[i].Class,
				SimilarityScore: Similarity(dists[i]),
			})
		}
	}
	return res
}
