package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
)

// Sample is a pair ready for the network: both images as input tensors.
// Tensors are shared between samples that reference the same file and must
// not be modified.
type Sample struct {
	A    []float64
	B    []float64
	Same bool
}

// LoadSamples reads the images of pairs relative to root and converts them to
// tensors. Every image must already be normalized to size x size; each file
// is decoded once even when many pairs reference it.
func LoadSamples(ctx context.Context, root string, pairs []Pair, size int, cache *imaging.ImageCache, workers int) ([]Sample, error) {
	var unique []string
	seen := make(map[string]bool)
	for _, p := range pairs {
		for _, f := range []string{p.A, p.B} {
			if !seen[f] {
				seen[f] = true
				unique = append(unique, f)
			}
		}
	}

	var mu sync.Mutex
	tensors := make(map[string][]float64, len(unique))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, rel := range unique {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := cache.Load(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			gray := imaging.Grayscale(img, imaging.LightnessLuma)
			if b := gray.Bounds(); b.Dx() != size || b.Dy() != size {
				return fmt.Errorf("%s: image is %dx%d, want %dx%d", rel, b.Dx(), b.Dy(), size, size)
			}
			t := imaging.ToTensor(gray)
			mu.Lock()
			tensors[rel] = t
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	samples := make([]Sample, len(pairs))
	for i, p := range pairs {
		samples[i] = Sample{A: tensors[p.A], B: tensors[p.B], Same: p.Same}
	}
	return samples, nil
}
