package dataset

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	engraveimg "github.com/AntoineMLD/EngraveDetect/internal/imaging"
)

// DefaultAugmentations is the number of augmented variants written per original.
const DefaultAugmentations = 5

// PrepareOptions configures Prepare.
type PrepareOptions struct {
	// Augmentations per normalized original. Negative disables augmentation;
	// zero means DefaultAugmentations.
	Augmentations int
	Augment       engraveimg.AugmentOptions
	Seed          int64
	Workers       int
}

// PrepareReport summarizes a Prepare run.
type PrepareReport struct {
	Classes   int      `json:"classes"`
	Originals int      `json:"originals"`
	Augmented int      `json:"augmented"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Prepare normalizes every image of the raw corpus at src into out, one
// directory per class. Originals are written as <class>_NN.png, numbered from
// 01 in sorted file order, each followed by its augmented variants
// <class>_NN_augK.png. Images that cannot be decoded or hold no symbol are
// logged and skipped.
//
// Classes are processed in parallel; each class draws its augmentations from a
// random source derived from Seed and the class name, so output does not depend
// on scheduling.
func Prepare(ctx context.Context, src, out string, n *engraveimg.Normalizer, opts PrepareOptions, log logr.Logger) (*PrepareReport, error) {
	classes, err := ScanClasses(src)
	if err != nil {
		return nil, err
	}
	augCount := opts.Augmentations
	if augCount == 0 {
		augCount = DefaultAugmentations
	}

	report := &PrepareReport{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for _, class := range classes {
		if len(class.Files) == 0 {
			log.Info("skipping class without images", "class", class.Name)
			continue
		}
		g.Go(func() error {
			dst := filepath.Join(out, class.Name)
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dst, err)
			}
			aug := engraveimg.NewAugmenter(opts.Augment, classSeed(opts.Seed, class.Name))

			originals, augmented := 0, 0
			var skipped []string
			for _, name := range class.Files {
				if err := ctx.Err(); err != nil {
					return err
				}
				path := filepath.Join(class.Dir, name)
				img, err := engraveimg.LoadFile(path)
				if err != nil {
					log.Error(err, "skipping unreadable image", "path", path)
					skipped = append(skipped, path)
					continue
				}
				norm, ok := n.Normalize(img)
				if !ok {
					log.Info("skipping image without a symbol", "path", path)
					skipped = append(skipped, path)
					continue
				}

				originals++
				if err := imaging.Save(norm, filepath.Join(dst, originalName(class.Name, originals))); err != nil {
					return fmt.Errorf("failed to save normalized image: %w", err)
				}
				for k := 1; k <= augCount; k++ {
					if err := imaging.Save(aug.Augment(norm), filepath.Join(dst, augmentedName(class.Name, originals, k))); err != nil {
						return fmt.Errorf("failed to save augmented image: %w", err)
					}
					augmented++
				}
			}

			log.V(1).Info("class prepared", "class", class.Name, "originals", originals, "augmented", augmented)
			mu.Lock()
			if originals > 0 {
				report.Classes++
			}
			report.Originals += originals
			report.Augmented += augmented
			report.Skipped = append(report.Skipped, skipped...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(report.Skipped)
	return report, nil
}

// classSeed derives a per-class seed so parallel classes stay reproducible.
func classSeed(seed int64, class string) int64 {
	h := fnv.New64a()
	h.Write([]byte(class))
	return seed ^ int64(h.Sum64())
}
