package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
)

// Split names.
const (
	SplitTrain = "train"
	SplitTest  = "test"
)

// DefaultTrainRatio is the share of originals assigned to the training split.
const DefaultTrainRatio = 0.8

// SplitOptions configures Split.
type SplitOptions struct {
	TrainRatio float64 `json:"train_ratio"`
	Seed       int64   `json:"seed"`
}

// SplitCounts is the number of files a class contributed to each split.
type SplitCounts struct {
	Train int `json:"train"`
	Test  int `json:"test"`
}

// Split copies a prepared corpus into <out>/train/<class> and <out>/test/<class>.
//
// Within each class the originals are shuffled and the first
// floor(len*TrainRatio) go to train together with all of their augmented
// variants. The remaining originals go to test without augmentations, so no
// variant of a test image is ever seen in training. A class always keeps at
// least one original in train, even when that leaves its test split empty.
func Split(src, out string, opts SplitOptions, log logr.Logger) (map[string]SplitCounts, error) {
	ratio := opts.TrainRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultTrainRatio
	}
	classes, err := ScanClasses(src)
	if err != nil {
		return nil, err
	}

	rnd := rand.New(rand.NewSource(opts.Seed))
	counts := make(map[string]SplitCounts, len(classes))
	for _, class := range classes {
		var originals []string
		variants := make(map[string][]string)
		for _, name := range class.Files {
			if IsAugmented(name) {
				stem := OriginalStem(name)
				variants[stem] = append(variants[stem], name)
				continue
			}
			originals = append(originals, name)
		}

		rnd.Shuffle(len(originals), func(i, j int) { originals[i], originals[j] = originals[j], originals[i] })
		nTrain := int(float64(len(originals)) * ratio)
		if nTrain == 0 && len(originals) > 0 {
			nTrain = 1
			log.Info("too few originals to hold one out, class has no test images", "class", class.Name, "originals", len(originals))
		}

		trainDir := filepath.Join(out, SplitTrain, class.Name)
		testDir := filepath.Join(out, SplitTest, class.Name)
		for _, dir := range []string{trainDir, testDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}

		var c SplitCounts
		for i, name := range originals {
			if i < nTrain {
				files := append([]string{name}, variants[OriginalStem(name)]...)
				for _, f := range files {
					if err := copyFile(filepath.Join(class.Dir, f), filepath.Join(trainDir, f)); err != nil {
						return nil, err
					}
				}
				c.Train += len(files)
				continue
			}
			if err := copyFile(filepath.Join(class.Dir, name), filepath.Join(testDir, name)); err != nil {
				return nil, err
			}
			c.Test++
		}
		counts[class.Name] = c
		log.Info("class split", "class", class.Name, "train", c.Train, "test", c.Test)
	}
	return counts, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
