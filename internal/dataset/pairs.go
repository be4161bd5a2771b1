package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/go-logr/logr"
)

// ErrTooFewClasses is returned when a split has fewer than two classes with
// images, so no negative pair can be formed.
var ErrTooFewClasses = errors.New("at least two classes with images are required")

// DefaultPairsPerClass is the number of positive pairs drawn per class.
const DefaultPairsPerClass = 100

// manifestHeader is the first row of every pair manifest.
var manifestHeader = []string{"image1_path", "image2_path", "same_symbol"}

// Pair is one training example: two image paths relative to the dataset root
// (slash-separated, e.g. "train/circle/circle_01.png") and whether they show
// the same symbol.
type Pair struct {
	A    string
	B    string
	Same bool
}

// PairOptions configures a PairGenerator.
type PairOptions struct {
	PairsPerClass int   `json:"pairs_per_class"`
	Seed          int64 `json:"seed"`
}

// PairGenerator builds balanced positive/negative pair lists from split
// directories under a dataset root.
type PairGenerator struct {
	root string
	opts PairOptions
	rnd  *rand.Rand
	log  logr.Logger
}

// NewPairGenerator returns a generator reading <root>/<split>/<class>/*.png.
func NewPairGenerator(root string, opts PairOptions, log logr.Logger) *PairGenerator {
	if opts.PairsPerClass <= 0 {
		opts.PairsPerClass = DefaultPairsPerClass
	}
	return &PairGenerator{
		root: root,
		opts: opts,
		rnd:  rand.New(rand.NewSource(opts.Seed)),
		log:  log,
	}
}

// Generate returns the shuffled pairs of one split.
//
// Each class with at least two images yields PairsPerClass positive pairs:
// drawn without replacement from all 2-combinations when there are enough of
// them, with replacement otherwise. Negative pairs take one random image from
// each of two distinct random classes until there are as many negatives as
// positives.
func (g *PairGenerator) Generate(split string) ([]Pair, error) {
	classes, err := ScanClasses(filepath.Join(g.root, split))
	if err != nil {
		return nil, err
	}

	var names []string
	images := make(map[string][]string)
	for _, class := range classes {
		if len(class.Files) == 0 {
			g.log.Info("skipping class without images", "split", split, "class", class.Name)
			continue
		}
		names = append(names, class.Name)
		for _, f := range class.Files {
			images[class.Name] = append(images[class.Name], path.Join(split, class.Name, f))
		}
	}
	if len(names) < 2 {
		return nil, fmt.Errorf("split %s has %d usable classes: %w", split, len(names), ErrTooFewClasses)
	}

	var pairs []Pair
	for _, name := range names {
		files := images[name]
		if len(files) < 2 {
			g.log.Info("class has a single image, no positive pairs", "split", split, "class", name)
			continue
		}
		for _, c := range g.positives(files) {
			pairs = append(pairs, Pair{A: files[c[0]], B: files[c[1]], Same: true})
		}
	}
	positives := len(pairs)

	for i := 0; i < positives; i++ {
		ci := g.rnd.Intn(len(names))
		cj := g.rnd.Intn(len(names) - 1)
		if cj >= ci {
			cj++
		}
		a := images[names[ci]]
		b := images[names[cj]]
		pairs = append(pairs, Pair{A: a[g.rnd.Intn(len(a))], B: b[g.rnd.Intn(len(b))], Same: false})
	}

	g.rnd.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
	g.log.Info("pairs generated", "split", split, "total", len(pairs), "positive", positives, "negative", len(pairs)-positives)
	return pairs, nil
}

// positives picks index pairs among all 2-combinations of n files.
func (g *PairGenerator) positives(files []string) [][2]int {
	n := len(files)
	var combos [][2]int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			combos = append(combos, [2]int{i, j})
		}
	}

	want := g.opts.PairsPerClass
	out := make([][2]int, 0, want)
	if want > len(combos) {
		for k := 0; k < want; k++ {
			out = append(out, combos[g.rnd.Intn(len(combos))])
		}
		return out
	}
	for _, k := range g.rnd.Perm(len(combos))[:want] {
		out = append(out, combos[k])
	}
	return out
}

// WriteSplit generates the pairs of split and saves them to
// <outDir>/<split>_pairs.csv.
func (g *PairGenerator) WriteSplit(split, outDir string) (string, []Pair, error) {
	pairs, err := g.Generate(split)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create %s: %w", outDir, err)
	}
	file := filepath.Join(outDir, ManifestName(split))
	if err := SaveManifest(file, pairs); err != nil {
		return "", nil, err
	}
	return file, pairs, nil
}

// ManifestName is the manifest file name of a split.
func ManifestName(split string) string {
	return split + "_pairs.csv"
}

// WriteManifest writes pairs as CSV with the header
// image1_path,image2_path,same_symbol and labels 1/0.
func WriteManifest(w io.Writer, pairs []Pair) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(manifestHeader); err != nil {
		return err
	}
	for _, p := range pairs {
		label := "0"
		if p.Same {
			label = "1"
		}
		if err := cw.Write([]string{p.A, p.B, label}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadManifest parses a manifest written by WriteManifest.
func ReadManifest(r io.Reader) ([]Pair, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(manifestHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}
	for i, h := range manifestHeader {
		if header[i] != h {
			return nil, fmt.Errorf("unexpected manifest column %q, want %q", header[i], h)
		}
	}

	var pairs []Pair
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		label, err := strconv.Atoi(rec[2])
		if err != nil || (label != 0 && label != 1) {
			return nil, fmt.Errorf("invalid label %q for pair %s, %s", rec[2], rec[0], rec[1])
		}
		pairs = append(pairs, Pair{A: rec[0], B: rec[1], Same: label == 1})
	}
	return pairs, nil
}

// SaveManifest writes pairs to file.
func SaveManifest(file string, pairs []Pair) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if err := WriteManifest(f, pairs); err != nil {
		f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return f.Close()
}

// LoadManifest reads pairs from file.
func LoadManifest(file string) ([]Pair, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return ReadManifest(f)
}
