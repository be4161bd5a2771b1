// Package templates manages the template bank: one reference image and
// embedding per symbol class, used as the gallery for nearest-neighbour
// matching.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/AntoineMLD/EngraveDetect/internal/dataset"
	engraveimg "github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
)

// Artifact file names inside a bank directory.
const (
	TemplateFile = "template.png"
	ManifestFile = "bank.json"
)

// ErrEmptyBank is returned when a bank holds no usable template.
var ErrEmptyBank = errors.New("template bank is empty")

// Entry is the reference of one class.
type Entry struct {
	Class     string
	Source    string
	Image     *image.Gray
	Embedding []float64
}

// Bank is an ordered set of class templates. Entries are sorted by class name;
// that order breaks ties between equidistant templates. A Bank is not modified
// after construction and may be shared between goroutines.
type Bank struct {
	Entries []Entry

	// Missing lists classes for which no template could be produced.
	Missing []string

	// CheckpointEpoch records which checkpoint the embeddings came from, when known.
	CheckpointEpoch int
}

// Classes returns the class names in bank order.
func (b *Bank) Classes() []string {
	names := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		names[i] = e.Class
	}
	return names
}

// Len returns the number of templates.
func (b *Bank) Len() int {
	return len(b.Entries)
}

type manifest struct {
	CanonicalSize   int             `json:"canonical_size"`
	CheckpointEpoch int             `json:"checkpoint_epoch,omitempty"`
	Classes         []manifestEntry `json:"classes"`
	Missing         []string        `json:"missing,omitempty"`
}

type manifestEntry struct {
	Class  string `json:"class"`
	Source string `json:"source"`
}

// Build selects one reference image per class of the corpus at corpusDir and
// embeds it with net. For every class the files are tried in sorted order and
// the first one that decodes and normalizes becomes the template. Classes
// without such an image are logged and listed in Missing.
//
// Build returns ErrEmptyBank when no class yields a template.
func Build(ctx context.Context, corpusDir string, net *network.Network, n *engraveimg.Normalizer, log logr.Logger) (*Bank, error) {
	if err := checkSizes(net, n); err != nil {
		return nil, err
	}
	classes, err := dataset.ScanClasses(corpusDir)
	if err != nil {
		return nil, err
	}

	found := make([]*Entry, len(classes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(net))
	for i, class := range classes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found[i] = pickReference(class, n, log)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bank := &Bank{}
	for i, e := range found {
		if e == nil {
			log.Error(nil, "no usable template image", "class", classes[i].Name)
			bank.Missing = append(bank.Missing, classes[i].Name)
			continue
		}
		bank.Entries = append(bank.Entries, *e)
	}
	if len(bank.Entries) == 0 {
		return nil, fmt.Errorf("%w: no class in %s has a usable image", ErrEmptyBank, corpusDir)
	}
	if err := embedAll(ctx, net, bank.Entries); err != nil {
		return nil, err
	}

	log.Info("template bank built", "templates", len(bank.Entries), "missing", len(bank.Missing))
	return bank, nil
}

func pickReference(class dataset.Class, n *engraveimg.Normalizer, log logr.Logger) *Entry {
	for _, name := range class.Files {
		img, err := engraveimg.LoadFile(filepath.Join(class.Dir, name))
		if err != nil {
			log.V(1).Info("skipping template candidate", "class", class.Name, "file", name, "error", err.Error())
			continue
		}
		norm, ok := n.Normalize(img)
		if !ok {
			log.V(1).Info("no symbol in template candidate", "class", class.Name, "file", name)
			continue
		}
		return &Entry{Class: class.Name, Source: name, Image: norm}
	}
	return nil
}

func embedAll(ctx context.Context, net *network.Network, entries []Entry) error {
	inputs := make([][]float64, len(entries))
	for i, e := range entries {
		inputs[i] = engraveimg.ToTensor(e.Image)
	}
	embs, err := net.EmbedBatch(ctx, inputs)
	if err != nil {
		return fmt.Errorf("failed to embed templates: %w", err)
	}
	for i := range entries {
		entries[i].Embedding = embs[i]
	}
	return nil
}

func workers(net *network.Network) int {
	if w := net.Exec().Workers; w > 0 {
		return w
	}
	return runtime.GOMAXPROCS(0)
}

func checkSizes(net *network.Network, n *engraveimg.Normalizer) error {
	if net.Config().InputSize != n.CanonicalSize() {
		return fmt.Errorf("network expects %dx%d inputs but normalizer produces %dx%d",
			net.Config().InputSize, net.Config().InputSize, n.CanonicalSize(), n.CanonicalSize())
	}
	return nil
}

// Save writes every template as <dir>/<class>/template.png plus the bank.json
// manifest.
func (b *Bank) Save(dir string) error {
	m := manifest{CheckpointEpoch: b.CheckpointEpoch, Missing: b.Missing}
	for _, e := range b.Entries {
		classDir := filepath.Join(dir, e.Class)
		if err := os.MkdirAll(classDir, 0o755); err != nil {
			return fmt.Errorf("failed to create template directory: %w", err)
		}
		if err := imaging.Save(e.Image, filepath.Join(classDir, TemplateFile)); err != nil {
			return fmt.Errorf("failed to save template for %s: %w", e.Class, err)
		}
		m.Classes = append(m.Classes, manifestEntry{Class: e.Class, Source: e.Source})
		m.CanonicalSize = e.Image.Bounds().Dx()
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ManifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bank manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFile))
}

// Load reads a saved bank and recomputes the embeddings with net. Templates
// already at the canonical size are used as stored; any other file is
// normalized first.
//
// Classes come from bank.json when present, otherwise from every
// subdirectory holding a template.png. A missing directory or a bank without
// any usable template yields ErrEmptyBank.
func Load(ctx context.Context, dir string, net *network.Network, n *engraveimg.Normalizer, log logr.Logger) (*Bank, error) {
	if err := checkSizes(net, n); err != nil {
		return nil, err
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	bank := &Bank{CheckpointEpoch: m.CheckpointEpoch, Missing: append([]string(nil), m.Missing...)}
	entries := make([]*Entry, len(m.Classes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(net))
	for i, me := range m.Classes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := imaging.Open(filepath.Join(dir, me.Class, TemplateFile))
			if err != nil {
				log.Error(err, "failed to read template", "class", me.Class)
				return nil
			}
			norm, ok := n.Canonical(img)
			if !ok {
				log.Error(nil, "template holds no symbol", "class", me.Class)
				return nil
			}
			entries[i] = &Entry{Class: me.Class, Source: me.Source, Image: norm}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, e := range entries {
		if e == nil {
			bank.Missing = append(bank.Missing, m.Classes[i].Class)
			continue
		}
		bank.Entries = append(bank.Entries, *e)
	}
	sort.Strings(bank.Missing)
	if len(bank.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBank, dir)
	}
	if err := embedAll(ctx, net, bank.Entries); err != nil {
		return nil, err
	}

	log.Info("template bank loaded", "dir", dir, "templates", len(bank.Entries), "missing", len(bank.Missing))
	return bank, nil
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid bank manifest: %w", err)
		}
		sort.Slice(m.Classes, func(i, j int) bool { return m.Classes[i].Class < m.Classes[j].Class })
		return &m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read bank manifest: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrEmptyBank, dir)
		}
		return nil, fmt.Errorf("failed to read bank directory: %w", err)
	}
	m := &manifest{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), TemplateFile)); err == nil {
			m.Classes = append(m.Classes, manifestEntry{Class: e.Name(), Source: TemplateFile})
		}
	}
	return m, nil
}
