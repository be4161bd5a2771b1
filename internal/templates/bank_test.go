package templates

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-logr/logr"

	engraveimg "github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
)

const testSize = 32

func testNetwork(t *testing.T) *network.Network {
	t.Helper()
	n, err := network.New(network.Config{
		InputSize:    testSize,
		Channels:     []int{2, 4, 8},
		Hidden:       16,
		EmbeddingDim: 8,
		Dropout:      0,
		Momentum:     0.1,
		Epsilon:      1e-5,
	}, network.Exec{Workers: 2}, 5)
	if err != nil {
		t.Fatalf("network.New failed: %v", err)
	}
	return n
}

func testNormalizer() *engraveimg.Normalizer {
	return engraveimg.NewNormalizer(engraveimg.NormalizeOptions{CanonicalSize: testSize})
}

// rectImage draws a black rectangle on a 40x40 white canvas.
func rectImage(r image.Rectangle) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 40, 40))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(img, r, &image.Uniform{color.Black}, image.Point{}, draw.Src)
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
}

// makeCorpus writes four classes: two clean ones, one whose first file is
// corrupt, and one holding only a blank image.
func makeCorpus(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "bar", "bar_01.png"), rectImage(image.Rect(12, 5, 28, 35)))
	writePNG(t, filepath.Join(root, "square", "square_01.png"), rectImage(image.Rect(10, 10, 30, 30)))
	writePNG(t, filepath.Join(root, "square", "square_02.png"), rectImage(image.Rect(5, 5, 25, 25)))

	if err := os.MkdirAll(filepath.Join(root, "broken"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "broken", "a_bad.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(root, "broken", "b_good.png"), rectImage(image.Rect(4, 10, 36, 30)))

	writePNG(t, filepath.Join(root, "empty", "empty_01.png"), rectImage(image.Rectangle{}))
	return root
}

func unitNorm(v []float64) bool {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Abs(math.Sqrt(s)-1) < 1e-9
}

func TestBuild(t *testing.T) {
	bank, err := Build(context.Background(), makeCorpus(t), testNetwork(t), testNormalizer(), logr.Discard())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got, want := bank.Classes(), []string{"bar", "broken", "square"}; !reflect.DeepEqual(got, want) {
		t.Errorf("classes: got %v, want %v", got, want)
	}
	if want := []string{"empty"}; !reflect.DeepEqual(bank.Missing, want) {
		t.Errorf("missing: got %v, want %v", bank.Missing, want)
	}

	sources := map[string]string{"bar": "bar_01.png", "broken": "b_good.png", "square": "square_01.png"}
	for _, e := range bank.Entries {
		if e.Source != sources[e.Class] {
			t.Errorf("%s: source %q, want %q", e.Class, e.Source, sources[e.Class])
		}
		if b := e.Image.Bounds(); b.Dx() != testSize || b.Dy() != testSize {
			t.Errorf("%s: template is %dx%d", e.Class, b.Dx(), b.Dy())
		}
		if len(e.Embedding) != 8 || !unitNorm(e.Embedding) {
			t.Errorf("%s: embedding not a unit vector of length 8", e.Class)
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	corpus := makeCorpus(t)
	net := testNetwork(t)
	n := testNormalizer()

	a, err := Build(context.Background(), corpus, net, n, logr.Discard())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	b, err := Build(context.Background(), corpus, net, n, logr.Discard())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("two builds from the same corpus and weights differ")
	}
}

func TestBuild_NoUsableClass(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "blank", "blank_01.png"), rectImage(image.Rectangle{}))

	_, err := Build(context.Background(), root, testNetwork(t), testNormalizer(), logr.Discard())
	if !errors.Is(err, ErrEmptyBank) {
		t.Fatalf("got %v, want ErrEmptyBank", err)
	}
}

func TestBuild_SizeMismatch(t *testing.T) {
	n := engraveimg.NewNormalizer(engraveimg.NormalizeOptions{CanonicalSize: 64})
	if _, err := Build(context.Background(), makeCorpus(t), testNetwork(t), n, logr.Discard()); err == nil {
		t.Fatal("expected error when normalizer and network sizes differ")
	}
}

func TestSaveLoad(t *testing.T) {
	net := testNetwork(t)
	n := testNormalizer()
	built, err := Build(context.Background(), makeCorpus(t), net, n, logr.Discard())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	built.CheckpointEpoch = 7

	dir := filepath.Join(t.TempDir(), "bank")
	if err := built.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	for _, class := range built.Classes() {
		if _, err := os.Stat(filepath.Join(dir, class, TemplateFile)); err != nil {
			t.Errorf("%s: template not written: %v", class, err)
		}
	}

	loaded, err := Load(context.Background(), dir, net, n, logr.Discard())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.Classes(), built.Classes()) {
		t.Errorf("classes: got %v, want %v", loaded.Classes(), built.Classes())
	}
	if !reflect.DeepEqual(loaded.Missing, built.Missing) {
		t.Errorf("missing: got %v, want %v", loaded.Missing, built.Missing)
	}
	if loaded.CheckpointEpoch != 7 {
		t.Errorf("checkpoint epoch: got %d, want 7", loaded.CheckpointEpoch)
	}
	for i, e := range loaded.Entries {
		if e.Source != built.Entries[i].Source {
			t.Errorf("%s: source %q, want %q", e.Class, e.Source, built.Entries[i].Source)
		}
		if !unitNorm(e.Embedding) {
			t.Errorf("%s: embedding not unit norm", e.Class)
		}
		if !reflect.DeepEqual(e.Image.Pix, built.Entries[i].Image.Pix) {
			t.Errorf("%s: loaded template differs from the saved one", e.Class)
		}
		for k, v := range e.Embedding {
			if math.Abs(v-built.Entries[i].Embedding[k]) > 1e-9 {
				t.Errorf("%s: embedding[%d] %v, built %v", e.Class, k, v, built.Entries[i].Embedding[k])
				break
			}
		}
	}
}

func TestLoad_WithoutManifest(t *testing.T) {
	net := testNetwork(t)
	n := testNormalizer()
	built, err := Build(context.Background(), makeCorpus(t), net, n, logr.Discard())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	dir := t.TempDir()
	if err := built.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, ManifestFile)); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(context.Background(), dir, net, n, logr.Discard())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.Classes(), built.Classes()) {
		t.Errorf("classes: got %v, want %v", loaded.Classes(), built.Classes())
	}
}

func TestLoad_Empty(t *testing.T) {
	tests := []struct {
		name string
		dir  func(t *testing.T) string
	}{
		{"missing directory", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }},
		{"empty directory", func(t *testing.T) string { return t.TempDir() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.dir(t), testNetwork(t), testNormalizer(), logr.Discard())
			if !errors.Is(err, ErrEmptyBank) {
				t.Errorf("got %v, want ErrEmptyBank", err)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	corpus := makeCorpus(t)
	bank, err := Build(context.Background(), corpus, testNetwork(t), testNormalizer(), logr.Discard())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	dir := t.TempDir()
	if err := bank.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	r, err := Verify(corpus, dir, testNormalizer())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if r.Classes != 4 || r.Templates != 3 {
		t.Errorf("got %d classes and %d templates, want 4 and 3", r.Classes, r.Templates)
	}
	if !reflect.DeepEqual(r.MissingTemplates, []string{"empty"}) {
		t.Errorf("missing templates: got %v", r.MissingTemplates)
	}
	if len(r.Unstable) != 0 {
		t.Errorf("saved templates should normalize to themselves: %v", r.Unstable)
	}
	if r.OK() {
		t.Error("report with a missing template should not be OK")
	}

	r, err = Verify(corpus, dir, engraveimg.NewNormalizer(engraveimg.NormalizeOptions{CanonicalSize: 64}))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(r.WrongSize) != 3 {
		t.Errorf("wrong size: got %v, want 3 entries", r.WrongSize)
	}
}

func TestVerify_Unstable(t *testing.T) {
	corpus := makeCorpus(t)
	bank, err := Build(context.Background(), corpus, testNetwork(t), testNormalizer(), logr.Discard())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	dir := t.TempDir()
	if err := bank.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A symbol stuck in the corner was never normalized.
	corner := image.NewGray(image.Rect(0, 0, testSize, testSize))
	draw.Draw(corner, corner.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(corner, image.Rect(0, 0, 12, 12), &image.Uniform{color.Black}, image.Point{}, draw.Src)
	writePNG(t, filepath.Join(dir, "bar", TemplateFile), corner)

	blank := image.NewGray(image.Rect(0, 0, testSize, testSize))
	draw.Draw(blank, blank.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	writePNG(t, filepath.Join(dir, "square", TemplateFile), blank)

	r, err := Verify(corpus, dir, testNormalizer())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(r.Unstable) != 2 {
		t.Fatalf("unstable: got %v, want bar and square", r.Unstable)
	}
	if r.Unstable[1] != "square" {
		t.Errorf("blank template: got %q", r.Unstable[1])
	}
}
