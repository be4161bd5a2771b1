package dataset

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
)

// writePNG encodes img to path, creating parent directories.
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

// squareImage draws a black square of side s at (x, y) on a white canvas.
func squareImage(width, height, x, y, s int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(x, y, x+s, y+s), &image.Uniform{color.Black}, image.Point{}, draw.Src)
	return img
}

// makeSplit writes count images per class under root/split.
func makeSplit(t *testing.T, root, split string, counts map[string]int) {
	t.Helper()
	for class, n := range counts {
		dir := filepath.Join(root, split, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create class dir: %v", err)
		}
		for i := 0; i < n; i++ {
			writePNG(t, filepath.Join(dir, originalName(class, i+1)), squareImage(16, 16, 2+i%4, 3, 8))
		}
	}
}

func TestScanClasses(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "triangle", "b.png"), squareImage(8, 8, 1, 1, 4))
	writePNG(t, filepath.Join(root, "triangle", "a.png"), squareImage(8, 8, 1, 1, 4))
	writePNG(t, filepath.Join(root, "circle", "x.jpg.png"), squareImage(8, 8, 1, 1, 4))
	os.WriteFile(filepath.Join(root, "circle", "notes.txt"), []byte("hello"), 0o644)
	os.MkdirAll(filepath.Join(root, "empty"), 0o755)
	os.MkdirAll(filepath.Join(root, ".cache"), 0o755)
	os.WriteFile(filepath.Join(root, "README"), []byte("corpus"), 0o644)

	classes, err := ScanClasses(root)
	if err != nil {
		t.Fatalf("ScanClasses failed: %v", err)
	}

	var names []string
	for _, c := range classes {
		names = append(names, c.Name)
	}
	if want := []string{"circle", "empty", "triangle"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("classes: got %v, want %v", names, want)
	}
	if !reflect.DeepEqual(classes[0].Files, []string{"x.jpg.png"}) {
		t.Errorf("circle files: got %v", classes[0].Files)
	}
	if len(classes[1].Files) != 0 {
		t.Errorf("empty class should have no files, got %v", classes[1].Files)
	}
	if !reflect.DeepEqual(classes[2].Files, []string{"a.png", "b.png"}) {
		t.Errorf("triangle files should be sorted, got %v", classes[2].Files)
	}

	if _, err := ScanClasses(filepath.Join(root, "missing")); err == nil {
		t.Error("ScanClasses should fail for a missing directory")
	}
}

func TestAugmentedNames(t *testing.T) {
	tests := []struct {
		name      string
		augmented bool
		stem      string
	}{
		{"circle_01.png", false, "circle_01"},
		{"circle_01_aug3.png", true, "circle_01"},
		{"circle_010_aug12.png", true, "circle_010"},
		{"my_augury.png", false, "my_augury"},
		{"x_aug.png", false, "x_aug"},
		{"_aug1.png", false, "_aug1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAugmented(tt.name); got != tt.augmented {
				t.Errorf("IsAugmented = %v, want %v", got, tt.augmented)
			}
			if got := OriginalStem(tt.name); got != tt.stem {
				t.Errorf("OriginalStem = %q, want %q", got, tt.stem)
			}
		})
	}

	if got := augmentedName("star", 7, 2); got != "star_07_aug2.png" {
		t.Errorf("augmentedName: got %q", got)
	}
}

func TestPairGenerator_Balanced(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, SplitTrain, map[string]int{"circle": 5, "square": 5, "star": 5})

	gen := NewPairGenerator(root, PairOptions{PairsPerClass: 4, Seed: 1}, logr.Discard())
	pairs, err := gen.Generate(SplitTrain)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	positives, negatives := 0, 0
	seen := make(map[Pair]bool)
	for _, p := range pairs {
		ca, cb := classOf(p.A), classOf(p.B)
		if !strings.HasPrefix(p.A, "train/") || !strings.HasPrefix(p.B, "train/") {
			t.Errorf("paths should be relative to the dataset root: %+v", p)
		}
		if p.Same {
			positives++
			if ca != cb {
				t.Errorf("positive pair across classes: %+v", p)
			}
			if p.A == p.B {
				t.Errorf("positive pair of one image with itself: %+v", p)
			}
			if seen[p] {
				t.Errorf("duplicate positive pair drawn without replacement: %+v", p)
			}
			seen[p] = true
		} else {
			negatives++
			if ca == cb {
				t.Errorf("negative pair within a class: %+v", p)
			}
		}
	}
	if positives != 12 || negatives != 12 {
		t.Errorf("got %d positives and %d negatives, want 12 and 12", positives, negatives)
	}
}

func TestPairGenerator_WithReplacement(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, SplitTrain, map[string]int{"circle": 3, "square": 2, "lonely": 1})

	gen := NewPairGenerator(root, PairOptions{Seed: 2}, logr.Discard())
	pairs, err := gen.Generate(SplitTrain)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	perClass := make(map[string]int)
	negatives := 0
	for _, p := range pairs {
		if p.Same {
			perClass[classOf(p.A)]++
		} else {
			negatives++
		}
	}
	if perClass["circle"] != DefaultPairsPerClass || perClass["square"] != DefaultPairsPerClass {
		t.Errorf("positives per class: %v, want %d each", perClass, DefaultPairsPerClass)
	}
	if perClass["lonely"] != 0 {
		t.Errorf("a single-image class cannot form positives, got %d", perClass["lonely"])
	}
	if negatives != 2*DefaultPairsPerClass {
		t.Errorf("negatives: got %d, want %d", negatives, 2*DefaultPairsPerClass)
	}
}

func TestPairGenerator_Deterministic(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, SplitTest, map[string]int{"a": 4, "b": 3})

	first, err := NewPairGenerator(root, PairOptions{PairsPerClass: 5, Seed: 9}, logr.Discard()).Generate(SplitTest)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, _ := NewPairGenerator(root, PairOptions{PairsPerClass: 5, Seed: 9}, logr.Discard()).Generate(SplitTest)
	if !reflect.DeepEqual(first, second) {
		t.Error("same seed produced different pairs")
	}
}

func TestPairGenerator_TooFewClasses(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, SplitTrain, map[string]int{"only": 4})
	os.MkdirAll(filepath.Join(root, SplitTrain, "empty"), 0o755)

	_, err := NewPairGenerator(root, PairOptions{}, logr.Discard()).Generate(SplitTrain)
	if !errors.Is(err, ErrTooFewClasses) {
		t.Errorf("expected ErrTooFewClasses, got %v", err)
	}
}

func TestPairGenerator_WriteSplit(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, SplitTrain, map[string]int{"a": 3, "b": 3})
	out := filepath.Join(root, "pairs")

	file, pairs, err := NewPairGenerator(root, PairOptions{PairsPerClass: 2}, logr.Discard()).WriteSplit(SplitTrain, out)
	if err != nil {
		t.Fatalf("WriteSplit failed: %v", err)
	}
	if filepath.Base(file) != "train_pairs.csv" {
		t.Errorf("manifest name: got %s", filepath.Base(file))
	}

	loaded, err := LoadManifest(file)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, pairs) {
		t.Error("manifest does not round-trip")
	}
}

func TestManifest_Format(t *testing.T) {
	var buf bytes.Buffer
	pairs := []Pair{
		{A: "train/a/a_01.png", B: "train/a/a_02.png", Same: true},
		{A: "train/a/a_01.png", B: "train/b/b_01.png", Same: false},
	}
	if err := WriteManifest(&buf, pairs); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	want := "image1_path,image2_path,same_symbol\n" +
		"train/a/a_01.png,train/a/a_02.png,1\n" +
		"train/a/a_01.png,train/b/b_01.png,0\n"
	if buf.String() != want {
		t.Errorf("manifest:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestReadManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"wrong header", "a,b,c\nx,y,1\n"},
		{"bad label", "image1_path,image2_path,same_symbol\nx,y,yes\n"},
		{"label out of range", "image1_path,image2_path,same_symbol\nx,y,2\n"},
		{"missing column", "image1_path,image2_path,same_symbol\nx,y\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadManifest(strings.NewReader(tt.data)); err == nil {
				t.Error("ReadManifest should fail")
			}
		})
	}
}

func TestSplit_KeepsAugmentationsWithOriginals(t *testing.T) {
	src := t.TempDir()
	dir := filepath.Join(src, "star")
	for i := 1; i <= 5; i++ {
		writePNG(t, filepath.Join(dir, originalName("star", i)), squareImage(8, 8, 1, 1, 4))
		for k := 1; k <= 2; k++ {
			writePNG(t, filepath.Join(dir, augmentedName("star", i, k)), squareImage(8, 8, 2, 2, 4))
		}
	}
	out := t.TempDir()

	counts, err := Split(src, out, SplitOptions{Seed: 3}, logr.Discard())
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if counts["star"] != (SplitCounts{Train: 12, Test: 1}) {
		t.Errorf("counts: got %+v, want 12 train and 1 test", counts["star"])
	}

	trainFiles, _ := imageFiles(filepath.Join(out, SplitTrain, "star"))
	testFiles, _ := imageFiles(filepath.Join(out, SplitTest, "star"))
	if len(testFiles) != 1 || IsAugmented(testFiles[0]) {
		t.Fatalf("test split should hold one original, got %v", testFiles)
	}
	held := OriginalStem(testFiles[0])
	for _, f := range trainFiles {
		if OriginalStem(f) == held {
			t.Errorf("%s leaks the held-out original %s into training", f, held)
		}
	}
}

func TestSplit_SingleOriginalStaysInTrain(t *testing.T) {
	src := t.TempDir()
	for _, class := range []string{"circle", "star"} {
		dir := filepath.Join(src, class)
		writePNG(t, filepath.Join(dir, originalName(class, 1)), squareImage(8, 8, 1, 1, 4))
		for k := 1; k <= 5; k++ {
			writePNG(t, filepath.Join(dir, augmentedName(class, 1, k)), squareImage(8, 8, 2, 2, 4))
		}
	}
	out := t.TempDir()

	counts, err := Split(src, out, SplitOptions{Seed: 1}, logr.Discard())
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	for _, class := range []string{"circle", "star"} {
		if counts[class] != (SplitCounts{Train: 6, Test: 0}) {
			t.Errorf("%s counts: got %+v, want 6 train and 0 test", class, counts[class])
		}
	}

	pairs, err := NewPairGenerator(out, PairOptions{PairsPerClass: 3, Seed: 1}, logr.Discard()).Generate(SplitTrain)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(pairs) == 0 {
		t.Error("no training pairs from single-original classes")
	}
}

func TestPrepare(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "circle", "scan1.png"), squareImage(60, 60, 10, 10, 30))
	writePNG(t, filepath.Join(src, "circle", "scan2.png"), squareImage(60, 60, 20, 15, 25))
	writePNG(t, filepath.Join(src, "circle", "blank.png"), squareImage(60, 60, 0, 0, 0))
	os.WriteFile(filepath.Join(src, "circle", "broken.png"), []byte("not a png"), 0o644)
	writePNG(t, filepath.Join(src, "square", "s.png"), squareImage(40, 40, 5, 5, 20))
	out := t.TempDir()

	n := imaging.NewNormalizer(imaging.NormalizeOptions{CanonicalSize: 32})
	report, err := Prepare(context.Background(), src, out, n, PrepareOptions{Augmentations: 2, Seed: 1, Workers: 2}, logr.Discard())
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if report.Classes != 2 || report.Originals != 3 || report.Augmented != 6 {
		t.Errorf("report: %+v", report)
	}
	if len(report.Skipped) != 2 {
		t.Errorf("expected the blank and broken images to be skipped, got %v", report.Skipped)
	}

	files, _ := imageFiles(filepath.Join(out, "circle"))
	want := []string{"circle_01.png", "circle_01_aug1.png", "circle_01_aug2.png", "circle_02.png", "circle_02_aug1.png", "circle_02_aug2.png"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("circle outputs: got %v, want %v", files, want)
	}

	img, err := imaging.LoadFile(filepath.Join(out, "circle", "circle_01.png"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
		t.Errorf("prepared image size: %v", img.Bounds())
	}
}

func TestLoadSamples(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, SplitTrain, map[string]int{"a": 2, "b": 1})
	pairs := []Pair{
		{A: "train/a/a_01.png", B: "train/a/a_02.png", Same: true},
		{A: "train/a/a_01.png", B: "train/b/b_01.png", Same: false},
	}

	samples, err := LoadSamples(context.Background(), root, pairs, 16, imaging.NewImageCache(), 2)
	if err != nil {
		t.Fatalf("LoadSamples failed: %v", err)
	}
	if len(samples) != 2 || !samples[0].Same || samples[1].Same {
		t.Fatalf("unexpected samples: %d", len(samples))
	}
	if len(samples[0].A) != 16*16 {
		t.Errorf("tensor size: got %d", len(samples[0].A))
	}
	if &samples[0].A[0] != &samples[1].A[0] {
		t.Error("a file referenced twice should be converted once")
	}

	if _, err := LoadSamples(context.Background(), root, pairs, 32, imaging.NewImageCache(), 1); err == nil {
		t.Error("LoadSamples should reject images of the wrong size")
	}
	missing := []Pair{{A: "train/a/nope.png", B: "train/a/a_01.png"}}
	if _, err := LoadSamples(context.Background(), root, missing, 16, imaging.NewImageCache(), 1); err == nil {
		t.Error("LoadSamples should fail for a missing file")
	}
}

func classOf(rel string) string {
	return strings.Split(rel, "/")[1]
}
