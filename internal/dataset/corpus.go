package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
)

// Class is one symbol class of a corpus: a directory named after the symbol
// holding its example images.
type Class struct {
	Name  string
	Dir   string
	Files []string // file names inside Dir, sorted
}

// ScanClasses lists the class directories under root in sorted order, each
// with its image files in sorted order. Hidden directories are ignored.
// Classes without images are returned with an empty Files slice.
func ScanClasses(root string) ([]Class, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus %s: %w", root, err)
	}

	var classes []Class
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		files, err := imageFiles(dir)
		if err != nil {
			return nil, err
		}
		classes = append(classes, Class{Name: e.Name(), Dir: dir, Files: files})
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	return classes, nil
}

func imageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read class directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && imaging.IsImageFile(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// augSuffix separates an original's stem from the augmentation index.
const augSuffix = "_aug"

// IsAugmented reports whether a file name is an augmented variant
// ("<stem>_augK.png").
func IsAugmented(name string) bool {
	_, ok := splitAugmented(name)
	return ok
}

// OriginalStem returns the stem of the original an augmented file was derived
// from, or the file's own stem for originals.
func OriginalStem(name string) string {
	if stem, ok := splitAugmented(name); ok {
		return stem
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func splitAugmented(name string) (string, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndex(stem, augSuffix)
	if i <= 0 {
		return "", false
	}
	digits := stem[i+len(augSuffix):]
	if digits == "" {
		return "", false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return stem[:i], true
}

func originalName(class string, index int) string {
	return fmt.Sprintf("%s_%02d.png", class, index)
}

func augmentedName(class string, index, aug int) string {
	return fmt.Sprintf("%s_%02d%s%d.png", class, index, augSuffix, aug)
}
