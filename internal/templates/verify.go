package templates

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/AntoineMLD/EngraveDetect/internal/dataset"
	engraveimg "github.com/AntoineMLD/EngraveDetect/internal/imaging"
)

// MinInkAgreement is the share of pixels a template must keep as ink or
// background when it is normalized again.
const MinInkAgreement = 0.9

// Report lists the problems Verify found in a bank directory.
type Report struct {
	Classes          int      `json:"classes"`
	Templates        int      `json:"templates"`
	MissingTemplates []string `json:"missing_templates,omitempty"`
	WrongSize        []string `json:"wrong_size,omitempty"`
	Unreadable       []string `json:"unreadable,omitempty"`
	Unstable         []string `json:"unstable,omitempty"`
}

// OK reports whether every corpus class has a readable canonical template.
func (r *Report) OK() bool {
	return len(r.MissingTemplates) == 0 && len(r.WrongSize) == 0 && len(r.Unreadable) == 0 && len(r.Unstable) == 0
}

// Verify checks the bank at dir against the class directories of corpusDir.
// Each class needs a template.png of the canonical size that survives a second
// normalization: a template that is blank, off-center or not cropped to its
// ink is reported as unstable.
func Verify(corpusDir, dir string, n *engraveimg.Normalizer) (*Report, error) {
	classes, err := dataset.ScanClasses(corpusDir)
	if err != nil {
		return nil, err
	}
	size := n.CanonicalSize()

	r := &Report{Classes: len(classes)}
	for _, c := range classes {
		path := filepath.Join(dir, c.Name, TemplateFile)
		if _, err := os.Stat(path); err != nil {
			r.MissingTemplates = append(r.MissingTemplates, c.Name)
			continue
		}
		img, err := imaging.Open(path)
		if err != nil {
			r.Unreadable = append(r.Unreadable, c.Name)
			continue
		}
		r.Templates++
		if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
			r.WrongSize = append(r.WrongSize, fmt.Sprintf("%s (%dx%d)", c.Name, b.Dx(), b.Dy()))
			continue
		}

		stored := engraveimg.Grayscale(img, engraveimg.LightnessLuma)
		again, ok := n.Normalize(img)
		if !ok {
			r.Unstable = append(r.Unstable, c.Name)
			continue
		}
		cmp, err := engraveimg.CompareGray(stored, again)
		if err != nil {
			return nil, err
		}
		if cmp.InkAgreement < MinInkAgreement {
			r.Unstable = append(r.Unstable, fmt.Sprintf("%s (%.2f)", c.Name, cmp.InkAgreement))
		}
	}
	return r, nil
}
