package detector

import (
	"fmt"
	"os"
	"path"

	"github.com/pelletier/go-toml/v2"
)

// MaskFromLabels builds a mask over labels. A label is considered when it
// matches any include pattern (or include is empty) and no exclude pattern.
// Patterns use path.Match glob syntax.
func MaskFromLabels(labels, include, exclude []string) ([]bool, error) {
	mask := make([]bool, len(labels))
	for i, label := range labels {
		in := len(include) == 0
		for _, p := range include {
			ok, err := path.Match(p, label)
			if err != nil {
				return nil, fmt.Errorf("detector: include pattern %q: %w", p, err)
			}
			if ok {
				in = true
				break
			}
		}
		for _, p := range exclude {
			ok, err := path.Match(p, label)
			if err != nil {
				return nil, fmt.Errorf("detector: exclude pattern %q: %w", p, err)
			}
			if ok {
				in = false
				break
			}
		}
		mask[i] = in
	}
	return mask, nil
}

// MaskFile is the on-disk form of a label mask.
//
//	threshold = 0.6
//	include = ["apis_*", "bombus_*"]
//	exclude = ["*_larva"]
type MaskFile struct {
	Threshold *float32 `toml:"threshold"`
	Include   []string `toml:"include"`
	Exclude   []string `toml:"exclude"`
}

// LoadMaskFile reads a TOML mask file.
func LoadMaskFile(filename string) (*MaskFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("detector: read mask file: %w", err)
	}
	var mf MaskFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("detector: parse mask file %s: %w", filename, err)
	}
	return &mf, nil
}

// Apply installs the mask file on d for the given labels.
func (mf *MaskFile) Apply(d *Detector, labels []string) error {
	mask, err := MaskFromLabels(labels, mf.Include, mf.Exclude)
	if err != nil {
		return err
	}
	d.SetMask(mask)
	if mf.Threshold != nil {
		d.SetThreshold(*mf.Threshold)
	}
	return nil
}
