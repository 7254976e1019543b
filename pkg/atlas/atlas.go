// Package atlas loads the fixed reference template and its ground-truth
// brain mask. The atlas is loaded once at startup and shared read-only by
// every worker; a missing or corrupt atlas is a startup failure and the
// orchestrator must not begin accepting files.
package atlas

import (
	"fmt"
	"os"
	"path/filepath"

	"skullstrip/internal/models"
	"skullstrip/pkg/nifti"
)

// Default file names searched inside the atlas directory.
var (
	templateNames = []string{"template.nii.gz", "template.nii", "t1.nii.gz", "t1.nii"}
	maskNames     = []string{"mask.nii.gz", "mask.nii", "brain_mask.nii.gz", "brain_mask.nii"}
)

// maskThreshold binarizes the stored mask volume: anything above half
// intensity is brain.
const maskThreshold = 0.5

// Atlas holds the reference template volume and its associated brain
// mask, both in the same geometry. Never mutated after Load; safe for
// unsynchronized concurrent reads.
type Atlas struct {
	Template *models.Volume
	Mask     *models.Mask
}

// Load reads the atlas from dir. All errors are startup failures.
func Load(dir string) (*Atlas, error) {
	templatePath, err := findFirst(dir, templateNames)
	if err != nil {
		return nil, fmt.Errorf("atlas template: %w", err)
	}
	maskPath, err := findFirst(dir, maskNames)
	if err != nil {
		return nil, fmt.Errorf("atlas mask: %w", err)
	}

	template, err := nifti.Load(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load atlas template: %w", err)
	}
	maskVol, err := nifti.Load(maskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load atlas mask: %w", err)
	}

	if !template.Geometry.SameShape(maskVol.Geometry) {
		return nil, fmt.Errorf("atlas template %dx%dx%d and mask %dx%dx%d geometries differ",
			template.Geometry.Width, template.Geometry.Height, template.Geometry.Depth,
			maskVol.Geometry.Width, maskVol.Geometry.Height, maskVol.Geometry.Depth)
	}

	mx := maskVol.Data[0]
	for _, v := range maskVol.Data {
		if v > mx {
			mx = v
		}
	}
	mask := models.FromVolume(maskVol, mx*maskThreshold)
	if mask.Count() == 0 {
		return nil, fmt.Errorf("atlas mask %s is empty", maskPath)
	}

	return &Atlas{Template: template, Mask: mask}, nil
}

func findFirst(dir string, names []string) (string, error) {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %v found in %s", names, dir)
}
