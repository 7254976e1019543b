package atlas

import (
	"math"
	"path/filepath"
	"testing"

	"skullstrip/internal/models"
	"skullstrip/pkg/nifti"
)

func sphereVolume(size int, radius float64) *models.Volume {
	g := models.Geometry{
		Width: size, Height: size, Depth: size,
		Spacing:   models.VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: models.IdentityDirection,
	}
	v := models.NewVolume(g)
	c := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
					v.Data[v.Index(x, y, z)] = 1
				}
			}
		}
	}
	return v
}

func writeAtlas(t *testing.T, dir string, template, mask *models.Volume) {
	t.Helper()
	if err := nifti.Save(template, filepath.Join(dir, "template.nii.gz")); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}
	if err := nifti.Save(mask, filepath.Join(dir, "mask.nii.gz")); err != nil {
		t.Fatalf("failed to write mask: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	template := sphereVolume(12, 4)
	writeAtlas(t, dir, template, template)

	a, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !a.Template.Geometry.SameShape(template.Geometry) {
		t.Error("template geometry changed across load")
	}
	if a.Mask.Count() == 0 {
		t.Error("mask is empty")
	}
	// Binarization at half max keeps exactly the unit-intensity voxels.
	want := 0
	for _, v := range template.Data {
		if v == 1 {
			want++
		}
	}
	if a.Mask.Count() != want {
		t.Errorf("mask count = %d, want %d", a.Mask.Count(), want)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected an error for an empty atlas directory")
	}
}

func TestLoadGeometryMismatch(t *testing.T) {
	dir := t.TempDir()
	writeAtlas(t, dir, sphereVolume(12, 4), sphereVolume(10, 3))

	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for mismatched template and mask shapes")
	}
}

func TestLoadEmptyMask(t *testing.T) {
	dir := t.TempDir()
	template := sphereVolume(12, 4)
	empty := models.NewVolume(template.Geometry)
	writeAtlas(t, dir, template, empty)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for an all-zero mask")
	}
}

func TestLoadAlternateFileNames(t *testing.T) {
	dir := t.TempDir()
	v := sphereVolume(10, 3)
	if err := nifti.Save(v, filepath.Join(dir, "t1.nii")); err != nil {
		t.Fatal(err)
	}
	if err := nifti.Save(v, filepath.Join(dir, "brain_mask.nii")); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err != nil {
		t.Fatalf("Load failed on alternate names: %v", err)
	}
}
