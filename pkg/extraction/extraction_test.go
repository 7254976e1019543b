package extraction

import (
	"math"
	"testing"

	"skullstrip/internal/models"
	"skullstrip/pkg/registration"
)

func cubeGeometry(size int) models.Geometry {
	return models.Geometry{
		Width: size, Height: size, Depth: size,
		Spacing:   models.VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: models.IdentityDirection,
	}
}

func sphereMask(size int, radius float64) *models.Mask {
	m := models.NewMask(cubeGeometry(size))
	c := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
					m.Data[m.Index(x, y, z)] = true
				}
			}
		}
	}
	return m
}

func TestTransferMaskIdentity(t *testing.T) {
	mask := sphereMask(12, 4)

	out, err := TransferMask(mask, registration.Identity(registration.Rigid), mask.Geometry)
	if err != nil {
		t.Fatalf("TransferMask failed: %v", err)
	}
	if out.Count() != mask.Count() {
		t.Fatalf("count %d, want %d", out.Count(), mask.Count())
	}
	for i := range mask.Data {
		if out.Data[i] != mask.Data[i] {
			t.Fatal("identity transfer changed the mask")
		}
	}
}

func TestTransferMaskTranslation(t *testing.T) {
	g := cubeGeometry(10)
	mask := models.NewMask(g)
	mask.Data[mask.Index(4, 4, 4)] = true

	// The transform maps atlas world to subject world, so a +2mm x
	// translation lands the atlas voxel at subject x=6.
	tr := registration.Identity(registration.Rigid)
	tr.Params[3] = 2

	out, err := TransferMask(mask, tr, g)
	if err != nil {
		t.Fatalf("TransferMask failed: %v", err)
	}
	if out.Count() != 1 {
		t.Fatalf("count = %d, want 1", out.Count())
	}
	if !out.At(6, 4, 4) {
		t.Error("mask voxel did not move to (6, 4, 4)")
	}
}

func TestTransferMaskStaysBinaryUnderRotation(t *testing.T) {
	mask := sphereMask(12, 4)
	tr := registration.Identity(registration.Rigid)
	tr.Params[2] = 0.3

	out, err := TransferMask(mask, tr, mask.Geometry)
	if err != nil {
		t.Fatalf("TransferMask failed: %v", err)
	}
	// Nearest-neighbor transfer of a solid sphere keeps roughly the same
	// voxel count; a fractional count is impossible by construction, so
	// check volume preservation instead.
	ratio := float64(out.Count()) / float64(mask.Count())
	if ratio < 0.8 || ratio > 1.2 {
		t.Errorf("rotation changed mask volume by %.0f%%", (ratio-1)*100)
	}
}

func TestTransferMaskSingularTransform(t *testing.T) {
	mask := sphereMask(8, 3)
	tr := registration.Identity(registration.Affine)
	tr.Params[6] = 0

	if _, err := TransferMask(mask, tr, mask.Geometry); err == nil {
		t.Fatal("expected an error for a singular transform")
	}
}

func TestExtract(t *testing.T) {
	g := cubeGeometry(4)
	v := models.NewVolume(g)
	for i := range v.Data {
		v.Data[i] = float64(i + 1)
	}
	m := models.NewMask(g)
	m.Data[m.Index(1, 1, 1)] = true
	m.Data[m.Index(2, 2, 2)] = true

	out, err := Extract(v, m)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	for i := range out.Data {
		want := 0.0
		if m.Data[i] {
			want = v.Data[i]
		}
		if out.Data[i] != want {
			t.Fatalf("voxel %d = %g, want %g", i, out.Data[i], want)
		}
	}
}

func TestExtractShapeMismatch(t *testing.T) {
	v := models.NewVolume(cubeGeometry(4))
	m := models.NewMask(cubeGeometry(5))

	if _, err := Extract(v, m); err == nil {
		t.Fatal("expected an error for mismatched shapes")
	}
}
