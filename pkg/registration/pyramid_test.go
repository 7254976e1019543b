package registration

import (
	"math"
	"testing"

	"skullstrip/internal/models"
)

func TestDownsampleDimensions(t *testing.T) {
	g := models.Geometry{
		Width: 9, Height: 10, Depth: 11,
		Spacing:   models.VoxelSize{X: 1, Y: 1.5, Z: 2},
		Direction: models.IdentityDirection,
	}
	v := models.NewVolume(g)

	out := Downsample(v, 2)
	og := out.Geometry
	if og.Width != 5 || og.Height != 5 || og.Depth != 6 {
		t.Errorf("dims %dx%dx%d, want 5x5x6", og.Width, og.Height, og.Depth)
	}
	if og.Spacing.X != 2 || og.Spacing.Y != 3 || og.Spacing.Z != 4 {
		t.Errorf("spacing %+v, want doubled", og.Spacing)
	}
}

func TestDownsampleFactorOneIsIdentity(t *testing.T) {
	g := models.Geometry{
		Width: 4, Height: 4, Depth: 4,
		Spacing:   models.VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: models.IdentityDirection,
	}
	v := models.NewVolume(g)
	if got := Downsample(v, 1); got != v {
		t.Error("factor 1 should return the input untouched")
	}
}

func TestDownsampleBlockMean(t *testing.T) {
	g := models.Geometry{
		Width: 2, Height: 2, Depth: 2,
		Spacing:   models.VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: models.IdentityDirection,
	}
	v := models.NewVolume(g)
	sum := 0.0
	for i := range v.Data {
		v.Data[i] = float64(i + 1)
		sum += v.Data[i]
	}

	out := Downsample(v, 2)
	if len(out.Data) != 1 {
		t.Fatalf("expected a single voxel, got %d", len(out.Data))
	}
	if math.Abs(out.Data[0]-sum/8) > 1e-12 {
		t.Errorf("block mean = %g, want %g", out.Data[0], sum/8)
	}
}

func TestDownsamplePreservesWorldPosition(t *testing.T) {
	g := models.Geometry{
		Width: 8, Height: 8, Depth: 8,
		Spacing:   models.VoxelSize{X: 1, Y: 1, Z: 1},
		Origin:    models.Point{X: 10, Y: 20, Z: 30},
		Direction: models.IdentityDirection,
	}
	v := models.NewVolume(g)

	out := Downsample(v, 2)
	// Coarse voxel (0,0,0) covers fine voxels 0..1 per axis; its center in
	// world space lies at fine voxel (0.5, 0.5, 0.5).
	want := g.VoxelToWorld(0.5, 0.5, 0.5)
	got := out.Geometry.VoxelToWorld(0, 0, 0)
	if math.Abs(got.X-want.X) > 1e-12 || math.Abs(got.Y-want.Y) > 1e-12 || math.Abs(got.Z-want.Z) > 1e-12 {
		t.Errorf("coarse origin %+v, want %+v", got, want)
	}
}

func TestBuildPyramidLevels(t *testing.T) {
	g := models.Geometry{
		Width: 16, Height: 16, Depth: 16,
		Spacing:   models.VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: models.IdentityDirection,
	}
	v := models.NewVolume(g)

	levels := buildPyramid(v, []int{4, 2, 1})
	if len(levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(levels))
	}
	widths := []int{4, 8, 16}
	for i, lvl := range levels {
		if lvl.Geometry.Width != widths[i] {
			t.Errorf("level %d width = %d, want %d", i, lvl.Geometry.Width, widths[i])
		}
	}
}
