package models

import (
	"math"
	"testing"
)

func TestVoxelWorldRoundTrip(t *testing.T) {
	g := Geometry{
		Width:     10,
		Height:    12,
		Depth:     14,
		Spacing:   VoxelSize{X: 1, Y: 2, Z: 3},
		Origin:    Point{X: 10, Y: -5, Z: 2.5},
		Direction: IdentityDirection,
	}

	cases := [][3]float64{
		{0, 0, 0},
		{1, 2, 3},
		{4.5, 0.25, 7.75},
		{9, 11, 13},
	}
	for _, c := range cases {
		p := g.VoxelToWorld(c[0], c[1], c[2])
		x, y, z := g.WorldToVoxel(p)
		if math.Abs(x-c[0]) > 1e-12 || math.Abs(y-c[1]) > 1e-12 || math.Abs(z-c[2]) > 1e-12 {
			t.Errorf("round trip of %v gave (%g, %g, %g)", c, x, y, z)
		}
	}

	// Voxel (0,0,0) sits exactly at the origin.
	p := g.VoxelToWorld(0, 0, 0)
	if p != g.Origin {
		t.Errorf("VoxelToWorld(0,0,0) = %+v, want origin %+v", p, g.Origin)
	}
}

func TestVoxelToWorldSpacing(t *testing.T) {
	g := Geometry{
		Width: 4, Height: 4, Depth: 4,
		Spacing:   VoxelSize{X: 2, Y: 3, Z: 4},
		Direction: IdentityDirection,
	}
	p := g.VoxelToWorld(1, 1, 1)
	want := Point{X: 2, Y: 3, Z: 4}
	if p != want {
		t.Errorf("VoxelToWorld(1,1,1) = %+v, want %+v", p, want)
	}
}

func TestSampleTrilinear(t *testing.T) {
	g := Geometry{
		Width: 2, Height: 2, Depth: 2,
		Spacing:   VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: IdentityDirection,
	}
	v := NewVolume(g)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	// Integer positions return exact voxel values.
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				got := v.Sample(float64(x), float64(y), float64(z))
				want := v.At(x, y, z)
				if got != want {
					t.Errorf("Sample(%d,%d,%d) = %g, want %g", x, y, z, got, want)
				}
			}
		}
	}

	// The cube center interpolates to the mean of all eight corners.
	mean := 0.0
	for _, val := range v.Data {
		mean += val
	}
	mean /= 8
	if got := v.Sample(0.5, 0.5, 0.5); math.Abs(got-mean) > 1e-12 {
		t.Errorf("center sample = %g, want %g", got, mean)
	}

	// Outside the volume samples to zero.
	if got := v.Sample(-0.1, 0, 0); got != 0 {
		t.Errorf("outside sample = %g, want 0", got)
	}
	if got := v.Sample(0, 0, 1.5); got != 0 {
		t.Errorf("outside sample = %g, want 0", got)
	}
}

func TestSampleNearest(t *testing.T) {
	g := Geometry{
		Width: 3, Height: 3, Depth: 3,
		Spacing:   VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: IdentityDirection,
	}
	v := NewVolume(g)
	v.Data[v.Index(1, 1, 1)] = 7

	if got := v.SampleNearest(1.4, 0.6, 1.2); got != 7 {
		t.Errorf("SampleNearest(1.4, 0.6, 1.2) = %g, want 7", got)
	}
	if got := v.SampleNearest(5, 0, 0); got != 0 {
		t.Errorf("out-of-bounds SampleNearest = %g, want 0", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	g := Geometry{
		Width: 2, Height: 2, Depth: 2,
		Spacing:   VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: IdentityDirection,
	}
	v := NewVolume(g)
	v.Data[0] = 1

	c := v.Clone()
	c.Data[0] = 99
	if v.Data[0] != 1 {
		t.Error("mutating the clone changed the source volume")
	}
}

func TestFromVolumeThreshold(t *testing.T) {
	g := Geometry{
		Width: 2, Height: 2, Depth: 1,
		Spacing:   VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: IdentityDirection,
	}
	v := NewVolume(g)
	v.Data = []float64{0, 0.5, 0.5, 1}

	m := FromVolume(v, 0.5)
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1: threshold must be strict", m.Count())
	}
	if !m.At(1, 1, 0) {
		t.Error("voxel above threshold not in mask")
	}
	if m.At(5, 0, 0) {
		t.Error("out-of-bounds mask read returned true")
	}
}
