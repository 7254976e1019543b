// Package models defines the data entities shared by the skull stripping
// pipeline: volumes, masks, and their spatial geometry.
package models

import "math"

// VoxelSize is the physical size of each voxel in mm.
type VoxelSize struct {
	X, Y, Z float64
}

// Point is a position in world (scanner) coordinates, in mm.
type Point struct {
	X, Y, Z float64
}

// Geometry describes how voxel indices map to world coordinates.
type Geometry struct {
	// Width, Height, Depth are the volume dimensions in voxels.
	Width, Height, Depth int

	// Spacing is the voxel size in mm. All components must be positive.
	Spacing VoxelSize

	// Origin is the world position of voxel (0, 0, 0) in mm.
	Origin Point

	// Direction is the row-major 3x3 orientation matrix mapping scaled
	// voxel offsets to world offsets. Identity for axis-aligned volumes.
	Direction [9]float64
}

// IdentityDirection is the axis-aligned orientation matrix.
var IdentityDirection = [9]float64{
	1, 0, 0,
	0, 1, 0,
	0, 0, 1,
}

// NumVoxels returns the total voxel count.
func (g Geometry) NumVoxels() int {
	return g.Width * g.Height * g.Depth
}

// VoxelVolume returns the physical volume of one voxel in mm³.
func (g Geometry) VoxelVolume() float64 {
	return g.Spacing.X * g.Spacing.Y * g.Spacing.Z
}

// VoxelToWorld maps a (possibly fractional) voxel index to world coordinates.
func (g Geometry) VoxelToWorld(x, y, z float64) Point {
	sx := x * g.Spacing.X
	sy := y * g.Spacing.Y
	sz := z * g.Spacing.Z
	d := g.Direction
	return Point{
		X: g.Origin.X + d[0]*sx + d[1]*sy + d[2]*sz,
		Y: g.Origin.Y + d[3]*sx + d[4]*sy + d[5]*sz,
		Z: g.Origin.Z + d[6]*sx + d[7]*sy + d[8]*sz,
	}
}

// WorldToVoxel maps a world coordinate to a fractional voxel index.
// The direction matrix is orthonormal for every supported orientation, so
// its inverse is its transpose.
func (g Geometry) WorldToVoxel(p Point) (x, y, z float64) {
	dx := p.X - g.Origin.X
	dy := p.Y - g.Origin.Y
	dz := p.Z - g.Origin.Z
	d := g.Direction
	sx := d[0]*dx + d[3]*dy + d[6]*dz
	sy := d[1]*dx + d[4]*dy + d[7]*dz
	sz := d[2]*dx + d[5]*dy + d[8]*dz
	return sx / g.Spacing.X, sy / g.Spacing.Y, sz / g.Spacing.Z
}

// SameShape reports whether two geometries have identical voxel dimensions.
func (g Geometry) SameShape(o Geometry) bool {
	return g.Width == o.Width && g.Height == o.Height && g.Depth == o.Depth
}

// Volume represents a 3D scalar image.
//
// Data is stored as a 1D array in row-major order with index
// z*Width*Height + y*Width + x. Volumes are treated as immutable once
// produced by the loader; pipeline stages derive new volumes instead of
// mutating in place.
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order.
	Data []float64

	// Geometry is the spatial metadata for this volume.
	Geometry Geometry
}

// NewVolume allocates a zero-filled volume with the given geometry.
func NewVolume(g Geometry) *Volume {
	return &Volume{
		Data:     make([]float64, g.NumVoxels()),
		Geometry: g,
	}
}

// Index returns the flat array index for voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Geometry.Width*v.Geometry.Height + y*v.Geometry.Width + x
}

// At returns the intensity at voxel (x, y, z). Out-of-bounds reads return 0.
func (v *Volume) At(x, y, z int) float64 {
	g := v.Geometry
	if x < 0 || y < 0 || z < 0 || x >= g.Width || y >= g.Height || z >= g.Depth {
		return 0
	}
	return v.Data[v.Index(x, y, z)]
}

// Sample returns the trilinearly interpolated intensity at a fractional
// voxel position. Positions outside the volume return 0.
func (v *Volume) Sample(x, y, z float64) float64 {
	g := v.Geometry
	if x < 0 || y < 0 || z < 0 ||
		x > float64(g.Width-1) || y > float64(g.Height-1) || z > float64(g.Depth-1) {
		return 0
	}

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	x1 := min(x0+1, g.Width-1)
	y1 := min(y0+1, g.Height-1)
	z1 := min(z0+1, g.Depth-1)

	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	c000 := v.Data[v.Index(x0, y0, z0)]
	c100 := v.Data[v.Index(x1, y0, z0)]
	c010 := v.Data[v.Index(x0, y1, z0)]
	c110 := v.Data[v.Index(x1, y1, z0)]
	c001 := v.Data[v.Index(x0, y0, z1)]
	c101 := v.Data[v.Index(x1, y0, z1)]
	c011 := v.Data[v.Index(x0, y1, z1)]
	c111 := v.Data[v.Index(x1, y1, z1)]

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}

// SampleNearest returns the intensity at the nearest voxel to a fractional
// position. Positions outside the volume return 0.
func (v *Volume) SampleNearest(x, y, z float64) float64 {
	return v.At(int(math.Round(x)), int(math.Round(y)), int(math.Round(z)))
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Data: data, Geometry: v.Geometry}
}

// Mask is a binary volume aligned to a target geometry. Masks are derived
// from the atlas ground truth, never hand-edited.
type Mask struct {
	// Data holds one flag per voxel, indexed like Volume.Data.
	Data []bool

	// Geometry is the spatial metadata the mask is aligned to.
	Geometry Geometry
}

// NewMask allocates an all-false mask with the given geometry.
func NewMask(g Geometry) *Mask {
	return &Mask{
		Data:     make([]bool, g.NumVoxels()),
		Geometry: g,
	}
}

// Index returns the flat array index for voxel (x, y, z).
func (m *Mask) Index(x, y, z int) int {
	return z*m.Geometry.Width*m.Geometry.Height + y*m.Geometry.Width + x
}

// At reports whether voxel (x, y, z) is inside the mask. Out-of-bounds
// reads return false.
func (m *Mask) At(x, y, z int) bool {
	g := m.Geometry
	if x < 0 || y < 0 || z < 0 || x >= g.Width || y >= g.Height || z >= g.Depth {
		return false
	}
	return m.Data[m.Index(x, y, z)]
}

// Count returns the number of true voxels.
func (m *Mask) Count() int {
	n := 0
	for _, set := range m.Data {
		if set {
			n++
		}
	}
	return n
}

// FromVolume builds a mask by thresholding a volume: voxels with intensity
// strictly greater than threshold are inside.
func FromVolume(v *Volume, threshold float64) *Mask {
	m := NewMask(v.Geometry)
	for i, val := range v.Data {
		if val > threshold {
			m.Data[i] = true
		}
	}
	return m
}
