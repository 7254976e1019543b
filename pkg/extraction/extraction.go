// Package extraction transfers the atlas brain mask into subject space and
// applies it to produce the skull-stripped volume.
package extraction

import (
	"fmt"

	"skullstrip/internal/models"
	"skullstrip/pkg/registration"
)

// Target selects which volume the mask is applied to.
type Target string

const (
	// Preprocessed extracts from the normalized/smoothed volume, keeping
	// intensities consistent with downstream analysis.
	Preprocessed Target = "preprocessed"
	// Original extracts from the unprocessed volume, preserving clinical
	// intensities.
	Original Target = "original"
)

// TransferMask resamples the atlas mask into the target (subject)
// geometry. The registration transform maps atlas world points to subject
// world points, so each subject voxel is pulled back through the inverse
// and looked up with nearest-neighbor interpolation, keeping the mask
// strictly binary.
func TransferMask(atlasMask *models.Mask, t *registration.Transform, target models.Geometry) (*models.Mask, error) {
	inv, err := t.Inverse()
	if err != nil {
		return nil, fmt.Errorf("cannot transfer mask: %w", err)
	}

	out := models.NewMask(target)
	i := 0
	for z := 0; z < target.Depth; z++ {
		for y := 0; y < target.Height; y++ {
			for x := 0; x < target.Width; x++ {
				world := target.VoxelToWorld(float64(x), float64(y), float64(z))
				ap := models.Point{
					X: inv.At(0, 0)*world.X + inv.At(0, 1)*world.Y + inv.At(0, 2)*world.Z + inv.At(0, 3),
					Y: inv.At(1, 0)*world.X + inv.At(1, 1)*world.Y + inv.At(1, 2)*world.Z + inv.At(1, 3),
					Z: inv.At(2, 0)*world.X + inv.At(2, 1)*world.Y + inv.At(2, 2)*world.Z + inv.At(2, 3),
				}
				vx, vy, vz := atlasMask.Geometry.WorldToVoxel(ap)
				if atlasMask.At(nearest(vx), nearest(vy), nearest(vz)) {
					out.Data[i] = true
				}
				i++
			}
		}
	}
	return out, nil
}

func nearest(v float64) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}

// Extract performs the elementwise product of volume and mask: voxels
// outside the mask are zeroed.
func Extract(v *models.Volume, m *models.Mask) (*models.Volume, error) {
	if !v.Geometry.SameShape(m.Geometry) {
		return nil, fmt.Errorf("volume %dx%dx%d and mask %dx%dx%d shapes differ",
			v.Geometry.Width, v.Geometry.Height, v.Geometry.Depth,
			m.Geometry.Width, m.Geometry.Height, m.Geometry.Depth)
	}
	out := models.NewVolume(v.Geometry)
	for i, inside := range m.Data {
		if inside {
			out.Data[i] = v.Data[i]
		}
	}
	return out, nil
}
