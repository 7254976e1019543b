package registration

import (
	"skullstrip/internal/models"
)

// Downsample reduces a volume by an integer factor along every axis. Each
// output voxel is the mean of its source block, so geometry is preserved:
// spacing grows by the factor and the origin shifts to the block center.
// A factor of 1 returns the input unchanged.
func Downsample(v *models.Volume, factor int) *models.Volume {
	if factor <= 1 {
		return v
	}

	src := v.Geometry
	g := models.Geometry{
		Width:  (src.Width + factor - 1) / factor,
		Height: (src.Height + factor - 1) / factor,
		Depth:  (src.Depth + factor - 1) / factor,
		Spacing: models.VoxelSize{
			X: src.Spacing.X * float64(factor),
			Y: src.Spacing.Y * float64(factor),
			Z: src.Spacing.Z * float64(factor),
		},
		Direction: src.Direction,
	}
	half := float64(factor-1) / 2
	g.Origin = src.VoxelToWorld(half, half, half)

	out := models.NewVolume(g)
	for z := 0; z < g.Depth; z++ {
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				sum := 0.0
				n := 0
				for dz := 0; dz < factor; dz++ {
					sz := z*factor + dz
					if sz >= src.Depth {
						break
					}
					for dy := 0; dy < factor; dy++ {
						sy := y*factor + dy
						if sy >= src.Height {
							break
						}
						for dx := 0; dx < factor; dx++ {
							sx := x*factor + dx
							if sx >= src.Width {
								break
							}
							sum += v.Data[v.Index(sx, sy, sz)]
							n++
						}
					}
				}
				if n > 0 {
					out.Data[out.Index(x, y, z)] = sum / float64(n)
				}
			}
		}
	}
	return out
}

// buildPyramid returns one volume per schedule factor, coarsest first.
func buildPyramid(v *models.Volume, schedule []int) []*models.Volume {
	levels := make([]*models.Volume, len(schedule))
	for i, factor := range schedule {
		levels[i] = Downsample(v, factor)
	}
	return levels
}
