package quality

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"skullstrip/internal/models"
)

// Thresholds are the acceptance bands for the scored metrics.
type Thresholds struct {
	// CoverageMin/Max bound the mask coverage in percent of total voxels.
	CoverageMin float64 `yaml:"coverageMin"`
	CoverageMax float64 `yaml:"coverageMax"`

	// VolumeMin/Max bound the brain volume in cm³.
	VolumeMin float64 `yaml:"volumeMin"`
	VolumeMax float64 `yaml:"volumeMax"`

	// EdgeDensityMax is the smoothness ceiling for the boundary gradient.
	EdgeDensityMax float64 `yaml:"edgeDensityMax"`

	// Connectivity is the neighborhood used for component labelling:
	// 6 (faces) or 26 (faces, edges, corners).
	Connectivity int `yaml:"connectivity"`
}

// DefaultThresholds returns the nominal acceptance bands for adult head
// scans.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CoverageMin:    5,
		CoverageMax:    40,
		VolumeMin:      800,
		VolumeMax:      2000,
		EdgeDensityMax: 50,
		Connectivity:   6,
	}
}

// Assess computes the quality report for an extracted volume and its mask.
// Pure and deterministic: no I/O, no clock, no randomness.
func Assess(extracted *models.Volume, mask *models.Mask, spacing models.VoxelSize, th Thresholds) *Report {
	if th.Connectivity != 26 {
		th.Connectivity = 6
	}

	r := &Report{SchemaVersion: SchemaVersion}

	total := mask.Geometry.NumVoxels()
	count := mask.Count()

	coverage := 0.0
	if total > 0 {
		coverage = 100 * float64(count) / float64(total)
	}
	r.Metrics = append(r.Metrics, Metric{
		Name:      "mask_coverage",
		Value:     coverage,
		Unit:      "%",
		Threshold: fmt.Sprintf("%.0f < value < %.0f", th.CoverageMin, th.CoverageMax),
		Status:    bandStatus(coverage, th.CoverageMin, th.CoverageMax),
	})

	volume := float64(count) * spacing.X * spacing.Y * spacing.Z / 1000.0
	r.Metrics = append(r.Metrics, Metric{
		Name:      "brain_volume",
		Value:     volume,
		Unit:      "cm3",
		Threshold: fmt.Sprintf("%.0f < value < %.0f", th.VolumeMin, th.VolumeMax),
		Status:    bandStatus(volume, th.VolumeMin, th.VolumeMax),
	})

	r.Components = labelComponents(mask, th.Connectivity)
	componentStatus := Fail
	if r.Components.Count == 1 {
		componentStatus = Pass
	}
	r.Metrics = append(r.Metrics, Metric{
		Name:      "connected_components",
		Value:     float64(r.Components.Count),
		Unit:      "count",
		Threshold: "value == 1",
		Status:    componentStatus,
	})

	edge := edgeDensity(extracted, mask)
	r.Metrics = append(r.Metrics, Metric{
		Name:      "edge_density",
		Value:     edge,
		Unit:      "gradient/voxel",
		Threshold: fmt.Sprintf("value < %.0f", th.EdgeDensityMax),
		Status:    ltStatus(edge, th.EdgeDensityMax),
	})

	r.Intensity = intensityStats(extracted, mask)
	r.Metrics = append(r.Metrics, Metric{
		Name:   "intensity_std",
		Value:  r.Intensity.Std,
		Unit:   "intensity",
		Status: Info,
	})

	r.Aggregate = Pass
	for _, m := range r.Metrics {
		if m.Status == Fail {
			r.Aggregate = Fail
			break
		}
	}
	return r
}

func bandStatus(v, lo, hi float64) Status {
	if v > lo && v < hi {
		return Pass
	}
	return Fail
}

func ltStatus(v, ceil float64) Status {
	if v < ceil {
		return Pass
	}
	return Fail
}

// face-adjacent neighbor offsets.
var offsets6 = [][3]int{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
}

func offsets26() [][3]int {
	var out [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				out = append(out, [3]int{dx, dy, dz})
			}
		}
	}
	return out
}

// labelComponents counts connected components in the mask with an
// iterative flood fill.
func labelComponents(mask *models.Mask, connectivity int) ComponentDetail {
	offsets := offsets6
	if connectivity == 26 {
		offsets = offsets26()
	}

	g := mask.Geometry
	visited := make([]bool, len(mask.Data))
	detail := ComponentDetail{}
	totalTrue := mask.Count()

	var stack [][3]int
	for z := 0; z < g.Depth; z++ {
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				idx := mask.Index(x, y, z)
				if !mask.Data[idx] || visited[idx] {
					continue
				}

				detail.Count++
				size := 0
				visited[idx] = true
				stack = append(stack[:0], [3]int{x, y, z})
				for len(stack) > 0 {
					p := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					size++
					for _, o := range offsets {
						nx, ny, nz := p[0]+o[0], p[1]+o[1], p[2]+o[2]
						if nx < 0 || ny < 0 || nz < 0 ||
							nx >= g.Width || ny >= g.Height || nz >= g.Depth {
							continue
						}
						nIdx := mask.Index(nx, ny, nz)
						if mask.Data[nIdx] && !visited[nIdx] {
							visited[nIdx] = true
							stack = append(stack, [3]int{nx, ny, nz})
						}
					}
				}

				if size > detail.LargestVoxels {
					detail.LargestVoxels = size
				}
			}
		}
	}

	if totalTrue > 0 {
		detail.LargestFraction = float64(detail.LargestVoxels) / float64(totalTrue)
	}
	return detail
}

// edgeDensity measures boundary smoothness: the mean 3D Sobel gradient
// magnitude over boundary voxels, where the boundary is the mask minus its
// face-erosion.
func edgeDensity(v *models.Volume, mask *models.Mask) float64 {
	g := mask.Geometry
	sum := 0.0
	n := 0
	for z := 0; z < g.Depth; z++ {
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				if !mask.Data[mask.Index(x, y, z)] || interior(mask, x, y, z) {
					continue
				}
				gx, gy, gz := sobel3(v, x, y, z)
				sum += math.Sqrt(gx*gx + gy*gy + gz*gz)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// interior reports whether all six face neighbors are inside the mask,
// i.e. the voxel survives binary erosion.
func interior(mask *models.Mask, x, y, z int) bool {
	for _, o := range offsets6 {
		if !mask.At(x+o[0], y+o[1], z+o[2]) {
			return false
		}
	}
	return true
}

// sobel weights: derivative kernel along the gradient axis, smoothing
// kernel along the other two.
var (
	sobelDeriv  = [3]float64{-1, 0, 1}
	sobelSmooth = [3]float64{1, 2, 1}
)

func sobel3(v *models.Volume, x, y, z int) (gx, gy, gz float64) {
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				val := v.At(x+dx, y+dy, z+dz)
				gx += val * sobelDeriv[dx+1] * sobelSmooth[dy+1] * sobelSmooth[dz+1]
				gy += val * sobelSmooth[dx+1] * sobelDeriv[dy+1] * sobelSmooth[dz+1]
				gz += val * sobelSmooth[dx+1] * sobelSmooth[dy+1] * sobelDeriv[dz+1]
			}
		}
	}
	return gx, gy, gz
}

// intensityStats summarizes intensities of voxels inside the mask.
func intensityStats(v *models.Volume, mask *models.Mask) IntensityStats {
	var inside []float64
	for i, set := range mask.Data {
		if set {
			inside = append(inside, v.Data[i])
		}
	}
	if len(inside) == 0 {
		return IntensityStats{}
	}

	mean, std := stat.MeanStdDev(inside, nil)
	if len(inside) == 1 {
		std = 0
	}
	sort.Float64s(inside)
	return IntensityStats{
		Mean:   mean,
		Std:    std,
		Min:    inside[0],
		Max:    inside[len(inside)-1],
		Median: stat.Quantile(0.5, stat.Empirical, inside, nil),
		Q25:    stat.Quantile(0.25, stat.Empirical, inside, nil),
		Q75:    stat.Quantile(0.75, stat.Empirical, inside, nil),
	}
}
