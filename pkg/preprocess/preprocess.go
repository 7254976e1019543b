// Package preprocess provides the stateless intensity transforms applied
// before registration: normalization and gaussian smoothing. Both are pure
// functions that leave their input untouched.
package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"skullstrip/internal/models"
)

// Method selects the intensity normalization strategy.
type Method string

const (
	// ZScore centers intensities on zero mean and unit variance.
	ZScore Method = "zscore"
	// MinMax rescales intensities into [0, 1].
	MinMax Method = "minmax"
)

// Normalize returns a copy of v with intensities normalized by the given
// method. A constant-valued volume normalizes to all zeros.
func Normalize(v *models.Volume, method Method) (*models.Volume, error) {
	out := v.Clone()

	switch method {
	case ZScore:
		mean, std := stat.MeanStdDev(v.Data, nil)
		if std == 0 || math.IsNaN(std) {
			for i := range out.Data {
				out.Data[i] = 0
			}
			return out, nil
		}
		for i, val := range v.Data {
			out.Data[i] = (val - mean) / std
		}
	case MinMax:
		lo, hi := v.Data[0], v.Data[0]
		for _, val := range v.Data {
			if val < lo {
				lo = val
			}
			if val > hi {
				hi = val
			}
		}
		if hi <= lo {
			for i := range out.Data {
				out.Data[i] = 0
			}
			return out, nil
		}
		scale := hi - lo
		for i, val := range v.Data {
			out.Data[i] = (val - lo) / scale
		}
	default:
		return nil, fmt.Errorf("unknown normalization method %q", method)
	}

	return out, nil
}

// Smooth returns a copy of v convolved with a 3D gaussian of the given
// sigma (in voxels). The kernel is separable, so the volume is filtered
// along each axis in turn. A sigma of zero or less is the identity.
func Smooth(v *models.Volume, sigma float64) *models.Volume {
	if sigma <= 0 {
		return v.Clone()
	}

	kernel := gaussianKernel(sigma)
	g := v.Geometry

	tmp := convolveAxis(v.Data, g, kernel, 0)
	tmp = convolveAxis(tmp, g, kernel, 1)
	tmp = convolveAxis(tmp, g, kernel, 2)

	return &models.Volume{Data: tmp, Geometry: g}
}

// gaussianKernel builds a normalized 1D gaussian with radius ceil(3*sigma).
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis filters data along one axis (0=x, 1=y, 2=z) with edge
// clamping.
func convolveAxis(data []float64, g models.Geometry, kernel []float64, axis int) []float64 {
	out := make([]float64, len(data))
	radius := len(kernel) / 2

	dims := [3]int{g.Width, g.Height, g.Depth}
	strides := [3]int{1, g.Width, g.Width * g.Height}
	n := dims[axis]
	stride := strides[axis]

	for z := 0; z < g.Depth; z++ {
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				idx := z*g.Width*g.Height + y*g.Width + x
				pos := [3]int{x, y, z}[axis]

				acc := 0.0
				for k := -radius; k <= radius; k++ {
					p := pos + k
					if p < 0 {
						p = 0
					} else if p >= n {
						p = n - 1
					}
					acc += kernel[k+radius] * data[idx+(p-pos)*stride]
				}
				out[idx] = acc
			}
		}
	}
	return out
}
