package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"skullstrip/internal/models"
)

// DefaultSchedule is the multi-resolution schedule: downsampling factors,
// coarsest first, ending at full resolution.
var DefaultSchedule = []int{4, 2, 1}

// Options configures a registration run.
type Options struct {
	// Schedule lists downsampling factors, coarsest first. Defaults to
	// DefaultSchedule when empty.
	Schedule []int

	// Optimizer holds the per-level descent settings. Zero value means
	// DefaultOptimizer.
	Optimizer Optimizer

	// Initial is an optional prior; it must match the requested kind or be
	// promotable to it. Nil means identity.
	Initial *Transform
}

// parameterScales returns the natural unit of each parameter: translations
// move in millimeters, rotations in radians, scale and shear are unitless.
// The translation scale grows with the pyramid factor so coarse levels
// take proportionally larger spatial steps.
func parameterScales(kind Kind, factor int) []float64 {
	f := float64(factor)
	scales := []float64{
		0.01, 0.01, 0.01, // rotation, rad
		1.0 * f, 1.0 * f, 1.0 * f, // translation, mm
	}
	if kind == Affine {
		scales = append(scales,
			0.01, 0.01, 0.01, // scale
			0.005, 0.005, 0.005, // shear
		)
	}
	return scales
}

// MeanSquares computes the mean of squared intensity differences between
// the atlas and the subject resampled into atlas space under the given
// parameter vector. Atlas points mapping outside the subject contribute
// the atlas intensity squared, penalizing transforms that push the subject
// out of view.
func MeanSquares(subject, atlas *models.Volume, kind Kind, params []float64) float64 {
	t := Transform{Kind: kind, Params: params}
	m := t.Matrix()
	return meanSquaresMatrix(subject, atlas, m)
}

func meanSquaresMatrix(subject, atlas *models.Volume, m *mat.Dense) float64 {
	g := atlas.Geometry
	sum := 0.0
	i := 0
	for z := 0; z < g.Depth; z++ {
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				world := g.VoxelToWorld(float64(x), float64(y), float64(z))
				sp := applyMatrix(m, world)
				vx, vy, vz := subject.Geometry.WorldToVoxel(sp)
				diff := atlas.Data[i] - subject.Sample(vx, vy, vz)
				sum += diff * diff
				i++
			}
		}
	}
	return sum / float64(g.NumVoxels())
}

// Register estimates the transform aligning subject to atlas using the
// multi-resolution schedule. Non-convergence is reported through the
// returned transform's Converged flag, never as an error; the only error
// case is a malformed (near-singular) transform.
func Register(subject, atlas *models.Volume, kind Kind, opts Options) (*Transform, error) {
	schedule := opts.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	opt := opts.Optimizer
	if opt.MaxIterations == 0 {
		opt = DefaultOptimizer()
	}

	initial := opts.Initial
	if initial == nil {
		initial = Identity(kind)
	} else if kind == Affine && initial.Kind == Rigid {
		initial = initial.Promote()
	} else if initial.Kind != kind {
		return nil, fmt.Errorf("initial transform kind %s does not match requested %s",
			initial.Kind, kind)
	}
	params := append([]float64(nil), initial.Params...)

	subjectPyramid := buildPyramid(subject, schedule)
	atlasPyramid := buildPyramid(atlas, schedule)

	var finest levelResult
	anyPassed := false
	for level := range schedule {
		sub := subjectPyramid[level]
		atl := atlasPyramid[level]
		objective := func(p []float64) float64 {
			return MeanSquares(sub, atl, kind, p)
		}
		finest = opt.optimizeLevel(objective, params, parameterScales(kind, schedule[level]))
		params = finest.params
		if finest.passed {
			anyPassed = true
		}
	}

	result := &Transform{
		Kind:   kind,
		Params: params,
		Metric: finest.metric,
	}
	// Convergence fails only when the finest level burned its entire
	// iteration budget and no level ever beat the improvement epsilon. A
	// finest level that merely polishes an already-optimal coarse result
	// still counts as converged. The optimizer never accepts a worsening
	// step, so the metric cannot end above its initialization.
	result.Converged = !(finest.hitCap && !anyPassed)

	if kind == Affine {
		if math.Abs(mat.Det(result.Matrix())) < singularDetFloor {
			return nil, fmt.Errorf("registration produced malformed transform: %w",
				ErrSingularTransform)
		}
	}
	return result, nil
}
