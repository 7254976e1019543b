// Package registration estimates the geometric transform aligning a
// subject volume to the atlas template using multi-resolution mean-squares
// optimization.
//
// Direction convention: a Transform maps atlas-space world coordinates to
// subject-space world coordinates. Resampling the subject into atlas space
// applies the transform directly (pull-back); transferring the atlas mask
// into subject space applies the inverse.
package registration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"skullstrip/internal/models"
)

// Kind selects the transform family.
type Kind string

const (
	// Rigid is rotation plus translation: 6 degrees of freedom.
	Rigid Kind = "rigid"
	// Affine adds per-axis scale and shear: 12 degrees of freedom.
	Affine Kind = "affine"
)

// Parameter indices. Rigid transforms use the first six slots; affine
// transforms use all twelve.
//
//	0..2  rotation about x, y, z in radians
//	3..5  translation along x, y, z in mm
//	6..8  scale along x, y, z (1 = unity)
//	9..11 shear xy, xz, yz
const (
	rigidDOF  = 6
	affineDOF = 12
)

// singularDetFloor is the determinant magnitude below which an affine
// matrix is treated as malformed rather than merely unconverged.
const singularDetFloor = 1e-6

// ErrSingularTransform marks a malformed transform whose matrix is not
// invertible. This is a hard failure, reported distinctly from simple
// non-convergence.
var ErrSingularTransform = errors.New("transform matrix is singular or near-singular")

// Transform is a parameterized geometric mapping from atlas-space world
// coordinates to subject-space world coordinates, together with the
// achieved similarity metric and convergence flag of the registration that
// produced it.
type Transform struct {
	Kind Kind `json:"kind"`

	// Params holds the free parameters: exactly 6 for rigid, 12 for affine.
	Params []float64 `json:"params"`

	// Metric is the mean-squares value achieved at the finest level.
	Metric float64 `json:"metric"`

	// Converged reports whether the finest level terminated by passing the
	// improvement test rather than exhausting its iteration budget.
	Converged bool `json:"converged"`
}

// Identity returns the identity transform for the given family.
func Identity(kind Kind) *Transform {
	t := &Transform{Kind: kind}
	switch kind {
	case Rigid:
		t.Params = make([]float64, rigidDOF)
	default:
		t.Params = make([]float64, affineDOF)
		t.Params[6], t.Params[7], t.Params[8] = 1, 1, 1
	}
	return t
}

// DOF returns the number of free parameters.
func (t *Transform) DOF() int {
	return len(t.Params)
}

// Clone returns a deep copy.
func (t *Transform) Clone() *Transform {
	params := make([]float64, len(t.Params))
	copy(params, t.Params)
	return &Transform{Kind: t.Kind, Params: params, Metric: t.Metric, Converged: t.Converged}
}

// Promote returns an affine transform seeded from t, with unit scale and
// zero shear when t is rigid. Used when a retry escalates the family.
func (t *Transform) Promote() *Transform {
	out := Identity(Affine)
	copy(out.Params[:rigidDOF], t.Params[:min(len(t.Params), rigidDOF)])
	if len(t.Params) == affineDOF {
		copy(out.Params[rigidDOF:], t.Params[rigidDOF:])
	}
	return out
}

// Matrix builds the homogeneous 4x4 matrix T * Rz * Ry * Rx * Shear * Scale.
func (t *Transform) Matrix() *mat.Dense {
	p := t.Params
	rx, ry, rz := p[0], p[1], p[2]
	tx, ty, tz := p[3], p[4], p[5]
	sx, sy, sz := 1.0, 1.0, 1.0
	gxy, gxz, gyz := 0.0, 0.0, 0.0
	if len(p) == affineDOF {
		sx, sy, sz = p[6], p[7], p[8]
		gxy, gxz, gyz = p[9], p[10], p[11]
	}

	cx, sxr := math.Cos(rx), math.Sin(rx)
	cy, syr := math.Cos(ry), math.Sin(ry)
	cz, szr := math.Cos(rz), math.Sin(rz)

	rotX := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, cx, -sxr, 0,
		0, sxr, cx, 0,
		0, 0, 0, 1,
	})
	rotY := mat.NewDense(4, 4, []float64{
		cy, 0, syr, 0,
		0, 1, 0, 0,
		-syr, 0, cy, 0,
		0, 0, 0, 1,
	})
	rotZ := mat.NewDense(4, 4, []float64{
		cz, -szr, 0, 0,
		szr, cz, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	shear := mat.NewDense(4, 4, []float64{
		1, gxy, gxz, 0,
		0, 1, gyz, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	scale := mat.NewDense(4, 4, []float64{
		sx, 0, 0, 0,
		0, sy, 0, 0,
		0, 0, sz, 0,
		0, 0, 0, 1,
	})

	m := mat.NewDense(4, 4, nil)
	m.Mul(rotY, rotX)
	m.Mul(rotZ, m)
	m.Mul(m, shear)
	m.Mul(m, scale)
	m.Set(0, 3, tx)
	m.Set(1, 3, ty)
	m.Set(2, 3, tz)
	return m
}

// Apply maps an atlas-space world point to subject space.
func (t *Transform) Apply(p models.Point) models.Point {
	return applyMatrix(t.Matrix(), p)
}

// Inverse returns the inverse mapping as a 4x4 matrix, or
// ErrSingularTransform when the matrix cannot be inverted.
func (t *Transform) Inverse() (*mat.Dense, error) {
	m := t.Matrix()
	if math.Abs(mat.Det(m)) < singularDetFloor {
		return nil, fmt.Errorf("det=%g: %w", mat.Det(m), ErrSingularTransform)
	}
	inv := mat.NewDense(4, 4, nil)
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrSingularTransform)
	}
	return inv, nil
}

// applyMatrix applies a homogeneous 4x4 matrix to a point.
func applyMatrix(m *mat.Dense, p models.Point) models.Point {
	return models.Point{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}
