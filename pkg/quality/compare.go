package quality

import (
	"fmt"
	"math"

	"skullstrip/internal/models"
)

// DiceCoefficient compares the extracted mask against a ground-truth mask.
// Dice = 2|A ∩ B| / (|A| + |B|); the companion overlap metrics are derived
// from the same intersection counts.
func DiceCoefficient(pred, truth *models.Mask) (OverlapMetrics, error) {
	if !pred.Geometry.SameShape(truth.Geometry) {
		return OverlapMetrics{}, fmt.Errorf("mask shapes differ: %dx%dx%d vs %dx%dx%d",
			pred.Geometry.Width, pred.Geometry.Height, pred.Geometry.Depth,
			truth.Geometry.Width, truth.Geometry.Height, truth.Geometry.Depth)
	}

	var intersection, predN, truthN, trueNeg int
	for i := range pred.Data {
		p, t := pred.Data[i], truth.Data[i]
		if p {
			predN++
		}
		if t {
			truthN++
		}
		if p && t {
			intersection++
		}
		if !p && !t {
			trueNeg++
		}
	}

	m := OverlapMetrics{}
	if predN+truthN > 0 {
		m.Dice = 2 * float64(intersection) / float64(predN+truthN)
	}
	union := predN + truthN - intersection
	if union > 0 {
		m.Jaccard = float64(intersection) / float64(union)
	}
	if truthN > 0 {
		m.Sensitivity = float64(intersection) / float64(truthN)
	}
	if neg := len(truth.Data) - truthN; neg > 0 {
		m.Specificity = float64(trueNeg) / float64(neg)
	}
	if predN > 0 {
		m.Precision = float64(intersection) / float64(predN)
	}
	return m, nil
}

// miBins is the joint histogram resolution for mutual information.
const miBins = 256

// MutualInformation computes the normalized mutual information between two
// images over their jointly non-zero voxels, for grading registration
// quality against a reference. Returns a value in [0, 1].
func MutualInformation(a, b *models.Volume) (float64, error) {
	if !a.Geometry.SameShape(b.Geometry) {
		return 0, fmt.Errorf("volume shapes differ")
	}

	var va, vb []float64
	for i := range a.Data {
		if a.Data[i] > 0 && b.Data[i] > 0 {
			va = append(va, a.Data[i])
			vb = append(vb, b.Data[i])
		}
	}
	if len(va) == 0 {
		return 0, nil
	}

	binIdx := func(vals []float64) []int {
		lo, hi := vals[0], vals[0]
		for _, v := range vals {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		idx := make([]int, len(vals))
		if hi <= lo {
			return idx
		}
		w := (hi - lo) / miBins
		for i, v := range vals {
			k := int((v - lo) / w)
			if k >= miBins {
				k = miBins - 1
			}
			idx[i] = k
		}
		return idx
	}

	ia := binIdx(va)
	ib := binIdx(vb)

	joint := make([]float64, miBins*miBins)
	for i := range ia {
		joint[ia[i]*miBins+ib[i]]++
	}
	total := float64(len(ia))

	px := make([]float64, miBins)
	py := make([]float64, miBins)
	for x := 0; x < miBins; x++ {
		for y := 0; y < miBins; y++ {
			p := joint[x*miBins+y] / total
			px[x] += p
			py[y] += p
		}
	}

	entropy := func(p []float64) float64 {
		h := 0.0
		for _, v := range p {
			if v > 0 {
				h -= v * math.Log2(v)
			}
		}
		return h
	}

	hx := entropy(px)
	hy := entropy(py)
	hxy := 0.0
	for _, v := range joint {
		if p := v / total; p > 0 {
			hxy -= p * math.Log2(p)
		}
	}

	if hx+hy == 0 {
		return 0, nil
	}
	return 2 * (hx + hy - hxy) / (hx + hy), nil
}
