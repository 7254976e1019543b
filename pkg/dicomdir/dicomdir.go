// Package dicomdir loads a DICOM image series from a directory and stacks
// it into a single 3D volume. Slices are ordered by their physical position
// along the scan axis, falling back to instance number when position tags
// are absent.
package dicomdir

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"skullstrip/internal/models"
	"skullstrip/pkg/nifti"
)

// sliceImage is one decoded DICOM slice with the metadata needed for
// stacking.
type sliceImage struct {
	pixels     []float64
	rows, cols int
	position   [3]float64
	hasPos     bool
	instance   int
	spacing    [2]float64 // row spacing, column spacing in mm
	thickness  float64
	slope      float64
	intercept  float64
}

// LoadSeries reads every DICOM file in dir and assembles the series into a
// validated volume.
func LoadSeries(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read series directory %s: %w", dir, err)
	}

	var slices []sliceImage
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".dcm" && ext != ".dicom" && ext != "" {
			continue
		}
		sl, err := loadSlice(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load slice %s: %w", name, err)
		}
		slices = append(slices, sl)
	}

	if len(slices) < 2 {
		return nil, fmt.Errorf("series has %d slices, need at least 2: %w",
			len(slices), nifti.ErrValidation)
	}

	sort.Slice(slices, func(i, j int) bool {
		if slices[i].hasPos && slices[j].hasPos {
			return slices[i].position[2] < slices[j].position[2]
		}
		return slices[i].instance < slices[j].instance
	})

	first := slices[0]
	for _, sl := range slices[1:] {
		if sl.rows != first.rows || sl.cols != first.cols {
			return nil, fmt.Errorf("inconsistent slice dimensions in series: %w",
				nifti.ErrValidation)
		}
	}

	g := models.Geometry{
		Width:     first.cols,
		Height:    first.rows,
		Depth:     len(slices),
		Spacing:   seriesSpacing(slices),
		Direction: models.IdentityDirection,
	}
	if first.hasPos {
		g.Origin = models.Point{X: first.position[0], Y: first.position[1], Z: first.position[2]}
	}
	if g.Spacing.X <= 0 || g.Spacing.Y <= 0 || g.Spacing.Z <= 0 {
		return nil, fmt.Errorf("non-positive voxel spacing in series: %w", nifti.ErrValidation)
	}

	v := models.NewVolume(g)
	sliceLen := g.Width * g.Height
	for z, sl := range slices {
		copy(v.Data[z*sliceLen:(z+1)*sliceLen], sl.pixels)
	}

	for _, val := range v.Data {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("series contains non-finite values: %w", nifti.ErrValidation)
		}
	}
	return v, nil
}

func loadSlice(path string) (sliceImage, error) {
	sl := sliceImage{slope: 1}

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return sl, err
	}

	if vals, ok := floatValues(&ds, tag.PixelSpacing); ok && len(vals) == 2 {
		sl.spacing = [2]float64{vals[0], vals[1]}
	}
	if vals, ok := floatValues(&ds, tag.SliceThickness); ok && len(vals) == 1 {
		sl.thickness = vals[0]
	}
	if vals, ok := floatValues(&ds, tag.ImagePositionPatient); ok && len(vals) == 3 {
		sl.position = [3]float64{vals[0], vals[1], vals[2]}
		sl.hasPos = true
	}
	if vals, ok := floatValues(&ds, tag.RescaleSlope); ok && len(vals) == 1 && vals[0] != 0 {
		sl.slope = vals[0]
	}
	if vals, ok := floatValues(&ds, tag.RescaleIntercept); ok && len(vals) == 1 {
		sl.intercept = vals[0]
	}
	if vals, ok := intValues(&ds, tag.InstanceNumber); ok && len(vals) == 1 {
		sl.instance = vals[0]
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return sl, fmt.Errorf("no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return sl, fmt.Errorf("pixel data has no frames")
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return sl, fmt.Errorf("frame is not natively decodable: %w", err)
	}

	sl.rows = native.Rows
	sl.cols = native.Cols
	sl.pixels = make([]float64, len(native.Data))
	for i, px := range native.Data {
		sl.pixels[i] = float64(px[0])*sl.slope + sl.intercept
	}
	return sl, nil
}

// seriesSpacing derives voxel spacing from pixel spacing and slice
// positions. The inter-slice distance comes from the median gap between
// consecutive positions, falling back to slice thickness.
func seriesSpacing(slices []sliceImage) models.VoxelSize {
	first := slices[0]
	sp := models.VoxelSize{X: first.spacing[1], Y: first.spacing[0], Z: first.thickness}

	var gaps []float64
	for i := 1; i < len(slices); i++ {
		if slices[i].hasPos && slices[i-1].hasPos {
			gaps = append(gaps, math.Abs(slices[i].position[2]-slices[i-1].position[2]))
		}
	}
	if len(gaps) > 0 {
		sort.Float64s(gaps)
		sp.Z = gaps[len(gaps)/2]
	}
	if sp.Z <= 0 {
		sp.Z = 1
	}
	if sp.X <= 0 {
		sp.X = 1
	}
	if sp.Y <= 0 {
		sp.Y = 1
	}
	return sp
}

func floatValues(ds *dicom.Dataset, t tag.Tag) ([]float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	strs, ok := el.Value.GetValue().([]string)
	if !ok {
		return nil, false
	}
	vals := make([]float64, 0, len(strs))
	for _, s := range strs {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false
		}
		vals = append(vals, f)
	}
	return vals, true
}

func intValues(ds *dicom.Dataset, t tag.Tag) ([]int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		return v, true
	case []string:
		vals := make([]int, 0, len(v))
		for _, s := range v {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, false
			}
			vals = append(vals, n)
		}
		return vals, true
	}
	return nil, false
}
