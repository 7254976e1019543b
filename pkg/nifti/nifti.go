// Package nifti reads and writes NIfTI-1 volumes (.nii and .nii.gz).
// Loaded volumes are validated before they reach the pipeline: exactly
// three dimensions, strictly positive voxel spacing, and finite
// intensities only.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"skullstrip/internal/models"
)

// ErrValidation marks a malformed input: wrong dimensionality, missing or
// invalid geometry, or non-finite intensities. Files failing validation are
// not retryable.
var ErrValidation = errors.New("volume validation failed")

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const (
	headerSize = 348
	// voxOffset is where voxel data starts in a single-file NIfTI-1.
	voxOffset = 352
)

// header is the on-disk NIfTI-1 header layout, 348 bytes.
type header struct {
	SizeofHdr     int32
	DataTypeName  [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Load reads a NIfTI-1 file and returns a validated volume.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream in %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	v, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Decode reads a NIfTI-1 stream and returns a validated volume.
func Decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// sizeof_hdr doubles as the endianness probe.
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[0:4])) != headerSize {
		if int32(binary.BigEndian.Uint32(raw[0:4])) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file: %w", ErrValidation)
		}
		order = binary.BigEndian
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	magic := string(hdr.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return nil, fmt.Errorf("bad magic %q: %w", magic, ErrValidation)
	}
	if hdr.Dim[0] != 3 {
		return nil, fmt.Errorf("expected 3D image, got %dD: %w", hdr.Dim[0], ErrValidation)
	}

	g := models.Geometry{
		Width:  int(hdr.Dim[1]),
		Height: int(hdr.Dim[2]),
		Depth:  int(hdr.Dim[3]),
		Spacing: models.VoxelSize{
			X: math.Abs(float64(hdr.Pixdim[1])),
			Y: math.Abs(float64(hdr.Pixdim[2])),
			Z: math.Abs(float64(hdr.Pixdim[3])),
		},
		Direction: models.IdentityDirection,
	}
	if g.Width <= 0 || g.Height <= 0 || g.Depth <= 0 {
		return nil, fmt.Errorf("non-positive dimensions %dx%dx%d: %w",
			g.Width, g.Height, g.Depth, ErrValidation)
	}
	if g.Spacing.X <= 0 || g.Spacing.Y <= 0 || g.Spacing.Z <= 0 {
		return nil, fmt.Errorf("non-positive voxel spacing: %w", ErrValidation)
	}

	if hdr.SformCode > 0 {
		applySform(&g, &hdr)
	} else if hdr.QformCode > 0 {
		g.Origin = models.Point{
			X: float64(hdr.QoffsetX),
			Y: float64(hdr.QoffsetY),
			Z: float64(hdr.QoffsetZ),
		}
	}

	// Skip any extension bytes between the header and the voxel data.
	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		skip = voxOffset - headerSize
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("failed to seek to voxel data: %w", err)
	}

	data, err := readVoxels(r, order, int(hdr.Datatype), g.NumVoxels())
	if err != nil {
		return nil, err
	}

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	for _, val := range data {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("image contains NaN or infinite values: %w", ErrValidation)
		}
	}

	return &models.Volume{Data: data, Geometry: g}, nil
}

// applySform derives spacing-normalized direction cosines and the origin
// from the srow matrix.
func applySform(g *models.Geometry, hdr *header) {
	rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
	sp := [3]float64{g.Spacing.X, g.Spacing.Y, g.Spacing.Z}
	var dir [9]float64
	ok := true
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if sp[j] > 0 {
				dir[i*3+j] = float64(rows[i][j]) / sp[j]
			}
		}
	}
	// A degenerate sform (all zeros) falls back to identity orientation.
	norm := 0.0
	for _, d := range dir {
		norm += d * d
	}
	if norm < 1e-9 {
		ok = false
	}
	if ok {
		g.Direction = dir
	}
	g.Origin = models.Point{
		X: float64(rows[0][3]),
		Y: float64(rows[1][3]),
		Z: float64(rows[2][3]),
	}
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype, n int) ([]float64, error) {
	data := make([]float64, n)
	switch datatype {
	case dtUint8:
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, b := range buf {
			data[i] = float64(b)
		}
	case dtInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, s := range buf {
			data[i] = float64(s)
		}
	case dtInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, s := range buf {
			data[i] = float64(s)
		}
	case dtFloat32:
		buf := make([]float32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, s := range buf {
			data[i] = float64(s)
		}
	case dtFloat64:
		if err := binary.Read(r, order, data); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datatype %d: %w", datatype, ErrValidation)
	}
	return data, nil
}

// Save writes the volume as a float32 NIfTI-1 file. Output is gzip
// compressed when the path ends in .gz. The file is written to a temporary
// sibling first and renamed into place so a reader never observes a
// partially written volume.
func Save(v *models.Volume, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(tmp)
		w = gz
	}

	if err := Encode(w, v); err != nil {
		tmp.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to flush gzip stream: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename output into place: %w", err)
	}
	return nil
}

// Encode writes the volume to w as little-endian float32 NIfTI-1.
func Encode(w io.Writer, v *models.Volume) error {
	g := v.Geometry
	hdr := header{
		SizeofHdr: headerSize,
		Dim:       [8]int16{3, int16(g.Width), int16(g.Height), int16(g.Depth), 1, 1, 1, 1},
		Datatype:  dtFloat32,
		Bitpix:    32,
		Pixdim: [8]float32{1,
			float32(g.Spacing.X), float32(g.Spacing.Y), float32(g.Spacing.Z),
			0, 0, 0, 0},
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: 2, // mm
		SformCode: 1,
		QformCode: 0,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	copy(hdr.Descrip[:], "skullstrip")

	sp := [3]float64{g.Spacing.X, g.Spacing.Y, g.Spacing.Z}
	origin := [3]float64{g.Origin.X, g.Origin.Y, g.Origin.Z}
	rows := [3]*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = float32(g.Direction[i*3+j] * sp[j])
		}
		rows[i][3] = float32(origin[i])
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Pad to vox_offset.
	if _, err := w.Write(make([]byte, voxOffset-headerSize)); err != nil {
		return fmt.Errorf("failed to write header padding: %w", err)
	}

	buf := make([]float32, len(v.Data))
	for i, val := range v.Data {
		buf[i] = float32(val)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}
