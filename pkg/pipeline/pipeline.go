// Package pipeline drives the full per-file processing sequence: load,
// validate, preprocess, register, transfer the mask, extract, assess, and
// write outputs. Stage failures are classified into the retryability
// taxonomy consumed by the watch orchestrator.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skullstrip/internal/models"
	"skullstrip/pkg/atlas"
	"skullstrip/pkg/config"
	"skullstrip/pkg/dicomdir"
	"skullstrip/pkg/extraction"
	"skullstrip/pkg/nifti"
	"skullstrip/pkg/preprocess"
	"skullstrip/pkg/quality"
	"skullstrip/pkg/registration"
)

// ErrConvergence marks a registration that ran out of budget without
// converging. Retryable: the next attempt escalates to the affine family.
var ErrConvergence = errors.New("registration did not converge")

// Retryable reports whether a failed attempt may be retried. Malformed
// inputs and singular transforms are permanent; everything else (non-
// convergence, timeouts, transient I/O) earns another attempt.
func Retryable(err error) bool {
	if errors.Is(err, nifti.ErrValidation) {
		return false
	}
	if errors.Is(err, registration.ErrSingularTransform) {
		return false
	}
	return true
}

// Classify names the failure for the ledger record.
func Classify(err error) string {
	switch {
	case errors.Is(err, nifti.ErrValidation):
		return "validation_error"
	case errors.Is(err, registration.ErrSingularTransform):
		return "singular_transform"
	case errors.Is(err, ErrConvergence):
		return "convergence_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "processing_error"
	}
}

// Result collects the artifacts of one successful run. A FAIL-status
// quality report is still a successful run: the pipeline completed
// mechanically and the result merely needs clinical review.
type Result struct {
	InputPath  string
	OutputPath string
	ReportPath string
	Transform  *registration.Transform
	Report     *quality.Report
	Elapsed    time.Duration
}

// Pipeline processes single files against a shared read-only atlas.
type Pipeline struct {
	cfg       *config.Config
	atlas     *atlas.Atlas
	outputDir string
	logger    *log.Logger
}

// New builds a pipeline. The atlas must already be loaded; it is shared by
// every concurrent invocation and never mutated.
func New(cfg *config.Config, atl *atlas.Atlas, outputDir string, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{cfg: cfg, atlas: atl, outputDir: outputDir, logger: logger}
}

// Load reads an input volume: a directory is treated as a DICOM series,
// anything else as a NIfTI file.
func Load(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}
	if info.IsDir() {
		return dicomdir.LoadSeries(path)
	}
	return nifti.Load(path)
}

// registrationKind picks the transform family for this attempt: configured
// family first, escalating to affine on retries after non-convergence.
func (p *Pipeline) registrationKind(attempt int) registration.Kind {
	if attempt > 0 {
		return registration.Affine
	}
	if p.cfg.Registration.Type == string(registration.Affine) {
		return registration.Affine
	}
	return registration.Rigid
}

// Process runs the full pipeline for one input file. attempt is zero for
// the first try; the context bounds the whole run.
func (p *Pipeline) Process(ctx context.Context, path string, attempt int) (*Result, error) {
	start := time.Now()
	stem := Stem(path)

	original, err := Load(path)
	if err != nil {
		return nil, err
	}
	p.logger.Printf("loaded %s: %dx%dx%d", filepath.Base(path),
		original.Geometry.Width, original.Geometry.Height, original.Geometry.Depth)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	preprocessed, err := preprocess.Normalize(original, preprocess.Method(p.cfg.Preprocessing.NormalizeMethod))
	if err != nil {
		return nil, err
	}
	preprocessed = preprocess.Smooth(preprocessed, p.cfg.Preprocessing.GaussianSigma)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind := p.registrationKind(attempt)
	opt := registration.DefaultOptimizer()
	if p.cfg.Registration.MaxIterations > 0 {
		opt.MaxIterations = p.cfg.Registration.MaxIterations
	}
	transform, err := registration.Register(preprocessed, p.atlas.Template, kind, registration.Options{
		Schedule:  p.cfg.Registration.Schedule,
		Optimizer: opt,
	})
	if err != nil {
		return nil, err
	}
	if !transform.Converged {
		return nil, fmt.Errorf("%s registration, metric %g: %w", kind, transform.Metric, ErrConvergence)
	}
	p.logger.Printf("registered %s: kind=%s metric=%g", filepath.Base(path), kind, transform.Metric)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mask, err := extraction.TransferMask(p.atlas.Mask, transform, original.Geometry)
	if err != nil {
		return nil, err
	}

	target := preprocessed
	if p.cfg.Extraction.MaskTarget == string(extraction.Original) {
		target = original
	}
	extracted, err := extraction.Extract(target, mask)
	if err != nil {
		return nil, err
	}

	report := quality.Assess(extracted, mask, original.Geometry.Spacing, p.cfg.Quality)

	outputPath := filepath.Join(p.outputDir, stem+"_skull_stripped.nii.gz")
	if err := nifti.Save(extracted, outputPath); err != nil {
		return nil, err
	}

	reportPath := filepath.Join(p.outputDir, stem+"_quality_report.json")
	if err := p.writeReport(path, transform, report, reportPath); err != nil {
		return nil, err
	}

	res := &Result{
		InputPath:  path,
		OutputPath: outputPath,
		ReportPath: reportPath,
		Transform:  transform,
		Report:     report,
		Elapsed:    time.Since(start),
	}
	p.logger.Printf("completed %s in %s: quality %s", filepath.Base(path), res.Elapsed, report.Aggregate)
	return res, nil
}

// reportFile is the on-disk JSON wrapper around the pure quality report.
type reportFile struct {
	InputFile   string                  `json:"input_file"`
	GeneratedAt time.Time               `json:"generated_at"`
	Transform   *registration.Transform `json:"transform"`
	Quality     *quality.Report         `json:"quality"`
}

// writeReport writes the JSON record and a human-readable text rendering,
// both via temp-then-rename.
func (p *Pipeline) writeReport(inputPath string, t *registration.Transform, r *quality.Report, path string) error {
	rec := reportFile{
		InputFile:   filepath.Base(inputPath),
		GeneratedAt: time.Now().UTC(),
		Transform:   t,
		Quality:     r,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}

	txt := fmt.Sprintf("Input file: %s\nProcessing date: %s\n\n%s",
		rec.InputFile, rec.GeneratedAt.Format("2006-01-02 15:04:05"), r.Render())
	return writeAtomic(strings.TrimSuffix(path, ".json")+".txt", []byte(txt))
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename output into place: %w", err)
	}
	return nil
}

// Stem strips the volume container extensions from a file name.
func Stem(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".nii")
	return base
}
