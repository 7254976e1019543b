package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"skullstrip/internal/models"
	"skullstrip/pkg/atlas"
	"skullstrip/pkg/config"
	"skullstrip/pkg/nifti"
	"skullstrip/pkg/pipeline"
	"skullstrip/pkg/quality"
	"skullstrip/pkg/watch"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	inputDir := flag.String("input-dir", "", "Directory containing input MRI volumes")
	outputDir := flag.String("output-dir", "", "Directory for output files")
	watchMode := flag.Bool("watch", false, "Watch mode: process files continuously as they arrive")
	assessPath := flag.String("assess", "", "Assess mode: run quality assessment on an existing skull-stripped volume and exit")
	assessTruth := flag.String("ground-truth", "", "Assess mode: optional ground-truth brain mask for overlap metrics")
	assessRef := flag.String("reference", "", "Assess mode: optional reference image for mutual information")
	atlasDir := flag.String("atlas-dir", "", "Atlas directory (overrides config)")
	normalize := flag.String("normalize", "", "Normalization method: zscore or minmax (overrides config)")
	sigma := flag.Float64("sigma", -1, "Gaussian smoothing sigma (overrides config)")
	regType := flag.String("registration", "", "Registration type: rigid or affine (overrides config)")
	maskTarget := flag.String("mask-target", "", "Extraction target: preprocessed or original (overrides config)")
	workers := flag.Int("workers", 0, "Maximum parallel workers (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlagOverrides(cfg, *atlasDir, *normalize, *sigma, *regType, *maskTarget, *workers)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *assessPath != "" {
		if err := runAssess(cfg, *assessPath, *assessTruth, *assessRef); err != nil {
			log.Fatalf("Assessment failed: %v", err)
		}
		return
	}

	if *inputDir == "" || *outputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("ATLAS-BASED SKULL STRIPPING PIPELINE")
	fmt.Println("================================")

	// The atlas loads exactly once; failure here is fatal and no file may
	// be accepted.
	atl, err := atlas.Load(cfg.Atlas.Dir)
	if err != nil {
		log.Fatalf("Startup failure: %v", err)
	}
	fmt.Printf("Loaded atlas from %s: %dx%dx%d template, %d mask voxels\n",
		cfg.Atlas.Dir,
		atl.Template.Geometry.Width, atl.Template.Geometry.Height, atl.Template.Geometry.Depth,
		atl.Mask.Count())

	pipe := pipeline.New(cfg, atl, *outputDir, log.Default())

	if *watchMode {
		runWatch(cfg, pipe, *inputDir, *outputDir)
		return
	}
	runBatch(pipe, *inputDir)
}

func applyFlagOverrides(cfg *config.Config, atlasDir, normalize string, sigma float64, regType, maskTarget string, workers int) {
	if atlasDir != "" {
		cfg.Atlas.Dir = atlasDir
	}
	if normalize != "" {
		cfg.Preprocessing.NormalizeMethod = normalize
	}
	if sigma >= 0 {
		cfg.Preprocessing.GaussianSigma = sigma
	}
	if regType != "" {
		cfg.Registration.Type = regType
	}
	if maskTarget != "" {
		cfg.Extraction.MaskTarget = maskTarget
	}
	if workers > 0 {
		cfg.Watch.MaxParallelWorkers = workers
	}
}

// runBatch processes every volume currently in the input directory once
// and exits with a summary.
func runBatch(pipe *pipeline.Pipeline, inputDir string) {
	files, err := listInputs(inputDir)
	if err != nil {
		log.Fatalf("Failed to list input directory: %v", err)
	}
	if len(files) == 0 {
		log.Printf("No .nii or .nii.gz files found in %s", inputDir)
		return
	}
	log.Printf("Found %d files to process", len(files))

	succeeded, failed := 0, 0
	for i, path := range files {
		log.Printf("Processing file %d/%d: %s", i+1, len(files), filepath.Base(path))
		result, err := pipe.Process(context.Background(), path, 0)
		if err != nil {
			log.Printf("Failed to process %s: %v", filepath.Base(path), err)
			failed++
			continue
		}
		printAggregate(result.Report)
		succeeded++
	}

	fmt.Println("================================")
	fmt.Printf("Batch complete: %d succeeded, %d failed\n", succeeded, failed)
}

// runWatch blocks in watch mode until interrupted.
func runWatch(cfg *config.Config, pipe *pipeline.Pipeline, inputDir, outputDir string) {
	ledgerPath := cfg.Watch.LedgerPath
	if ledgerPath == "" {
		ledgerPath = filepath.Join(outputDir, "watch.db")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Fatalf("Startup failure: cannot create output directory: %v", err)
	}
	ledger, err := watch.OpenLedger(ledgerPath)
	if err != nil {
		log.Fatalf("Startup failure: %v", err)
	}
	defer ledger.Close()

	orch := watch.NewOrchestrator(cfg, pipe, ledger, inputDir, log.Default())
	orch.OnTerminal = func(e watch.Entry) {
		status := color.GreenString(string(e.Status))
		if e.Status != watch.StatusCompleted {
			status = color.RedString(string(e.Status))
		}
		fmt.Printf("%s -> %s\n", filepath.Base(e.Path), status)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Watch mode: press Ctrl+C to stop")
	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Orchestrator stopped: %v", err)
	}
	log.Printf("Pipeline stopped")
}

// runAssess grades an existing skull-stripped volume.
func runAssess(cfg *config.Config, path, truthPath, refPath string) error {
	report, err := assessVolume(cfg, path, truthPath, refPath)
	if err != nil {
		return err
	}
	fmt.Print(report.Render())
	printAggregate(report)
	return nil
}

// assessVolume builds the quality report for a stored volume, attaching
// overlap metrics when a ground-truth mask is given and normalized mutual
// information when a reference image is given.
func assessVolume(cfg *config.Config, path, truthPath, refPath string) (*quality.Report, error) {
	v, err := nifti.Load(path)
	if err != nil {
		return nil, err
	}
	// The stored volume is its own mask: non-zero voxels are brain.
	mask := models.FromVolume(v, 0)
	report := quality.Assess(v, mask, v.Geometry.Spacing, cfg.Quality)

	if truthPath != "" {
		truth, err := nifti.Load(truthPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ground-truth mask: %w", err)
		}
		overlap, err := quality.DiceCoefficient(mask, models.FromVolume(truth, 0))
		if err != nil {
			return nil, err
		}
		report.Overlap = &overlap
	}
	if refPath != "" {
		ref, err := nifti.Load(refPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load reference image: %w", err)
		}
		nmi, err := quality.MutualInformation(v, ref)
		if err != nil {
			return nil, err
		}
		report.MutualInformation = &nmi
	}
	return report, nil
}

func printAggregate(r *quality.Report) {
	if r.Passed() {
		fmt.Printf("Quality: %s\n", color.GreenString("PASS"))
	} else {
		fmt.Printf("Quality: %s (needs review)\n", color.RedString("FAIL"))
	}
}

func listInputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".nii" || filepath.Ext(name) == ".gz" {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files, nil
}
