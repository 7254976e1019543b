package watch

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skullstrip/internal/models"
	"skullstrip/pkg/atlas"
	"skullstrip/pkg/config"
	"skullstrip/pkg/nifti"
	"skullstrip/pkg/pipeline"
	"skullstrip/pkg/preprocess"
)

func sphereVolume(size int, radius float64) *models.Volume {
	g := models.Geometry{
		Width: size, Height: size, Depth: size,
		Spacing:   models.VoxelSize{X: 1, Y: 1, Z: 1},
		Direction: models.IdentityDirection,
	}
	v := models.NewVolume(g)
	c := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				r := math.Sqrt(dx*dx + dy*dy + dz*dz)
				if r < radius {
					v.Data[v.Index(x, y, z)] = float64(float32(1 - r/radius))
				}
			}
		}
	}
	return v
}

type harness struct {
	cfg      *config.Config
	ledger   *Ledger
	orch     *Orchestrator
	inputDir string
	outDir   string
}

// newHarness builds a watchable input directory and an orchestrator whose
// atlas template matches the preprocessed form of sphereVolume(16, 6).
func newHarness(t *testing.T, workers int) *harness {
	t.Helper()

	sphere := sphereVolume(16, 6)
	atlasDir := t.TempDir()
	normalized, err := preprocess.Normalize(sphere, preprocess.ZScore)
	require.NoError(t, err)
	require.NoError(t, nifti.Save(normalized, filepath.Join(atlasDir, "template.nii.gz")))
	require.NoError(t, nifti.Save(sphere, filepath.Join(atlasDir, "mask.nii.gz")))

	cfg := config.DefaultConfig()
	cfg.Preprocessing.GaussianSigma = 0
	cfg.Registration.Schedule = []int{4, 2}
	cfg.Registration.MaxIterations = 20
	cfg.Watch.IntervalSeconds = 0.05
	cfg.Watch.MaxRetries = 1
	cfg.Watch.MaxParallelWorkers = workers
	cfg.Watch.TaskTimeoutSeconds = 60

	atl, err := atlas.Load(atlasDir)
	require.NoError(t, err)

	inputDir := t.TempDir()
	outDir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	pipe := pipeline.New(cfg, atl, outDir, logger)

	ledger, err := OpenLedger(filepath.Join(outDir, "watch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	return &harness{
		cfg:      cfg,
		ledger:   ledger,
		orch:     NewOrchestrator(cfg, pipe, ledger, inputDir, logger),
		inputDir: inputDir,
		outDir:   outDir,
	}
}

// run starts the orchestrator and returns a stop function that cancels it
// and waits for shutdown.
func (h *harness) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			t.Fatal("orchestrator did not shut down")
		}
	}
}

// terminalCount returns (terminal, processing) entry counts.
func (h *harness) counts(t *testing.T) (int, int) {
	t.Helper()
	entries, err := h.ledger.Entries()
	require.NoError(t, err)
	terminal, processing := 0, 0
	for _, e := range entries {
		if e.Status.Terminal() {
			terminal++
		}
		if e.Status == StatusProcessing {
			processing++
		}
	}
	return terminal, processing
}

func TestOrchestratorProcessesBacklog(t *testing.T) {
	h := newHarness(t, 2)

	sphere := sphereVolume(16, 6)
	for i := 0; i < 3; i++ {
		path := filepath.Join(h.inputDir, fmt.Sprintf("scan_%d.nii.gz", i))
		require.NoError(t, nifti.Save(sphere, path))
	}

	stop := h.run(t)
	defer stop()

	maxProcessing := 0
	require.Eventually(t, func() bool {
		terminal, processing := h.counts(t)
		if processing > maxProcessing {
			maxProcessing = processing
		}
		return terminal == 3
	}, 120*time.Second, 20*time.Millisecond, "expected 3 terminal entries")

	require.LessOrEqual(t, maxProcessing, 2,
		"observed more concurrent tasks than the worker pool allows")

	entries, err := h.ledger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.Equal(t, StatusCompleted, e.Status, "entry %s: %s", e.Path, e.Reason)
		require.Equal(t, 1, e.Attempts)

		stem := pipeline.Stem(e.Path)
		_, err := os.Stat(filepath.Join(h.outDir, stem+"_skull_stripped.nii.gz"))
		require.NoError(t, err, "missing stripped output for %s", stem)
		_, err = os.Stat(filepath.Join(h.outDir, stem+"_quality_report.json"))
		require.NoError(t, err, "missing report for %s", stem)
	}
}

func TestOrchestratorIgnoresForeignFiles(t *testing.T) {
	h := newHarness(t, 1)

	require.NoError(t, os.WriteFile(filepath.Join(h.inputDir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, nifti.Save(sphereVolume(16, 6), filepath.Join(h.inputDir, "scan.nii.gz")))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		terminal, _ := h.counts(t)
		return terminal == 1
	}, 120*time.Second, 20*time.Millisecond)

	entries, err := h.ledger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the volume file may enter the ledger")
	require.Equal(t, "scan.nii.gz", filepath.Base(entries[0].Path))
}

func TestOrchestratorRetriesThenFailsPermanently(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.Registration.MaxIterations = 5

	// A featureless volume gives the optimizer nothing to descend along,
	// so registration never converges.
	flat := models.NewVolume(sphereVolume(16, 6).Geometry)
	path := filepath.Join(h.inputDir, "flat.nii.gz")
	require.NoError(t, nifti.Save(flat, path))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		terminal, _ := h.counts(t)
		return terminal == 1
	}, 120*time.Second, 20*time.Millisecond)

	entries, err := h.ledger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, StatusPermanentFailure, e.Status)
	require.Equal(t, h.cfg.Watch.MaxRetries+1, e.Attempts,
		"a retryable failure must be attempted maxRetries+1 times")
	require.Contains(t, e.Reason, "convergence_failure")
}

func TestOrchestratorValidationFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 1)

	path := filepath.Join(h.inputDir, "garbage.nii")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("junk", 128)), 0644))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		terminal, _ := h.counts(t)
		return terminal == 1
	}, 60*time.Second, 20*time.Millisecond)

	e, err := h.ledger.Get(mustAbs(t, path))
	require.NoError(t, err)
	require.Equal(t, StatusPermanentFailure, e.Status)
	require.Equal(t, 1, e.Attempts, "validation errors must not be retried")
	require.Contains(t, e.Reason, "validation_error")
}

func TestOrchestratorEmitsTerminalEvents(t *testing.T) {
	h := newHarness(t, 1)

	events := make(chan Entry, 8)
	h.orch.OnTerminal = func(e Entry) { events <- e }

	require.NoError(t, nifti.Save(sphereVolume(16, 6), filepath.Join(h.inputDir, "scan.nii.gz")))

	stop := h.run(t)
	defer stop()

	select {
	case e := <-events:
		require.Equal(t, StatusCompleted, e.Status)
		require.Equal(t, "scan.nii.gz", filepath.Base(e.Path))
	case <-time.After(120 * time.Second):
		t.Fatal("no terminal event observed")
	}
}

func TestPollAdmitsOnlySizeStableFiles(t *testing.T) {
	h := newHarness(t, 1)

	path := filepath.Join(h.inputDir, "scan.nii.gz")
	require.NoError(t, os.WriteFile(path, []byte("partial nifti bytes"), 0644))

	h.orch.pollOnce()
	_, err := h.ledger.Get(mustAbs(t, path))
	require.Error(t, err, "a single observation must only seed the size")

	// Writer is still appending; the changed size resets the debounce.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("more bytes"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h.orch.pollOnce()
	_, err = h.ledger.Get(mustAbs(t, path))
	require.Error(t, err, "a growing file must not enter the ledger")

	h.orch.pollOnce()
	e, err := h.ledger.Get(mustAbs(t, path))
	require.NoError(t, err)
	require.Equal(t, StatusDiscovered, e.Status)
}

func TestStartupDoesNotAdmitInFlightFile(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.Watch.IntervalSeconds = 60

	// Half-written scan present before the orchestrator starts. The
	// confirming poll is an interval away, so startup alone must not
	// make the file claimable.
	path := filepath.Join(h.inputDir, "scan.nii.gz")
	require.NoError(t, os.WriteFile(path, []byte("incomplete"), 0644))

	stop := h.run(t)
	defer stop()

	time.Sleep(500 * time.Millisecond)
	_, err := h.ledger.Get(mustAbs(t, path))
	require.Error(t, err, "startup polls must be spaced by the watch interval")
}

func TestEligible(t *testing.T) {
	require.True(t, eligible("scan.nii"))
	require.True(t, eligible("scan.nii.gz"))
	require.False(t, eligible("scan.dcm"))
	require.False(t, eligible("scan.nii.gz.part"))
	require.False(t, eligible("notes.txt"))
}

func mustAbs(t *testing.T, path string) string {
	t.Helper()
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	return abs
}
