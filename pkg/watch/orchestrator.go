package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"skullstrip/pkg/config"
	"skullstrip/pkg/pipeline"
)

// Orchestrator drives the watch loop: discover files, debounce until
// stable, claim through the ledger, and run the pipeline on a bounded
// worker pool. Stage failures never escape a worker; only startup
// failures terminate the process.
type Orchestrator struct {
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	ledger   *Ledger
	inputDir string
	logger   *log.Logger

	// owner identifies this orchestrator run in claim rows, so stale
	// claims from a crashed run are recognizable at startup.
	owner string

	// OnTerminal, when set, receives one event per entry reaching a
	// terminal state. Consumable by logging/monitoring.
	OnTerminal func(Entry)

	mu       sync.Mutex
	lastSize map[string]int64
}

// NewOrchestrator wires an orchestrator over an already-loaded pipeline
// and an open ledger.
func NewOrchestrator(cfg *config.Config, pipe *pipeline.Pipeline, ledger *Ledger, inputDir string, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		pipe:     pipe,
		ledger:   ledger,
		inputDir: inputDir,
		logger:   logger,
		owner:    uuid.NewString(),
		lastSize: make(map[string]int64),
	}
}

// Run starts the poll loop and worker pool and blocks until the context
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	requeued, err := o.ledger.RecoverStale(o.owner, o.maxAttempts())
	if err != nil {
		return fmt.Errorf("failed to recover stale claims: %w", err)
	}
	for _, path := range requeued {
		o.logger.Printf("requeued %s after unclean shutdown", filepath.Base(path))
	}

	interval := o.interval()
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Watch.MaxParallelWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.workerLoop(ctx, id, interval)
		}(i)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Printf("watching %s every %s with %d workers",
		o.inputDir, interval, o.cfg.Watch.MaxParallelWorkers)

	// Seed observed sizes from files already present. The confirming
	// poll happens on the first ticker tick, so the stability window is
	// never shorter than one interval even for startup backlog.
	o.pollOnce()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			o.pollOnce()
		}
	}
}

func (o *Orchestrator) interval() time.Duration {
	if o.cfg.Watch.IntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(o.cfg.Watch.IntervalSeconds * float64(time.Second))
}

// maxAttempts is the initial attempt plus the configured retries.
func (o *Orchestrator) maxAttempts() int {
	return o.cfg.Watch.MaxRetries + 1
}

// eligible reports whether a directory entry looks like an input volume.
func eligible(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

// pollOnce scans the monitored directory and records files whose size has
// been identical across two consecutive polls. The stability debounce
// prevents claiming a scan still being written.
func (o *Orchestrator) pollOnce() {
	entries, err := os.ReadDir(o.inputDir)
	if err != nil {
		o.logger.Printf("poll failed: %v", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !eligible(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(o.inputDir, entry.Name())
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		prev, seen := o.lastSize[abs]
		o.lastSize[abs] = info.Size()
		if !seen || prev != info.Size() {
			continue
		}

		if err := o.ledger.Observe(abs, info.Size(), info.ModTime()); err != nil {
			o.logger.Printf("failed to record %s: %v", entry.Name(), err)
		}
	}
}

// workerLoop pulls claims from the ledger until the context ends. An
// empty ledger backs the worker off for one poll interval.
func (o *Orchestrator) workerLoop(ctx context.Context, id int, interval time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}

		path, ok, err := o.ledger.ClaimNext(o.owner)
		if err != nil {
			o.logger.Printf("worker %d: claim failed: %v", id, err)
			ok = false
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		o.runTask(ctx, path)
	}
}

// runTask executes the pipeline for one claimed path. Every failure mode,
// including panics, is caught here and turned into a ledger transition;
// nothing propagates to the orchestrator loop.
func (o *Orchestrator) runTask(ctx context.Context, path string) {
	if err := o.ledger.MarkProcessing(path, o.owner); err != nil {
		// Lost the entry between claim and start; another owner has it.
		o.logger.Printf("skipping %s: %v", filepath.Base(path), err)
		return
	}
	entry, err := o.ledger.Get(path)
	if err != nil {
		o.logger.Printf("failed to read entry %s: %v", filepath.Base(path), err)
		return
	}
	attempt := entry.Attempts - 1

	taskCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.Watch.TaskTimeoutSeconds > 0 {
		timeout := time.Duration(o.cfg.Watch.TaskTimeoutSeconds * float64(time.Second))
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := o.process(taskCtx, path, attempt)
	if err != nil {
		reason := fmt.Sprintf("%s: %v", pipeline.Classify(err), err)
		next, lerr := o.ledger.MarkFailed(path, o.owner, reason, pipeline.Retryable(err), o.maxAttempts())
		if lerr != nil {
			o.logger.Printf("failed to record failure for %s: %v", filepath.Base(path), lerr)
			return
		}
		o.logger.Printf("failed %s (attempt %d): %v -> %s", filepath.Base(path), attempt+1, err, next)
		if next.Terminal() {
			o.emitTerminal(path)
		}
		return
	}

	// A FAIL-status report still completes the entry: the pipeline
	// succeeded mechanically and the result is flagged for review.
	reason := ""
	if !result.Report.Passed() {
		reason = "quality report FAIL, needs review"
	}
	if err := o.ledger.MarkCompleted(path, o.owner, reason); err != nil {
		o.logger.Printf("failed to record completion for %s: %v", filepath.Base(path), err)
		return
	}
	o.emitTerminal(path)
}

// process wraps the pipeline call with panic isolation at the task
// boundary.
func (o *Orchestrator) process(ctx context.Context, path string, attempt int) (result *pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return o.pipe.Process(ctx, path, attempt)
}

func (o *Orchestrator) emitTerminal(path string) {
	entry, err := o.ledger.Get(path)
	if err != nil {
		o.logger.Printf("failed to read terminal entry %s: %v", filepath.Base(path), err)
		return
	}
	o.logger.Printf("terminal %s: %s (attempts=%d)", filepath.Base(path), entry.Status, entry.Attempts)
	if o.OnTerminal != nil {
		o.OnTerminal(*entry)
	}
}
