package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fileloader-io/fileloader/internal/notify"
	"github.com/fileloader-io/fileloader/internal/reader"
	"github.com/fileloader-io/fileloader/internal/storage"
)

// Scheduler discovers files in the watch directory and loads them through
// a bounded worker pool. One bad file never stops its siblings.
type Scheduler struct {
	pipeline *Pipeline
	notifier *notify.Notifier
	dir      string
	workers  int
	logger   *slog.Logger
}

// NewScheduler wires a scheduler over a pipeline.
func NewScheduler(p *Pipeline, notifier *notify.Notifier, dir string, workers int, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}

	return &Scheduler{
		pipeline: p,
		notifier: notifier,
		dir:      dir,
		workers:  workers,
		logger:   logger,
	}
}

// Discover lists the loadable files in the watch directory: regular files
// with a supported extension. Hidden files and in-flight transfer suffixes
// are skipped. The order is deterministic.
func (s *Scheduler) Discover() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read watch directory %q: %w", s.dir, err)
	}

	var paths []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		lower := strings.ToLower(name)

		if strings.HasPrefix(name, ".") ||
			strings.HasSuffix(lower, ".tmp") ||
			strings.HasSuffix(lower, ".part") ||
			strings.HasSuffix(lower, ".filepart") {
			continue
		}

		if !reader.Supported(name) {
			s.logger.Warn("Ignoring file with unsupported extension", "filename", name)

			continue
		}

		paths = append(paths, filepath.Join(s.dir, name))
	}

	sort.Strings(paths)

	return paths, nil
}

// Run loads every discovered file and posts the run summary. The returned
// results are in completion order. Only context cancellation aborts a run
// early; per-file failures are carried in the results.
func (s *Scheduler) Run(ctx context.Context) ([]Result, error) {
	paths, err := s.Discover()
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, nil
	}

	s.logger.Info("Starting load run", "files", len(paths), "workers", s.workers)

	var (
		mu      sync.Mutex
		results []Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			result := s.pipeline.ProcessFile(gctx, path)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("load run aborted: %w", err)
	}

	s.summarize(ctx, results)

	return results, nil
}

// summarize posts the end-of-run digest to the internal channel.
func (s *Scheduler) summarize(ctx context.Context, results []Result) {
	var succeeded, failed, skipped int

	var failures []string

	for _, r := range results {
		switch r.Status {
		case storage.StatusSuccess:
			succeeded++
		case storage.StatusSkipped:
			skipped++
		default:
			failed++

			failures = append(failures, fmt.Sprintf("- %s: %v", r.Filename, r.Err))
		}
	}

	s.logger.Info("Load run complete",
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped)

	if s.notifier == nil {
		return
	}

	text := fmt.Sprintf("Load run complete: %d loaded, %d failed, %d duplicates skipped.",
		succeeded, failed, skipped)

	if len(failures) > 0 {
		sort.Strings(failures)
		text += "\n" + strings.Join(failures, "\n")
	}

	s.notifier.RunSummary(ctx, text)
}
