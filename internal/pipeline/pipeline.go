// Package pipeline drives the per-file load: stage everything, audit the
// staged rows, and only then publish them into the target table. A file
// either merges completely or leaves the target untouched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fileloader-io/fileloader/internal/fault"
	"github.com/fileloader-io/fileloader/internal/notify"
	"github.com/fileloader-io/fileloader/internal/reader"
	"github.com/fileloader-io/fileloader/internal/schema"
	"github.com/fileloader-io/fileloader/internal/source"
	"github.com/fileloader-io/fileloader/internal/storage"
	"github.com/fileloader-io/fileloader/internal/telemetry"
)

// errSurplusColumns is the DLQ error type for structurally broken rows.
const errSurplusColumns = "surplus_columns"

// dbFault classifies a storage-layer error. A shutdown surfaces from the
// driver as context.Canceled; it finalizes the load as cancelled instead
// of raising a database alert.
func dbFault(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, err)
	}

	return fault.Wrap(fault.KindDBFatal, err)
}

// Options carries the pipeline's runtime knobs.
type Options struct {
	ArchivePath    string
	DuplicatesPath string
	BatchSize      int
}

// Pipeline loads files one at a time. It is safe for concurrent use; each
// ProcessFile call is independent.
type Pipeline struct {
	db       *storage.DB
	registry *source.Registry
	notifier *notify.Notifier
	emitter  *telemetry.Emitter
	opts     Options
	logger   *slog.Logger
}

// New wires a pipeline.
func New(db *storage.DB, registry *source.Registry, notifier *notify.Notifier,
	emitter *telemetry.Emitter, opts Options, logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		db:       db,
		registry: registry,
		notifier: notifier,
		emitter:  emitter,
		opts:     opts,
		logger:   logger,
	}
}

// Result is the outcome of one file load.
type Result struct {
	RunID      string
	Filename   string
	SourceName string
	Table      string
	Status     storage.LoadStatus
	Err        error

	RowsRead     int64
	RowsStaged   int64
	RowsFailed   int64
	RowsInserted int64
	RowsUpdated  int64

	Started  time.Time
	Finished time.Time
}

// ProcessFile runs the full load for one file. The returned Result always
// describes what happened; Err is set for failed and skipped loads.
// Failures never propagate as panics: a panicking reader or driver is
// turned into an internal error so sibling files keep loading.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (result Result) {
	runID := uuid.NewString()
	filename := filepath.Base(path)

	result = Result{
		RunID:    runID,
		Filename: filename,
		Started:  time.Now(),
		Status:   storage.StatusFailed,
	}

	logger := p.logger.With("run_id", runID, "filename", filename)

	defer func() {
		if r := recover(); r != nil {
			result.Err = fault.New(fault.KindInternal, "panic while loading %s: %v", filename, r)
			result.Status = storage.StatusFailed

			logger.Error("Recovered from panic during file load", "panic", r)
		}

		result.Finished = time.Now()
		p.report(ctx, logger, &result)
	}()

	src, err := p.registry.Match(filename)
	if err != nil {
		result.Err = fault.Wrap(fault.KindUnsupportedFormat, err)

		return result
	}

	result.SourceName = src.Name
	result.Table = src.Table
	logger = logger.With("source", src.Name, "table", src.Table)

	logger.Info("Starting file load")

	result.Err = p.load(ctx, logger, src, path, &result)
	if result.Err == nil {
		result.Status = storage.StatusSuccess
	}

	return result
}

// load is the state machine proper. It updates result's counters in place
// and returns the terminal error, if any.
func (p *Pipeline) load(ctx context.Context, logger *slog.Logger, src *source.Source, path string, result *Result) error {
	filename := result.Filename

	// A file name whose rows already live in the target is a duplicate
	// delivery: move it aside, never re-merge it.
	loaded, err := p.db.WasLoaded(ctx, src.Table, filename)
	if err != nil {
		return dbFault(err)
	}

	if loaded {
		movedTo, moveErr := moveAside(path, p.opts.DuplicatesPath, time.Now())
		if moveErr != nil {
			return fault.Wrap(fault.KindInternal, moveErr)
		}

		result.Status = storage.StatusSkipped

		logger.Warn("Skipping duplicate file", "moved_to", movedTo)

		logID, logErr := p.db.BeginLoad(ctx, result.RunID, src.Name, filename, src.Table)
		if logErr == nil {
			_ = p.db.FinishLoad(ctx, logID, storage.StatusSkipped,
				string(fault.KindDuplicateFile), "file name was already loaded successfully")
		}

		return fault.New(fault.KindDuplicateFile,
			"file %s was already loaded successfully; moved to %s", filename, movedTo)
	}

	// The archive copy happens before the first row is read so any load
	// can be replayed from the archive.
	if err := copyFile(path, p.opts.ArchivePath); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}

	logID, err := p.db.BeginLoad(ctx, result.RunID, src.Name, filename, src.Table)
	if err != nil {
		return dbFault(err)
	}

	err = p.stageAndPublish(ctx, logger, src, path, logID, result)
	if err != nil {
		kind := fault.KindOf(err)
		_ = p.db.FinishLoad(ctx, logID, storage.StatusFailed, string(kind), clampMessage(err.Error()))

		return err
	}

	if err := p.db.FinishLoad(ctx, logID, storage.StatusSuccess, "", ""); err != nil {
		return dbFault(err)
	}

	// The watched copy goes away only after the load committed.
	if err := os.Remove(path); err != nil {
		logger.Warn("Failed to remove loaded file from watch directory", "error", err)
	}

	return nil
}

// stageAndPublish covers the phases between BeginLoad and FinishLoad:
// stream-validate-stage, audit, merge, clean up.
func (p *Pipeline) stageAndPublish(ctx context.Context, logger *slog.Logger, src *source.Source, path string, logID int64, result *Result) error {
	r, err := reader.New(path, src)
	if err != nil {
		return err
	}
	defer r.Close() //nolint:errcheck

	if err := r.Open(); err != nil {
		return err
	}

	stage, err := storage.NewStage(ctx, p.db, src, result.Filename, logID, p.opts.BatchSize)
	if err != nil {
		return dbFault(err)
	}

	// Best-effort drop on every exit; the happy path drops explicitly.
	defer func() {
		dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		_ = stage.Drop(dropCtx)
	}()

	dlq := storage.NewDLQWriter(p.db, logID, result.Filename, p.opts.BatchSize)

	if err := p.stream(ctx, r, src, stage, dlq, result); err != nil {
		return err
	}

	if err := stage.Flush(ctx); err != nil {
		return dbFault(err)
	}

	if err := dlq.Flush(ctx); err != nil {
		return dbFault(err)
	}

	result.RowsStaged = stage.Rows()
	result.RowsFailed = dlq.Rows()

	if err := p.db.MarkStaged(ctx, logID, result.RowsRead, result.RowsStaged, result.RowsFailed); err != nil {
		return dbFault(err)
	}

	if result.RowsRead > 0 {
		ratio := float64(result.RowsFailed) / float64(result.RowsRead)
		if ratio > src.Threshold {
			return fault.New(fault.KindThresholdExceeded,
				"%d of %d rows (%.1f%%) failed validation, threshold is %.1f%%",
				result.RowsFailed, result.RowsRead, ratio*100, src.Threshold*100)
		}
	}

	logger.Info("Staged file",
		"rows_read", result.RowsRead,
		"rows_staged", result.RowsStaged,
		"rows_failed", result.RowsFailed)

	if err := p.audit(ctx, src, stage); err != nil {
		return err
	}

	if err := p.db.MarkAudited(ctx, logID); err != nil {
		return dbFault(err)
	}

	// Nothing staged means nothing to publish; still a successful load.
	if result.RowsStaged > 0 {
		merged, err := p.db.Merge(ctx, src, stage.Name())
		if err != nil {
			return dbFault(err)
		}

		result.RowsInserted = merged.Inserted
		result.RowsUpdated = merged.Updated
	}

	if err := p.db.MarkMerged(ctx, logID, result.RowsInserted, result.RowsUpdated); err != nil {
		return dbFault(err)
	}

	// A corrected redelivery supersedes the old rejects for this name.
	deleted, err := p.db.CleanupReprocessed(ctx, result.Filename, logID)
	if err != nil {
		return dbFault(err)
	}

	if deleted > 0 {
		logger.Info("Removed superseded dead-letter rows", "deleted", deleted)
	}

	if err := stage.Drop(ctx); err != nil {
		return dbFault(err)
	}

	logger.Info("Published file",
		"rows_inserted", result.RowsInserted,
		"rows_updated", result.RowsUpdated)

	return nil
}

// stream validates every row and routes it to the stage or the DLQ.
func (p *Pipeline) stream(ctx context.Context, r reader.Reader, src *source.Source,
	stage *storage.Stage, dlq *storage.DLQWriter, result *Result,
) error {
	for {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, err)
		}

		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}

		result.RowsRead++

		if row.Malformed != nil {
			addErr := dlq.Add(ctx, row.Number, row.Fields, []schema.FieldError{{
				ErrorType: errSurplusColumns,
				ErrorMsg:  row.Malformed.Error(),
			}})
			if addErr != nil {
				return dbFault(addErr)
			}

			continue
		}

		record, fieldErrs := src.Model.Validate(row.Fields)
		if len(fieldErrs) > 0 {
			if err := dlq.Add(ctx, row.Number, row.Fields, fieldErrs); err != nil {
				return dbFault(err)
			}

			continue
		}

		if err := stage.Add(ctx, row.Number, record); err != nil {
			return dbFault(err)
		}
	}
}

// audit runs the grain gate and the source's optional audit query against
// the stage table.
func (p *Pipeline) audit(ctx context.Context, src *source.Source, stage *storage.Stage) error {
	surplus, samples, err := p.db.CheckGrainUnique(ctx, stage.Name(), src.Grain)
	if err != nil {
		return dbFault(err)
	}

	if surplus > 0 {
		return fault.New(fault.KindGrainDuplicates,
			"%d rows repeat a grain value (%s); examples: %s",
			surplus, strings.Join(src.Grain, ", "), formatSamples(samples))
	}

	if src.AuditQuery == "" {
		return nil
	}

	failed, err := p.db.RunAuditQuery(ctx, src.AuditQuery, stage.Name())
	if err != nil {
		return dbFault(err)
	}

	if len(failed) > 0 {
		return fault.New(fault.KindAuditFailed,
			"audit checks failed: %s", strings.Join(failed, ", "))
	}

	return nil
}

// report finishes a result: structured log, notification routing and the
// telemetry event.
func (p *Pipeline) report(ctx context.Context, logger *slog.Logger, result *Result) {
	duration := result.Finished.Sub(result.Started)

	switch {
	case result.Err == nil:
		logger.Info("File load succeeded",
			"rows_inserted", result.RowsInserted,
			"rows_updated", result.RowsUpdated,
			"duration", duration.String())
	case result.Status == storage.StatusSkipped:
		// Already logged at the move; notify the file owner.
		p.notifyFailure(ctx, result)
	default:
		logger.Error("File load failed",
			"error_type", string(fault.KindOf(result.Err)),
			"error", result.Err,
			"duration", duration.String())
		p.notifyFailure(ctx, result)
	}

	p.emitter.Emit(ctx, telemetry.LoadEvent{
		RunID:          result.RunID,
		SourceName:     result.SourceName,
		SourceFilename: result.Filename,
		TargetTable:    result.Table,
		Status:         string(result.Status),
		ErrorType:      errorType(result.Err),
		RowsRead:       result.RowsRead,
		RowsStaged:     result.RowsStaged,
		RowsFailed:     result.RowsFailed,
		RowsInserted:   result.RowsInserted,
		RowsUpdated:    result.RowsUpdated,
		Duration:       duration.String(),
		FinishedAt:     result.Finished,
	})
}

func (p *Pipeline) notifyFailure(ctx context.Context, result *Result) {
	if result.Err == nil || p.notifier == nil {
		return
	}

	// Shutdown is not an alert.
	if fault.KindOf(result.Err) == fault.KindCancelled {
		return
	}

	kind := string(fault.KindOf(result.Err))

	if fault.IsFileProblem(result.Err) {
		recipients := p.recipientsFor(result.SourceName)
		p.notifier.FileProblem(ctx, recipients, result.Filename, kind, result.Err.Error())

		return
	}

	p.notifier.Internal(ctx,
		fmt.Sprintf("File load failed: %s", result.Filename),
		fmt.Sprintf("error_type: %s\n%s", kind, result.Err.Error()))
}

func (p *Pipeline) recipientsFor(sourceName string) []string {
	for _, src := range p.registry.Sources() {
		if src.Name == sourceName {
			return src.Notify
		}
	}

	return nil
}

// formatSamples renders grain duplicate examples for the failure message
// and the business notification.
func formatSamples(samples []storage.GrainDuplicate) string {
	parts := make([]string, len(samples))
	for i, s := range samples {
		parts[i] = fmt.Sprintf("(%s) x%d", strings.Join(s.Values, ", "), s.Count)
	}

	return strings.Join(parts, "; ")
}

func errorType(err error) string {
	if err == nil {
		return ""
	}

	return string(fault.KindOf(err))
}

// clampMessage keeps pathological error chains out of the log table.
func clampMessage(msg string) string {
	const limit = 2000
	if len(msg) <= limit {
		return msg
	}

	return msg[:limit]
}
