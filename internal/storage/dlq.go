package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fileloader-io/fileloader/internal/schema"
)

// dlqColumns is the number of bound parameters per dead-letter row.
const dlqColumns = 5

// sqlserverTextCap clamps DLQ payloads so legacy NVARCHAR(4000) schemas
// keep accepting them.
const sqlserverTextCap = 4000

// DLQWriter buffers rejected rows for one file load and writes them to the
// dead-letter queue in batches. Row data and errors are stored as JSON text
// so downstream consumers can reprocess them.
type DLQWriter struct {
	db       *DB
	logID    int64
	filename string
	batch    int

	args    []any
	pending int
	rows    int64
}

// NewDLQWriter creates a writer bound to one load log entry. Rejects flush
// in batches of the same configured size as staging, capped by the
// engine's bind parameter budget.
func NewDLQWriter(db *DB, logID int64, filename string, batchSize int) *DLQWriter {
	batch := db.dialect.BatchRows(dlqColumns)
	if batchSize > 0 && batchSize < batch {
		batch = batchSize
	}

	return &DLQWriter{db: db, logID: logID, filename: filename, batch: batch}
}

// Rows returns the number of rejected rows recorded so far.
func (w *DLQWriter) Rows() int64 {
	return w.rows
}

// Add buffers one rejected row with its validation errors.
func (w *DLQWriter) Add(ctx context.Context, rowNumber int, raw map[string]any, errs []schema.FieldError) error {
	rowJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode rejected row %d: %w", rowNumber, err)
	}

	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to encode row errors for row %d: %w", rowNumber, err)
	}

	rowData := string(rowJSON)
	errData := string(errsJSON)

	if w.db.dialect.Name() == "sqlserver" {
		rowData = clampText(rowData, sqlserverTextCap)
		errData = clampText(errData, sqlserverTextCap)
	}

	w.args = append(w.args, w.logID, w.filename, rowNumber, rowData, errData)
	w.pending++
	w.rows++

	if w.pending >= w.batch {
		return w.Flush(ctx)
	}

	return nil
}

// Flush writes the buffered rejects in one multi-row INSERT.
func (w *DLQWriter) Flush(ctx context.Context) error {
	if w.pending == 0 {
		return nil
	}

	d := w.db.dialect
	cols := []string{ColLoadLogID, "source_filename", ColFileRowNumber, "row_data", "errors"}
	width := len(cols)

	values := make([]string, w.pending)

	for row := 0; row < w.pending; row++ {
		ph := make([]string, width)
		for col := 0; col < width; col++ {
			ph[col] = d.Placeholder(row*width + col + 1)
		}

		values[row] = fmt.Sprintf("(%s, %s)", strings.Join(ph, ", "), d.CurrentTimestamp())
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES %s",
		d.Quote(TableDLQ), joinQuoted(d, cols), d.Quote("created_at"), strings.Join(values, ", "))

	if _, err := w.db.Exec(ctx, stmt, w.args...); err != nil {
		return fmt.Errorf("failed to write dead-letter rows: %w", err)
	}

	w.args = w.args[:0]
	w.pending = 0

	return nil
}

// dlqDeleteBatch bounds each DELETE during cleanup so a large backlog of
// superseded rejects does not hold row locks for the whole sweep.
const dlqDeleteBatch = 1000

// CleanupReprocessed deletes DLQ rows left by earlier loads of the same
// file name. A corrected file supersedes the old rejects, which would
// otherwise be double-reported. Deletion runs in bounded batches.
func (db *DB) CleanupReprocessed(ctx context.Context, filename string, currentLogID int64) (int64, error) {
	d := db.dialect

	where := fmt.Sprintf("%s = %s AND %s <> %s",
		d.Quote("source_filename"), d.Placeholder(1),
		d.Quote(ColLoadLogID), d.Placeholder(2))

	var stmt string

	switch d.Name() {
	case "sqlserver":
		stmt = fmt.Sprintf("DELETE TOP (%d) FROM %s WHERE %s",
			dlqDeleteBatch, d.Quote(TableDLQ), where)
	case "mysql":
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s LIMIT %d",
			d.Quote(TableDLQ), where, dlqDeleteBatch)
	default:
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s LIMIT %d)",
			d.Quote(TableDLQ), d.Quote("id"),
			d.Quote("id"), d.Quote(TableDLQ), where, dlqDeleteBatch)
	}

	var total int64

	for {
		result, err := db.Exec(ctx, stmt, filename, currentLogID)
		if err != nil {
			return total, fmt.Errorf("failed to clean up reprocessed dead-letter rows: %w", err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return total, nil //nolint:nilerr // drivers without RowsAffected still deleted
		}

		total += deleted

		if deleted < dlqDeleteBatch {
			return total, nil
		}
	}
}

// clampText truncates on a rune boundary.
func clampText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit])
}
