package storage

import (
	"context"
	"fmt"
	"strings"
)

// LoadStatus is the lifecycle state persisted in the load log.
type LoadStatus string

// Load log statuses.
const (
	StatusRunning LoadStatus = "running"
	StatusSuccess LoadStatus = "success"
	StatusFailed  LoadStatus = "failed"
	StatusSkipped LoadStatus = "skipped_duplicate"
)

// BeginLoad records a new file load in the running state and returns its
// log id. The id threads through the DLQ rows written for this load.
func (db *DB) BeginLoad(ctx context.Context, runID, sourceName, filename, table string) (int64, error) {
	d := db.dialect

	cols := []string{"run_id", "source_name", "source_filename", "target_table", "status", "started_at"}
	args := []any{runID, sourceName, filename, table, string(StatusRunning)}

	ph := make([]string, len(args))
	for i := range args {
		ph[i] = d.Placeholder(i + 1)
	}

	valueList := fmt.Sprintf("%s, %s", strings.Join(ph, ", "), d.CurrentTimestamp())

	switch d.Name() {
	case "postgres":
		var id int64

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			d.Quote(TableLoadLog), joinQuoted(d, cols), valueList, d.Quote("id"))
		if err := db.QueryRowScan(ctx, stmt, args, &id); err != nil {
			return 0, fmt.Errorf("failed to record load start: %w", err)
		}

		return id, nil
	case "sqlserver":
		var id int64

		stmt := fmt.Sprintf("INSERT INTO %s (%s) OUTPUT INSERTED.%s VALUES (%s)",
			d.Quote(TableLoadLog), joinQuoted(d, cols), d.Quote("id"), valueList)
		if err := db.QueryRowScan(ctx, stmt, args, &id); err != nil {
			return 0, fmt.Errorf("failed to record load start: %w", err)
		}

		return id, nil
	default:
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			d.Quote(TableLoadLog), joinQuoted(d, cols), valueList)

		result, err := db.Exec(ctx, stmt, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to record load start: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read load log id: %w", err)
		}

		return id, nil
	}
}

// MarkStaged stamps the end of the staging phase with its row counters.
func (db *DB) MarkStaged(ctx context.Context, logID, rowsRead, rowsStaged, rowsFailed int64) error {
	d := db.dialect

	stmt := fmt.Sprintf(
		"UPDATE %s SET %s = %s, %s = %s, %s = %s, %s = %s, %s = %s WHERE %s = %s",
		d.Quote(TableLoadLog),
		d.Quote("rows_read"), d.Placeholder(1),
		d.Quote("rows_staged"), d.Placeholder(2),
		d.Quote("rows_failed"), d.Placeholder(3),
		d.Quote("staged_at"), d.CurrentTimestamp(),
		d.Quote("status"), d.Placeholder(4),
		d.Quote("id"), d.Placeholder(5))

	if _, err := db.Exec(ctx, stmt, rowsRead, rowsStaged, rowsFailed, string(StatusRunning), logID); err != nil {
		return fmt.Errorf("failed to record staging phase: %w", err)
	}

	return nil
}

// MarkAudited stamps the end of the audit phase.
func (db *DB) MarkAudited(ctx context.Context, logID int64) error {
	d := db.dialect

	stmt := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		d.Quote(TableLoadLog),
		d.Quote("audited_at"), d.CurrentTimestamp(),
		d.Quote("id"), d.Placeholder(1))

	if _, err := db.Exec(ctx, stmt, logID); err != nil {
		return fmt.Errorf("failed to record audit phase: %w", err)
	}

	return nil
}

// MarkMerged stamps the end of the merge phase with its counters.
func (db *DB) MarkMerged(ctx context.Context, logID, inserted, updated int64) error {
	d := db.dialect

	stmt := fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s, %s = %s WHERE %s = %s",
		d.Quote(TableLoadLog),
		d.Quote("rows_inserted"), d.Placeholder(1),
		d.Quote("rows_updated"), d.Placeholder(2),
		d.Quote("merged_at"), d.CurrentTimestamp(),
		d.Quote("id"), d.Placeholder(3))

	if _, err := db.Exec(ctx, stmt, inserted, updated, logID); err != nil {
		return fmt.Errorf("failed to record merge phase: %w", err)
	}

	return nil
}

// FinishLoad records the terminal status. errorType and errorMessage are
// empty for successful loads.
func (db *DB) FinishLoad(ctx context.Context, logID int64, status LoadStatus, errorType, errorMessage string) error {
	d := db.dialect

	stmt := fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s, %s = %s, %s = %s WHERE %s = %s",
		d.Quote(TableLoadLog),
		d.Quote("status"), d.Placeholder(1),
		d.Quote("error_type"), d.Placeholder(2),
		d.Quote("error_message"), d.Placeholder(3),
		d.Quote("finished_at"), d.CurrentTimestamp(),
		d.Quote("id"), d.Placeholder(4))

	if _, err := db.Exec(ctx, stmt, string(status), nullIfEmpty(errorType), nullIfEmpty(errorMessage), logID); err != nil {
		return fmt.Errorf("failed to record load finish: %w", err)
	}

	return nil
}

// WasLoaded reports whether the target table already holds rows from this
// file name. Duplicate arrivals are skipped and moved aside instead of
// re-merged. The probe goes to the target, not the load log: data survives
// log trimming, and per-file purges of the target reopen the name.
func (db *DB) WasLoaded(ctx context.Context, table, filename string) (bool, error) {
	d := db.dialect

	stmt := fmt.Sprintf(
		"SELECT CASE WHEN EXISTS (SELECT 1 FROM %s WHERE %s = %s) THEN 1 ELSE 0 END",
		d.Quote(table), d.Quote(ColSourceFilename), d.Placeholder(1))

	var exists int64
	if err := db.QueryRowScan(ctx, stmt, []any{filename}, &exists); err != nil {
		return false, fmt.Errorf("failed to check prior loads of %q: %w", filename, err)
	}

	return exists == 1, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}

	return s
}
