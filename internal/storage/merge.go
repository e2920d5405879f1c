package storage

import (
	"context"
	"fmt"

	"github.com/fileloader-io/fileloader/internal/source"
)

// MergeResult reports what the stage-to-target merge did.
type MergeResult struct {
	Inserted int64
	Updated  int64
}

// Merge publishes the stage table into the target, keyed by the grain.
// New grains insert, changed rows (by row hash) update, unchanged rows are
// left alone. The counters are computed before the merge because none of
// the engines report insert and update counts separately.
func (db *DB) Merge(ctx context.Context, src *source.Source, stage string) (MergeResult, error) {
	d := db.dialect

	grainJoin := grainCondition(d, src.Grain)

	existingStmt := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s AS s WHERE EXISTS (SELECT 1 FROM %s AS t WHERE %s)",
		d.Quote(stage), d.Quote(src.Table), grainJoin)

	changedStmt := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s AS s JOIN %s AS t ON %s WHERE t.%s <> s.%s",
		d.Quote(stage), d.Quote(src.Table), grainJoin,
		d.Quote(ColRowHash), d.Quote(ColRowHash))

	stagedStmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", d.Quote(stage))

	var staged, existing, changed int64

	if err := db.QueryRowScan(ctx, stagedStmt, nil, &staged); err != nil {
		return MergeResult{}, fmt.Errorf("failed to count staged rows: %w", err)
	}

	if err := db.QueryRowScan(ctx, existingStmt, nil, &existing); err != nil {
		return MergeResult{}, fmt.Errorf("failed to count existing rows: %w", err)
	}

	if err := db.QueryRowScan(ctx, changedStmt, nil, &changed); err != nil {
		return MergeResult{}, fmt.Errorf("failed to count changed rows: %w", err)
	}

	fields := src.Model.Fields()
	cols := make([]string, 0, len(fields)+3)

	for i := range fields {
		cols = append(cols, fields[i].Name)
	}

	// Provenance travels with the data: merged rows point at the file and
	// the load that last touched them.
	cols = append(cols, ColSourceFilename, ColLoadLogID, ColFileRowNumber)

	stmt := d.MergeStatement(src.Table, stage, cols, src.Grain)
	if _, err := db.Exec(ctx, stmt); err != nil {
		return MergeResult{}, fmt.Errorf("failed to merge %q into %q: %w", stage, src.Table, err)
	}

	return MergeResult{Inserted: staged - existing, Updated: changed}, nil
}
