package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// duplicateSampleSize bounds the grain values quoted in the failure message.
const duplicateSampleSize = 5

// GrainDuplicate is one grain value that appears more than once in a stage
// table, reported in audit failure messages.
type GrainDuplicate struct {
	Values []string
	Count  int64
}

// CheckGrainUnique counts surplus rows per grain in the stage table and
// samples the offending grain values. Zero surplus means the gate passes.
func (db *DB) CheckGrainUnique(ctx context.Context, stage string, grain []string) (int64, []GrainDuplicate, error) {
	d := db.dialect
	grainList := joinQuoted(d, grain)

	countStmt := fmt.Sprintf(
		"SELECT COALESCE(SUM(cnt - 1), 0) FROM "+
			"(SELECT COUNT(*) AS cnt FROM %s GROUP BY %s HAVING COUNT(*) > 1) AS dup",
		d.Quote(stage), grainList)

	var surplus int64
	if err := db.QueryRowScan(ctx, countStmt, nil, &surplus); err != nil {
		return 0, nil, fmt.Errorf("failed to check grain uniqueness on %q: %w", stage, err)
	}

	if surplus == 0 {
		return 0, nil, nil
	}

	sampleStmt := fmt.Sprintf(
		"SELECT %s, COUNT(*) FROM %s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC",
		grainList, d.Quote(stage), grainList)
	sampleStmt = limitRows(d, sampleStmt, duplicateSampleSize)

	rows, cancel, err := db.Query(ctx, sampleStmt)
	if err != nil {
		return surplus, nil, fmt.Errorf("failed to sample grain duplicates on %q: %w", stage, err)
	}

	defer cancel()
	defer rows.Close() //nolint:errcheck

	var samples []GrainDuplicate

	for rows.Next() {
		dest := make([]any, len(grain)+1)
		for i := range dest {
			dest[i] = new(sql.NullString)
		}

		var count int64

		dest[len(grain)] = &count

		if err := rows.Scan(dest...); err != nil {
			return surplus, nil, fmt.Errorf("failed to scan grain duplicate sample: %w", err)
		}

		values := make([]string, len(grain))

		for i := 0; i < len(grain); i++ {
			ns, _ := dest[i].(*sql.NullString)
			values[i] = ns.String
		}

		samples = append(samples, GrainDuplicate{Values: values, Count: count})
	}

	if err := rows.Err(); err != nil {
		return surplus, nil, fmt.Errorf("failed to read grain duplicate samples: %w", err)
	}

	return surplus, samples, nil
}

// RunAuditQuery executes the source's audit query against the stage table.
// The query's {table} placeholder is substituted with the stage name, and
// the single returned row must hold only truthy values; the names of the
// failing columns are returned otherwise.
func (db *DB) RunAuditQuery(ctx context.Context, query, stage string) ([]string, error) {
	stmt := strings.ReplaceAll(query, "{table}", db.dialect.Quote(stage))

	rows, cancel, err := db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to run audit query: %w", err)
	}

	defer cancel()
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit query columns: %w", err)
	}

	if !rows.Next() {
		return nil, fmt.Errorf("audit query returned no rows")
	}

	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(any)
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan audit query result: %w", err)
	}

	var failed []string

	for i, col := range cols {
		value, _ := dest[i].(*any)
		if !truthy(*value) {
			failed = append(failed, col)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit query result: %w", err)
	}

	return failed, nil
}

// truthy interprets an audit column: each audit expression must evaluate
// to 1 (or true) for the audit to pass.
func truthy(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case int64:
		return value == 1
	case float64:
		return value == 1
	case []byte:
		return truthyString(string(value))
	case string:
		return truthyString(value)
	default:
		return false
	}
}

func truthyString(s string) bool {
	if strings.EqualFold(s, "true") {
		return true
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)

	return err == nil && n == 1
}

// limitRows appends the dialect's row limit clause.
func limitRows(d Dialect, stmt string, n int) string {
	if d.Name() == "sqlserver" {
		return strings.Replace(stmt, "SELECT ", fmt.Sprintf("SELECT TOP %d ", n), 1)
	}

	return fmt.Sprintf("%s LIMIT %d", stmt, n)
}
