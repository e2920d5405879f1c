package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/fileloader-io/fileloader/internal/schema"
	"github.com/fileloader-io/fileloader/internal/source"
)

// Stage is the per-file staging table. Every validated row lands here
// first; the target table is only touched by the merge after the audits
// pass. Inserts are buffered into multi-row batches.
type Stage struct {
	db       *DB
	src      *source.Source
	name     string
	filename string
	logID    int64
	columns  []string
	batch    int

	args    []any
	pending int
	rows    int64
}

// StageName derives the staging table name from the file name: prefixed,
// sanitized to a legal identifier and clamped to the engine's limit.
func StageName(d Dialect, filename string) string {
	var sb strings.Builder

	sb.WriteString("stage_")

	for _, r := range strings.ToLower(filename) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}

	return truncateIdent(sb.String(), d.IdentMaxLen())
}

// NewStage drops any leftover stage table from a crashed run and creates a
// fresh one: the declared columns, all nullable, plus the source file name,
// the load log id, the file row number and the row hash.
func NewStage(ctx context.Context, db *DB, src *source.Source, filename string, logID int64, batchSize int) (*Stage, error) {
	d := db.dialect
	name := StageName(d, filename)

	if _, err := db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(name))); err != nil {
		return nil, fmt.Errorf("failed to drop stale stage table %q: %w", name, err)
	}

	fields := src.Model.Fields()
	cols := make([]string, 0, len(fields)+4)
	names := make([]string, 0, len(fields)+4)

	for i := range fields {
		cols = append(cols, fmt.Sprintf("%s %s", d.Quote(fields[i].Name), d.ColumnType(&fields[i])))
		names = append(names, fields[i].Name)
	}

	cols = append(cols,
		fmt.Sprintf("%s %s NOT NULL", d.Quote(ColSourceFilename), d.TextType(512)),
		fmt.Sprintf("%s BIGINT NOT NULL", d.Quote(ColLoadLogID)),
		fmt.Sprintf("%s BIGINT NOT NULL", d.Quote(ColFileRowNumber)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote(ColRowHash), d.TextType(16)))
	names = append(names, ColSourceFilename, ColLoadLogID, ColFileRowNumber, ColRowHash)

	stmt := d.CreateTableStmt(name, strings.Join(cols, ", "))
	if err := db.execDDL(ctx, stmt); err != nil {
		return nil, fmt.Errorf("failed to create stage table %q: %w", name, err)
	}

	batch := d.BatchRows(len(names))
	if batchSize > 0 && batchSize < batch {
		batch = batchSize
	}

	return &Stage{
		db:       db,
		src:      src,
		name:     name,
		filename: filename,
		logID:    logID,
		columns:  names,
		batch:    batch,
	}, nil
}

// Name returns the staging table name.
func (s *Stage) Name() string {
	return s.name
}

// Rows returns the number of rows staged so far, flushed or not.
func (s *Stage) Rows() int64 {
	return s.rows
}

// Add buffers one validated row, flushing when the batch fills.
func (s *Stage) Add(ctx context.Context, rowNumber int, record schema.Record) error {
	fields := s.src.Model.Fields()
	for i := range fields {
		s.args = append(s.args, record[fields[i].Name])
	}

	s.args = append(s.args, s.filename, s.logID, rowNumber, RowHash(fields, record))
	s.pending++
	s.rows++

	if s.pending >= s.batch {
		return s.Flush(ctx)
	}

	return nil
}

// Flush writes the buffered rows in one multi-row INSERT.
func (s *Stage) Flush(ctx context.Context) error {
	if s.pending == 0 {
		return nil
	}

	d := s.db.dialect
	width := len(s.columns)

	values := make([]string, s.pending)

	for row := 0; row < s.pending; row++ {
		ph := make([]string, width)
		for col := 0; col < width; col++ {
			ph[col] = d.Placeholder(row*width + col + 1)
		}

		values[row] = "(" + strings.Join(ph, ", ") + ")"
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		d.Quote(s.name), joinQuoted(d, s.columns), strings.Join(values, ", "))

	if _, err := s.db.Exec(ctx, stmt, s.args...); err != nil {
		return fmt.Errorf("failed to stage batch into %q: %w", s.name, err)
	}

	s.args = s.args[:0]
	s.pending = 0

	return nil
}

// Drop removes the staging table. Safe to call more than once.
func (s *Stage) Drop(ctx context.Context) error {
	d := s.db.dialect

	if _, err := s.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(s.name))); err != nil {
		return fmt.Errorf("failed to drop stage table %q: %w", s.name, err)
	}

	return nil
}
