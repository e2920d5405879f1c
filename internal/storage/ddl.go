package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/fileloader-io/fileloader/internal/source"
)

// Control table names and the bookkeeping columns added to every target
// and stage table.
const (
	TableLoadLog = "file_load_log"
	TableDLQ     = "file_load_dlq"

	ColSurrogateID    = "etl_id"
	ColRowHash        = "etl_row_hash"
	ColCreatedAt      = "etl_created_at"
	ColUpdatedAt      = "etl_updated_at"
	ColFileRowNumber  = "file_row_number"
	ColLoadLogID      = "file_load_log_id"
	ColSourceFilename = "source_filename"
)

// mysqlDuplicateKeyName is raised when an index already exists; MySQL has
// no IF NOT EXISTS for CREATE INDEX.
const mysqlDuplicateKeyName = 1061

// EnsureControlTables creates the load log and dead-letter queue tables.
// All DDL is idempotent so every startup runs it unconditionally.
func (db *DB) EnsureControlTables(ctx context.Context) error {
	d := db.dialect

	logBody := strings.Join([]string{
		d.AutoIncrementPK("id"),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("run_id"), d.TextType(36)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("source_name"), d.TextType(255)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("source_filename"), d.TextType(512)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("target_table"), d.TextType(255)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("status"), d.TextType(32)),
		fmt.Sprintf("%s %s", d.Quote("error_type"), d.TextType(64)),
		fmt.Sprintf("%s %s", d.Quote("error_message"), d.TextType(0)),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", d.Quote("rows_read")),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", d.Quote("rows_staged")),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", d.Quote("rows_failed")),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", d.Quote("rows_inserted")),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", d.Quote("rows_updated")),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("started_at"), timestampType(d)),
		fmt.Sprintf("%s %s", d.Quote("staged_at"), timestampType(d)),
		fmt.Sprintf("%s %s", d.Quote("audited_at"), timestampType(d)),
		fmt.Sprintf("%s %s", d.Quote("merged_at"), timestampType(d)),
		fmt.Sprintf("%s %s", d.Quote("finished_at"), timestampType(d)),
	}, ", ")

	dlqBody := strings.Join([]string{
		d.AutoIncrementPK("id"),
		fmt.Sprintf("%s BIGINT NOT NULL", d.Quote(ColLoadLogID)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("source_filename"), d.TextType(512)),
		fmt.Sprintf("%s BIGINT NOT NULL", d.Quote(ColFileRowNumber)),
		fmt.Sprintf("%s %s", d.Quote("row_data"), d.TextType(0)),
		fmt.Sprintf("%s %s", d.Quote("errors"), d.TextType(0)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote("created_at"), timestampType(d)),
	}, ", ")

	statements := []string{
		d.CreateTableStmt(TableLoadLog, logBody),
		d.CreateTableStmt(TableDLQ, dlqBody),
		d.CreateIndexStmt("ix_file_load_log_filename", TableLoadLog, d.Quote("source_filename")),
		d.CreateIndexStmt("ix_file_load_dlq_log_id", TableDLQ, d.Quote(ColLoadLogID)),
	}

	for _, stmt := range statements {
		if err := db.execDDL(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create control tables: %w", err)
		}
	}

	return nil
}

// EnsureTargetTables creates every distinct target table declared by the
// registry, with the bookkeeping columns and the unique grain constraint
// the merge depends on.
func (db *DB) EnsureTargetTables(ctx context.Context, sources []*source.Source) error {
	seen := make(map[string]bool, len(sources))

	for _, src := range sources {
		if seen[src.Table] {
			continue
		}

		seen[src.Table] = true

		if err := db.ensureTargetTable(ctx, src); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) ensureTargetTable(ctx context.Context, src *source.Source) error {
	d := db.dialect

	fields := src.Model.Fields()
	cols := make([]string, 0, len(fields)+8)
	// The surrogate key carries the etl_ prefix so declared fields named
	// "id" never collide with it.
	cols = append(cols, d.AutoIncrementPK(ColSurrogateID))

	for i := range fields {
		f := &fields[i]

		null := ""
		if f.Required {
			null = " NOT NULL"
		}

		cols = append(cols, fmt.Sprintf("%s %s%s", d.Quote(f.Name), d.ColumnType(f), null))
	}

	cols = append(cols,
		fmt.Sprintf("%s %s NOT NULL", d.Quote(ColSourceFilename), d.TextType(512)),
		fmt.Sprintf("%s BIGINT NOT NULL", d.Quote(ColLoadLogID)),
		fmt.Sprintf("%s BIGINT NOT NULL", d.Quote(ColFileRowNumber)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote(ColRowHash), d.TextType(16)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote(ColCreatedAt), timestampType(d)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote(ColUpdatedAt), timestampType(d)),
		fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)",
			d.Quote(truncateIdent("ux_"+src.Table+"_grain", d.IdentMaxLen())),
			joinQuoted(d, src.Grain)))

	stmt := d.CreateTableStmt(src.Table, strings.Join(cols, ", "))
	if err := db.execDDL(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create target table %q: %w", src.Table, err)
	}

	// Duplicate detection and per-file purges both probe by file name.
	index := d.CreateIndexStmt(
		truncateIdent("ix_"+src.Table+"_source_filename", d.IdentMaxLen()),
		src.Table, d.Quote(ColSourceFilename))
	if err := db.execDDL(ctx, index); err != nil {
		return fmt.Errorf("failed to index target table %q: %w", src.Table, err)
	}

	return nil
}

// execDDL runs one DDL statement, tolerating MySQL's duplicate-index error.
func (db *DB) execDDL(ctx context.Context, stmt string) error {
	_, err := db.Exec(ctx, stmt)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateKeyName {
			return nil
		}

		return err
	}

	return nil
}

// timestampType is the dialect's timestamp column type, shared by the
// control tables.
func timestampType(d Dialect) string {
	switch d.Name() {
	case "mysql":
		return "DATETIME"
	case "sqlserver":
		return "DATETIME2"
	default:
		return "TIMESTAMP"
	}
}

// truncateIdent clamps an identifier to the engine's length limit.
func truncateIdent(ident string, limit int) string {
	if len(ident) <= limit {
		return ident
	}

	return ident[:limit]
}
