package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileloader-io/fileloader/internal/schema"
	"github.com/fileloader-io/fileloader/internal/source"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	url := "sqlite://" + filepath.Join(t.TempDir(), "loader.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := Connect(context.Background(), url, 30*time.Second, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func ordersSource(t *testing.T) *source.Source {
	t.Helper()

	model, err := schema.NewRowModel([]schema.Field{
		{Name: "order_id", Type: schema.TypeInt, Required: true},
		{Name: "amount", Type: schema.TypeFloat},
		{Name: "note", Type: schema.TypeString},
	})
	require.NoError(t, err)

	s := &source.Source{
		Name:        "orders",
		Format:      source.FormatCSV,
		FilePattern: "orders_*.csv",
		Table:       "orders",
		Grain:       []string{"order_id"},
		Model:       model,
	}
	require.NoError(t, s.Validate())

	return s
}

func setup(t *testing.T) (*DB, *source.Source) {
	t.Helper()

	db := newTestDB(t)
	src := ordersSource(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureControlTables(ctx))
	require.NoError(t, db.EnsureTargetTables(ctx, []*source.Source{src}))

	return db, src
}

func stageRows(t *testing.T, db *DB, src *source.Source, filename string, records []schema.Record) *Stage {
	t.Helper()

	ctx := context.Background()

	stage, err := NewStage(ctx, db, src, filename, 1, 2)
	require.NoError(t, err)

	for i, rec := range records {
		require.NoError(t, stage.Add(ctx, i+1, rec))
	}

	require.NoError(t, stage.Flush(ctx))

	return stage
}

func countRows(t *testing.T, db *DB, table string) int64 {
	t.Helper()

	var n int64

	err := db.QueryRowScan(context.Background(),
		fmt.Sprintf("SELECT COUNT(*) FROM %q", table), nil, &n)
	require.NoError(t, err)

	return n
}

func TestEnsureTablesIsIdempotent(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureControlTables(ctx))
	require.NoError(t, db.EnsureTargetTables(ctx, []*source.Source{src}))
}

func TestTargetTableCarriesFileProvenance(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	for _, col := range []string{ColSourceFilename, ColLoadLogID, ColFileRowNumber, ColRowHash} {
		var n int64
		require.NoError(t, db.QueryRowScan(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info(%q) WHERE name = ?", src.Table),
			[]any{col}, &n))
		assert.Equal(t, int64(1), n, "column %s", col)
	}
}

func TestEnsureTargetTablesAllowsIDField(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	model, err := schema.NewRowModel([]schema.Field{
		{Name: "id", Type: schema.TypeInt, Required: true},
		{Name: "name", Type: schema.TypeString},
	})
	require.NoError(t, err)

	src := &source.Source{
		Name:        "widgets",
		Format:      source.FormatCSV,
		FilePattern: "widgets_*.csv",
		Table:       "widgets",
		Grain:       []string{"id"},
		Model:       model,
	}
	require.NoError(t, src.Validate())

	require.NoError(t, db.EnsureControlTables(ctx))
	require.NoError(t, db.EnsureTargetTables(ctx, []*source.Source{src}))

	stage := stageRows(t, db, src, "widgets_1.csv", []schema.Record{
		{"id": int64(1), "name": "sprocket"},
	})

	result, err := db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	require.NoError(t, stage.Drop(ctx))
}

func TestLoadLogLifecycle(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	id, err := db.BeginLoad(ctx, "run-1", src.Name, "orders_1.csv", src.Table)
	require.NoError(t, err)
	require.Positive(t, id)

	require.NoError(t, db.MarkStaged(ctx, id, 10, 9, 1))
	require.NoError(t, db.MarkAudited(ctx, id))
	require.NoError(t, db.MarkMerged(ctx, id, 8, 1))
	require.NoError(t, db.FinishLoad(ctx, id, StatusSuccess, "", ""))

	var status string
	require.NoError(t, db.QueryRowScan(ctx,
		`SELECT "status" FROM "file_load_log" WHERE "id" = ?`, []any{id}, &status))
	assert.Equal(t, string(StatusSuccess), status)
}

func TestWasLoadedProbesTargetTable(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	stage := stageRows(t, db, src, "orders_1.csv", []schema.Record{
		{"order_id": int64(1), "amount": 10.0},
	})

	_, err := db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	require.NoError(t, stage.Drop(ctx))

	loaded, err := db.WasLoaded(ctx, src.Table, "orders_1.csv")
	require.NoError(t, err)
	assert.True(t, loaded)

	loaded, err = db.WasLoaded(ctx, src.Table, "orders_2.csv")
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestWasLoadedIgnoresFailedLoads(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	// A failed load writes the log but never merges, so the name stays
	// open for the corrected redelivery.
	id, err := db.BeginLoad(ctx, "run-1", src.Name, "orders_1.csv", src.Table)
	require.NoError(t, err)
	require.NoError(t, db.FinishLoad(ctx, id, StatusFailed, "threshold_exceeded", "21% of rows failed"))

	loaded, err := db.WasLoaded(ctx, src.Table, "orders_1.csv")
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestStageAndMergeInsertsUpdatesAndSkips(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	stage := stageRows(t, db, src, "orders_1.csv", []schema.Record{
		{"order_id": int64(1), "amount": 10.5, "note": "a"},
		{"order_id": int64(2), "amount": 20.0, "note": "b"},
		{"order_id": int64(3), "amount": 30.0, "note": "c"},
	})

	result, err := db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Inserted)
	assert.Equal(t, int64(0), result.Updated)
	assert.Equal(t, int64(3), countRows(t, db, src.Table))
	require.NoError(t, stage.Drop(ctx))

	// Corrected re-delivery: one changed row, one unchanged, one new.
	stage = stageRows(t, db, src, "orders_2.csv", []schema.Record{
		{"order_id": int64(2), "amount": 25.0, "note": "b"},
		{"order_id": int64(3), "amount": 30.0, "note": "c"},
		{"order_id": int64(4), "amount": 40.0, "note": "d"},
	})

	result, err = db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(1), result.Updated)
	assert.Equal(t, int64(4), countRows(t, db, src.Table))

	var amount float64
	require.NoError(t, db.QueryRowScan(ctx,
		`SELECT "amount" FROM "orders" WHERE "order_id" = ?`, []any{2}, &amount))
	assert.InDelta(t, 25.0, amount, 0.001)

	// Provenance points at the file and the load that last touched each row.
	var filename string
	var logID, rowNumber int64
	require.NoError(t, db.QueryRowScan(ctx,
		`SELECT "source_filename", "file_load_log_id", "file_row_number" FROM "orders" WHERE "order_id" = ?`,
		[]any{4}, &filename, &logID, &rowNumber))
	assert.Equal(t, "orders_2.csv", filename)
	assert.Equal(t, int64(1), logID)
	assert.Equal(t, int64(3), rowNumber)

	require.NoError(t, stage.Drop(ctx))
}

func TestMergeIsIdempotent(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	records := []schema.Record{
		{"order_id": int64(1), "amount": 10.5, "note": "a"},
	}

	stage := stageRows(t, db, src, "orders_1.csv", records)

	_, err := db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	require.NoError(t, stage.Drop(ctx))

	stage = stageRows(t, db, src, "orders_1.csv", records)

	result, err := db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Inserted)
	assert.Equal(t, int64(0), result.Updated)
	assert.Equal(t, int64(1), countRows(t, db, src.Table))
}

func TestCheckGrainUnique(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	stage := stageRows(t, db, src, "orders_1.csv", []schema.Record{
		{"order_id": int64(1), "amount": 10.0},
		{"order_id": int64(1), "amount": 11.0},
		{"order_id": int64(1), "amount": 12.0},
		{"order_id": int64(2), "amount": 20.0},
	})

	surplus, samples, err := db.CheckGrainUnique(ctx, stage.Name(), src.Grain)
	require.NoError(t, err)
	assert.Equal(t, int64(2), surplus)
	require.Len(t, samples, 1)
	assert.Equal(t, []string{"1"}, samples[0].Values)
	assert.Equal(t, int64(3), samples[0].Count)
}

func TestCheckGrainUniquePasses(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	stage := stageRows(t, db, src, "orders_1.csv", []schema.Record{
		{"order_id": int64(1), "amount": 10.0},
		{"order_id": int64(2), "amount": 20.0},
	})

	surplus, samples, err := db.CheckGrainUnique(ctx, stage.Name(), src.Grain)
	require.NoError(t, err)
	assert.Zero(t, surplus)
	assert.Empty(t, samples)
}

func TestRunAuditQuery(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	stage := stageRows(t, db, src, "orders_1.csv", []schema.Record{
		{"order_id": int64(1), "amount": -5.0},
	})

	failed, err := db.RunAuditQuery(ctx,
		`SELECT CASE WHEN COUNT(*) > 0 THEN 1 ELSE 0 END AS has_rows,
		        CASE WHEN MIN("amount") >= 0 THEN 1 ELSE 0 END AS amounts_positive
		 FROM {table}`, stage.Name())
	require.NoError(t, err)
	assert.Equal(t, []string{"amounts_positive"}, failed)
}

func TestDLQWriteAndCleanup(t *testing.T) {
	db, src := setup(t)
	ctx := context.Background()

	oldID, err := db.BeginLoad(ctx, "run-1", src.Name, "orders_1.csv", src.Table)
	require.NoError(t, err)

	oldDLQ := NewDLQWriter(db, oldID, "orders_1.csv", 100)
	require.NoError(t, oldDLQ.Add(ctx, 3, map[string]any{"order_id": "x"}, []schema.FieldError{
		{ColumnName: "order_id", ColumnValue: "x", ErrorType: "int_parsing", ErrorMsg: "not an integer"},
	}))
	require.NoError(t, oldDLQ.Flush(ctx))
	assert.Equal(t, int64(1), oldDLQ.Rows())

	// The corrected file arrives under a new load.
	newID, err := db.BeginLoad(ctx, "run-2", src.Name, "orders_1.csv", src.Table)
	require.NoError(t, err)

	newDLQ := NewDLQWriter(db, newID, "orders_1.csv", 100)
	require.NoError(t, newDLQ.Add(ctx, 7, map[string]any{"order_id": ""}, []schema.FieldError{
		{ColumnName: "order_id", ErrorType: "missing", ErrorMsg: "field required"},
	}))
	require.NoError(t, newDLQ.Flush(ctx))

	deleted, err := db.CleanupReprocessed(ctx, "orders_1.csv", newID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, int64(1), countRows(t, db, TableDLQ))
}

func TestRowHashDetectsChanges(t *testing.T) {
	fields := []schema.Field{
		{Name: "order_id", Type: schema.TypeInt},
		{Name: "amount", Type: schema.TypeFloat},
	}

	a := RowHash(fields, schema.Record{"order_id": int64(1), "amount": 10.5})
	same := RowHash(fields, schema.Record{"order_id": int64(1), "amount": 10.5})
	diff := RowHash(fields, schema.Record{"order_id": int64(1), "amount": 10.6})

	assert.Equal(t, a, same)
	assert.NotEqual(t, a, diff)
	assert.Len(t, a, 16)
}

func TestRowHashIgnoresFieldInsertionOrder(t *testing.T) {
	fields := []schema.Field{
		{Name: "a", Type: schema.TypeString},
		{Name: "b", Type: schema.TypeString},
	}

	// Hash covers declared order, not map order.
	x := RowHash(fields, schema.Record{"a": "1", "b": "2"})
	y := RowHash(fields, schema.Record{"b": "2", "a": "1"})
	assert.Equal(t, x, y)

	// Value shifting between adjacent fields must change the hash.
	z := RowHash(fields, schema.Record{"a": "12", "b": ""})
	assert.NotEqual(t, x, z)
}
