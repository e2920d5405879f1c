//go:build integration

package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fileloader-io/fileloader/internal/schema"
	"github.com/fileloader-io/fileloader/internal/source"
)

// setupPostgres starts a PostgreSQL testcontainer and connects through the
// postgres dialect, so the MERGE path gets exercised against the real
// engine rather than sqlite's upsert emulation.
func setupPostgres(ctx context.Context, t *testing.T) *DB {
	t.Helper()

	container, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("fileloader_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := Connect(ctx, connStr, 30*time.Second, logger)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestPostgresFullStoragePath(t *testing.T) {
	ctx := context.Background()
	db := setupPostgres(ctx, t)

	require.Equal(t, "postgres", db.Dialect().Name())

	model, err := schema.NewRowModel([]schema.Field{
		{Name: "order_id", Type: schema.TypeInt, Required: true},
		{Name: "amount", Type: schema.TypeFloat},
		{Name: "note", Type: schema.TypeString},
	})
	require.NoError(t, err)

	src := &source.Source{
		Name:        "orders",
		Format:      source.FormatCSV,
		FilePattern: "orders_*.csv",
		Table:       "orders",
		Grain:       []string{"order_id"},
		Model:       model,
	}
	require.NoError(t, src.Validate())

	require.NoError(t, db.EnsureControlTables(ctx))
	require.NoError(t, db.EnsureTargetTables(ctx, []*source.Source{src}))

	logID, err := db.BeginLoad(ctx, "run-1", src.Name, "orders_1.csv", src.Table)
	require.NoError(t, err)
	require.Positive(t, logID)

	stage, err := NewStage(ctx, db, src, "orders_1.csv", logID, 100)
	require.NoError(t, err)

	records := []schema.Record{
		{"order_id": int64(1), "amount": 10.5, "note": "a"},
		{"order_id": int64(2), "amount": 20.0, "note": "b"},
	}
	for i, rec := range records {
		require.NoError(t, stage.Add(ctx, i+1, rec))
	}

	require.NoError(t, stage.Flush(ctx))

	surplus, _, err := db.CheckGrainUnique(ctx, stage.Name(), src.Grain)
	require.NoError(t, err)
	assert.Zero(t, surplus)

	result, err := db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Inserted)
	assert.Equal(t, int64(0), result.Updated)

	require.NoError(t, stage.Drop(ctx))

	// Redeliver with one changed row; the MERGE must update it in place.
	stage, err = NewStage(ctx, db, src, "orders_2.csv", logID, 100)
	require.NoError(t, err)
	require.NoError(t, stage.Add(ctx, 1, schema.Record{"order_id": int64(2), "amount": 25.0, "note": "b"}))
	require.NoError(t, stage.Flush(ctx))

	result, err = db.Merge(ctx, src, stage.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Inserted)
	assert.Equal(t, int64(1), result.Updated)

	var amount float64
	require.NoError(t, db.QueryRowScan(ctx,
		`SELECT "amount" FROM "orders" WHERE "order_id" = $1`, []any{2}, &amount))
	assert.InDelta(t, 25.0, amount, 0.001)

	require.NoError(t, stage.Drop(ctx))
	require.NoError(t, db.FinishLoad(ctx, logID, StatusSuccess, "", ""))

	loaded, err := db.WasLoaded(ctx, src.Table, "orders_1.csv")
	require.NoError(t, err)
	assert.True(t, loaded)
}
