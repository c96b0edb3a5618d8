package schemadb_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/TangGee/orders-mcp/schemadb"
)

// newService returns a service over a seeded in-memory database holding five orders.
func newService(t *testing.T, opts schemadb.Options) *schemadb.Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every pooled connection would otherwise get its own empty database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Exec(`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		numer_zamowienia TEXT NOT NULL,
		status TEXT
	)`).Error)
	require.NoError(t, db.Exec(`CREATE VIEW delivered AS SELECT * FROM orders WHERE status = 'dostarczone'`).Error)
	for i := 1; i <= 5; i++ {
		require.NoError(t, db.Exec(`INSERT INTO orders (id, numer_zamowienia, status) VALUES (?, ?, ?)`,
			i, fmt.Sprintf("OP100%d", i), "dostarczone").Error)
	}

	return schemadb.New(db, opts)
}

func TestRunQueryPages(t *testing.T) {
	svc := newService(t, schemadb.Options{MaxRows: 3})

	tests := []struct {
		name          string
		req           schemadb.QueryRequest
		wantRows      int
		wantLimit     int
		wantTruncated bool
	}{
		{name: "page smaller than the table", req: schemadb.QueryRequest{SQL: "SELECT * FROM orders ORDER BY id", Limit: 2}, wantRows: 2, wantLimit: 2, wantTruncated: true},
		{name: "limit above the cap", req: schemadb.QueryRequest{SQL: "SELECT * FROM orders ORDER BY id", Limit: 500}, wantRows: 3, wantLimit: 3, wantTruncated: true},
		{name: "default limit is capped", req: schemadb.QueryRequest{SQL: "SELECT * FROM orders"}, wantRows: 3, wantLimit: 3, wantTruncated: true},
		{name: "last page", req: schemadb.QueryRequest{SQL: "SELECT * FROM orders ORDER BY id", Limit: 3, Offset: 3}, wantRows: 2, wantLimit: 3},
		{name: "exact fit", req: schemadb.QueryRequest{SQL: "SELECT * FROM orders WHERE id <= 3", Limit: 3}, wantRows: 3, wantLimit: 3},
		{name: "negative offset", req: schemadb.QueryRequest{SQL: "SELECT 1 AS one", Offset: -4}, wantRows: 1, wantLimit: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.RunQuery(context.Background(), "", tt.req)
			require.NoError(t, err)
			assert.Len(t, res.Rows, tt.wantRows)
			assert.Equal(t, tt.wantLimit, res.Limit)
			assert.Equal(t, tt.wantTruncated, res.Truncated)
			assert.GreaterOrEqual(t, res.Offset, 0)
		})
	}
}

func TestRunQueryColumnsAndValues(t *testing.T) {
	svc := newService(t, schemadb.Options{})

	res, err := svc.RunQuery(context.Background(), "", schemadb.QueryRequest{
		SQL: "WITH o AS (SELECT id, numer_zamowienia FROM orders WHERE id = 1) SELECT * FROM o;",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "numer_zamowienia"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0][0])
	assert.Equal(t, "OP1001", res.Rows[0][1])
}

func TestRunQueryRejects(t *testing.T) {
	svc := newService(t, schemadb.Options{})

	_, err := svc.RunQuery(context.Background(), "", schemadb.QueryRequest{SQL: "DELETE FROM orders"})
	require.ErrorIs(t, err, schemadb.ErrNotReadOnly)

	_, err = svc.RunQuery(context.Background(), "", schemadb.QueryRequest{SQL: "SELECT * FROM missing_table"})
	require.ErrorIs(t, err, schemadb.ErrQuery)

	res, err := svc.RunQuery(context.Background(), "", schemadb.QueryRequest{SQL: "SELECT count(*) FROM orders"})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Rows[0][0], "rejected statements must not have run")
}

func TestRunQueryVerifiesTokens(t *testing.T) {
	svc := newService(t, schemadb.Options{JWTSecret: testSecret})

	_, err := svc.RunQuery(context.Background(), "not-a-token", schemadb.QueryRequest{SQL: "SELECT 1"})
	require.ErrorIs(t, err, schemadb.ErrInvalidToken)

	token := signToken(t, "HS256", map[string]any{"role": "authenticated"}, testSecret)
	_, err = svc.RunQuery(context.Background(), token, schemadb.QueryRequest{SQL: "SELECT 1"})
	require.NoError(t, err)
}

func TestDescribeSchema(t *testing.T) {
	svc := newService(t, schemadb.Options{})

	tables, err := svc.DescribeSchema(context.Background(), "", schemadb.DescribeRequest{})
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "delivered", tables[0].Name)
	assert.Equal(t, "view", tables[0].Type)
	assert.Equal(t, "orders", tables[1].Name)
	assert.Empty(t, tables[1].Columns)

	tables, err = svc.DescribeSchema(context.Background(), "", schemadb.DescribeRequest{Table: "orders", IncludeColumns: true})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, []schemadb.Column{
		{Name: "id", Type: "integer", Nullable: true},
		{Name: "numer_zamowienia", Type: "text", Nullable: false},
		{Name: "status", Type: "text", Nullable: true},
	}, tables[0].Columns)

	tables, err = svc.DescribeSchema(context.Background(), "", schemadb.DescribeRequest{Schema: "auth"})
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	svc, err := schemadb.Open(ctx, schemadb.DriverSQLite, filepath.Join(t.TempDir(), "orders.db"), schemadb.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1000, svc.MaxRows())
	require.NoError(t, svc.Close())

	_, err = schemadb.Open(ctx, "oracle", "", schemadb.Options{})
	require.Error(t, err)
}
