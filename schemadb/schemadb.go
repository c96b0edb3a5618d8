// Package schemadb is the schema and query collaborator. It describes tables and runs read-only
// queries against the backing database, inside a transaction that carries the caller's
// row-level security claims when a JWT secret is configured.
package schemadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultMaxRows          = 1000
	defaultLimit            = 100
	defaultStatementTimeout = 5 * time.Second
	defaultSchema           = "public"
)

var (
	ErrNotReadOnly  = errors.New("schemadb: statement is not read-only")
	ErrInvalidToken = errors.New("schemadb: invalid bearer token")
	ErrTimeout      = errors.New("schemadb: statement timed out")
	// ErrQuery is a statement the database rejected, such as a syntax error.
	ErrQuery = errors.New("schemadb: query failed")
	// ErrUnavailable is a failure to reach the database at all.
	ErrUnavailable = errors.New("schemadb: database unavailable")
)

// Options configures a Service.
type Options struct {
	// MaxRows is the hard cap on rows returned by one query.
	MaxRows          int
	StatementTimeout time.Duration
	// JWTSecret enables HS256 verification of bearer tokens and per-statement role switching.
	JWTSecret []byte
	Logger    *slog.Logger
}

// Service answers schema and query requests.
type Service struct {
	db      *gorm.DB
	dialect string
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// Table describes one table or view.
type Table struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Columns []Column `json:"columns,omitempty"`
}

// Column describes one table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// DescribeRequest selects the tables to describe.
type DescribeRequest struct {
	Schema         string
	Table          string
	IncludeColumns bool
}

// QueryRequest is one read-only statement with its page window.
type QueryRequest struct {
	SQL    string
	Limit  int
	Offset int
}

// QueryResult is a page of rows. Truncated reports that more rows followed the page.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
	Limit     int      `json:"limit"`
	Offset    int      `json:"offset"`
}

// Open connects to the database through gorm and verifies the connection.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Service, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("schemadb: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("schemadb: open failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("schemadb: open failed: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("schemadb: ping failed: %w", err)
	}
	return New(db, opts), nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB, opts Options) *Service {
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaultMaxRows
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = defaultStatementTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		db:      db,
		dialect: db.Name(),
		opts:    opts,
		logger:  opts.Logger.With(slog.String("package", "schemadb")),
		now:     time.Now,
	}
}

// MaxRows returns the hard row cap.
func (s *Service) MaxRows() int { return s.opts.MaxRows }

// Close releases the connection pool.
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DescribeSchema lists the tables of a schema, optionally one table only and with its columns.
func (s *Service) DescribeSchema(ctx context.Context, authToken string, req DescribeRequest) ([]Table, error) {
	if req.Schema == "" {
		req.Schema = defaultSchema
	}

	var tables []Table
	err := s.session(ctx, authToken, func(tx *gorm.DB) error {
		var err error
		if s.dialect == DriverPostgres {
			tables, err = describePostgres(tx, req)
		} else {
			tables, err = describeSQLite(tx, req)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

type tableRow struct {
	TableName string
	TableType string
}

type columnRow struct {
	TableName  string
	ColumnName string
	DataType   string
	IsNullable string
}

type sqliteTableRow struct {
	Name string
	Type string
}

type sqliteColumnRow struct {
	Name    string
	Type    string
	NotNull int
}

func describePostgres(tx *gorm.DB, req DescribeRequest) ([]Table, error) {
	q := `SELECT table_name, table_type FROM information_schema.tables WHERE table_schema = ?`
	args := []any{req.Schema}
	if req.Table != "" {
		q += ` AND table_name = ?`
		args = append(args, req.Table)
	}
	q += ` ORDER BY table_name`

	var rows []tableRow
	if err := tx.Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, r := range rows {
		index[r.TableName] = len(tables)
		tables = append(tables, Table{Name: r.TableName, Type: strings.ToLower(r.TableType)})
	}
	if !req.IncludeColumns || len(tables) == 0 {
		return tables, nil
	}

	q = `SELECT table_name, column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = ?`
	if req.Table != "" {
		q += ` AND table_name = ?`
	}
	q += ` ORDER BY table_name, ordinal_position`

	var cols []columnRow
	if err := tx.Raw(q, args...).Scan(&cols).Error; err != nil {
		return nil, err
	}
	for _, c := range cols {
		i, ok := index[c.TableName]
		if !ok {
			continue
		}
		tables[i].Columns = append(tables[i].Columns, Column{
			Name:     c.ColumnName,
			Type:     c.DataType,
			Nullable: c.IsNullable == "YES",
		})
	}
	return tables, nil
}

func describeSQLite(tx *gorm.DB, req DescribeRequest) ([]Table, error) {
	// SQLite has a single schema, exposed under both names.
	if req.Schema != defaultSchema && req.Schema != "main" {
		return []Table{}, nil
	}

	q := `SELECT name, type FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'`
	var args []any
	if req.Table != "" {
		q += ` AND name = ?`
		args = append(args, req.Table)
	}
	q += ` ORDER BY name`

	var rows []sqliteTableRow
	if err := tx.Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(rows))
	for _, r := range rows {
		t := Table{Name: r.Name, Type: r.Type}
		if req.IncludeColumns {
			var cols []sqliteColumnRow
			err := tx.Raw(`SELECT name, type, "notnull" AS not_null FROM pragma_table_info(?) ORDER BY cid`, r.Name).
				Scan(&cols).Error
			if err != nil {
				return nil, err
			}
			for _, c := range cols {
				t.Columns = append(t.Columns, Column{Name: c.Name, Type: strings.ToLower(c.Type), Nullable: c.NotNull == 0})
			}
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// RunQuery runs a single read-only statement and returns at most the capped limit of rows.
func (s *Service) RunQuery(ctx context.Context, authToken string, req QueryRequest) (QueryResult, error) {
	stmt, err := CheckReadOnly(req.SQL)
	if err != nil {
		return QueryResult{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, s.opts.MaxRows)
	offset := max(req.Offset, 0)

	// One extra row tells whether the page was truncated. The bounds are validated integers and
	// the statement carries no placeholders of its own.
	paged := "SELECT * FROM (" + stmt + ") AS q LIMIT " + strconv.Itoa(limit+1) + " OFFSET " + strconv.Itoa(offset)

	result := QueryResult{Rows: [][]any{}, Limit: limit, Offset: offset}
	err = s.session(ctx, authToken, func(tx *gorm.DB) error {
		rows, err := tx.Raw(paged).Rows()
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		if result.Columns, err = rows.Columns(); err != nil {
			return err
		}
		for rows.Next() {
			if len(result.Rows) == limit {
				result.Truncated = true
				break
			}
			row, err := scanRow(rows, len(result.Columns))
			if err != nil {
				return err
			}
			result.Rows = append(result.Rows, row)
		}
		return rows.Err()
	})
	if err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

// session runs fn in a transaction bounded by the statement timeout. On Postgres the transaction
// is read-only and, with a JWT secret, assumes the caller's role and claims.
func (s *Service) session(ctx context.Context, authToken string, fn func(tx *gorm.DB) error) error {
	var claims Claims
	if len(s.opts.JWTSecret) > 0 {
		var err error
		if claims, err = VerifyToken(authToken, s.opts.JWTSecret, s.now()); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StatementTimeout)
	defer cancel()

	var txOpts *sql.TxOptions
	postgresDialect := s.dialect == DriverPostgres
	if postgresDialect {
		txOpts = &sql.TxOptions{ReadOnly: true}
	}

	started := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		started = true
		if postgresDialect {
			if err := s.prepare(tx, claims); err != nil {
				return err
			}
		}
		return fn(tx)
	}, txOpts)
	if err == nil {
		return nil
	}
	return s.classify(ctx, err, started)
}

func (s *Service) prepare(tx *gorm.DB, claims Claims) error {
	timeout := strconv.FormatInt(s.opts.StatementTimeout.Milliseconds(), 10)
	if err := tx.Exec(`SELECT set_config('statement_timeout', ?, true)`, timeout).Error; err != nil {
		return err
	}
	if claims == nil {
		return nil
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	if err := tx.Exec(`SELECT set_config('request.jwt.claims', ?, true)`, string(raw)).Error; err != nil {
		return err
	}
	// The role is one of two constants, never caller text.
	return tx.Exec(`SET LOCAL ROLE ` + claims.Role()).Error
}

func (s *Service) classify(ctx context.Context, err error, started bool) error {
	switch {
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrNotReadOnly):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded), strings.Contains(err.Error(), "statement timeout"):
		return fmt.Errorf("%w after %s", ErrTimeout, s.opts.StatementTimeout)
	case errors.Is(err, context.Canceled):
		return err
	case !started:
		s.logger.Error("failed to begin transaction", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %s", ErrQuery, err.Error())
	}
}
