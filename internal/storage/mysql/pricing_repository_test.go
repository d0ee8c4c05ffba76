package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"PricingFlow/deploy/migrations"
	xerrors "PricingFlow/internal/errors"
)

var pricingColumnNames = []string{
	"cusip", "security_name", "price", "pricing_date", "pricing_status", "error_code", "error_message", "last_updated",
}

func TestLatestPriceFound(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(`SELECT `+pricingColumns+` FROM pricing_master WHERE cusip = ? ORDER BY pricing_date DESC LIMIT 1`,
			mockRowsData{columns: pricingColumnNames, values: [][]driver.Value{
				{"037833100", "APPLE INC", 189.25, "2025-12-17 14:00:00", "PRICED", nil, nil, "2025-12-17 14:05:00"},
			}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	row, err := NewPricingRepositoryWithDB(db).LatestPrice(context.Background(), "037833100")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if row == nil || row.Price == nil || *row.Price != 189.25 || row.Status != "PRICED" || row.ErrorCode != "" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestLatestPriceMissing(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(`SELECT `+pricingColumns+` FROM pricing_master WHERE cusip = ? ORDER BY pricing_date DESC LIMIT 1`,
			mockRowsData{columns: pricingColumnNames}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	row, err := NewPricingRepositoryWithDB(db).LatestPrice(context.Background(), "000000000")
	if err != nil || row != nil {
		t.Fatalf("expected no row, got %+v err=%v", row, err)
	}
}

func TestFailedPricingsByCUSIPAndDate(t *testing.T) {
	t.Parallel()

	failed := mockRowsData{columns: pricingColumnNames, values: [][]driver.Value{
		{"037833100", "APPLE INC", nil, "2025-12-17 14:00:00", "FAILED", "E001", "vendor timeout", "2025-12-17 14:10:00"},
	}}
	ops := []mockOperation{
		queryOp(`SELECT `+pricingColumns+` FROM pricing_master WHERE cusip = ? AND pricing_status = 'FAILED'
    ORDER BY last_updated DESC LIMIT ?`, failed),
		queryOp(`SELECT `+pricingColumns+` FROM pricing_master WHERE pricing_status = 'FAILED' AND DATE(pricing_date) = ?
    ORDER BY last_updated DESC LIMIT ?`, failed),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := NewPricingRepositoryWithDB(db)
	rows, err := repo.FailedPricings(context.Background(), FailureFilter{CUSIP: "037833100"})
	if err != nil || len(rows) != 1 || rows[0].ErrorCode != "E001" || rows[0].Price != nil {
		t.Fatalf("unexpected rows: %+v err=%v", rows, err)
	}
	rows, err = repo.FailedPricings(context.Background(), FailureFilter{Date: time.Date(2025, 12, 17, 0, 0, 0, 0, time.UTC)})
	if err != nil || len(rows) != 1 {
		t.Fatalf("unexpected rows: %+v err=%v", rows, err)
	}
}

func TestQueryFailureIsStorageError(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{{typ: opQuery, err: fmt.Errorf("connection reset")}}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := NewPricingRepositoryWithDB(db).LatestPrice(context.Background(), "037833100")
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestMigratorAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationTable, mockResult{}),
		queryOp(selectAppliedVersions, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(firstEmbeddedStatement(t), mockResult{rowsAffected: 0}),
		execOp(insertAppliedVersion, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	applied, err := newMigrator(db, nil).run(context.Background())
	if err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0001_create_pricing_master.sql" {
		t.Fatalf("unexpected applied list: %v", applied)
	}
}

func TestMigratorSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationTable, mockResult{}),
		queryOp(selectAppliedVersions, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	applied, err := newMigrator(db, nil).run(context.Background())
	if err != nil || len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v (%v)", applied, err)
	}
}

func TestMigratorRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{"0003_bad.sql": {Data: []byte("ALTER TABLE pricing_master ADD COLUMN x INT;")}}
	ops := []mockOperation{
		execOp(createMigrationTable, mockResult{}),
		queryOp(selectAppliedVersions, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		{typ: opExec, query: "ALTER TABLE pricing_master ADD COLUMN x INT", err: fmt.Errorf("duplicate column")},
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newMigrator(db, fsys).run(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !strings.Contains(err.Error(), "0003_bad.sql") {
		t.Fatalf("expected storage failure naming the file, got %v", err)
	}
}

func TestLoadMigrationsOrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_index.sql": {Data: []byte("-- 索引\nCREATE INDEX idx_a ON t (a);\n-- 结束\n")},
		"0001_table.sql": {Data: []byte("CREATE TABLE t (a INT);\nINSERT INTO t VALUES (1);")},
		"0005_empty.sql": {Data: []byte("-- nothing here\n")},
		"README.md":      {Data: []byte("ignored")},
	}
	migs, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) != 2 || migs[0].version != "0001" || migs[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", migs)
	}
	if len(migs[0].statements) != 2 {
		t.Fatalf("expected 2 statements, got %q", migs[0].statements)
	}
	if got := migs[1].statements; len(got) != 1 || got[0] != "CREATE INDEX idx_a ON t (a)" {
		t.Fatalf("comments should be stripped, got %q", got)
	}
}

func TestLoadMigrationsRejectsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := loadMigrations(fsys); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_pricing_master.sql": "0001",
		"0002.sql":                       "0002",
		"sub/0003_x.sql":                 "0003",
	}
	for name, want := range cases {
		if got := migrationVersion(name); got != want {
			t.Fatalf("%s: want %s, got %s", name, want, got)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDriverConfigDefaults(t *testing.T) {
	cfg, err := driverConfig("pricing:secret@tcp(db:3306)/pricing?readTimeout=2s")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Timeout != defaultDialTimeout || cfg.ReadTimeout != 2*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", cfg.Timeout, cfg.ReadTimeout)
	}
	if cfg.ParseTime {
		t.Fatalf("parseTime must stay off, DATETIME columns are scanned as text")
	}
	if cfg.Loc != time.UTC || cfg.Addr != "db:3306" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := driverConfig("not a dsn"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for malformed dsn, got %v", err)
	}
}

func firstEmbeddedStatement(t *testing.T) string {
	t.Helper()
	migs, err := loadMigrations(migrations.Files)
	if err != nil || len(migs) == 0 || len(migs[0].statements) == 0 {
		t.Fatalf("embedded migrations unreadable: %v", err)
	}
	return migs[0].statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
