package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"PricingFlow/deploy/migrations"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/pkg/logger"
)

const (
	createMigrationTable = `CREATE TABLE IF NOT EXISTS pricingflow_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        applied_at DATETIME NOT NULL
)`
	selectAppliedVersions = `SELECT version FROM pricingflow_migrations`
	insertAppliedVersion  = `INSERT INTO pricingflow_migrations (version, name, applied_at) VALUES (?, ?, ?)`
)

// migration 是一个按版本号排序的 SQL 文件，文件名形如 0001_create_pricing_master.sql。
type migration struct {
	version    string
	name       string
	statements []string
}

// migrator 把嵌入的 SQL 文件按版本顺序应用到定价库，每个文件一个事务。
type migrator struct {
	db   *sql.DB
	fsys fs.FS
	now  func() time.Time
	log  *slog.Logger
}

func newMigrator(db *sql.DB, fsys fs.FS) *migrator {
	if fsys == nil {
		fsys = migrations.Files
	}
	return &migrator{db: db, fsys: fsys, now: time.Now, log: logger.Named("mysql.migrate")}
}

// run 返回本次新应用的迁移文件名。
func (m *migrator) run(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, createMigrationTable); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建迁移记录表失败")
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := loadMigrations(m.fsys)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, mig := range pending {
		if _, ok := applied[mig.version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return done, err
		}
		m.log.Info("已应用迁移", slog.String("version", mig.version), slog.String("name", mig.name))
		done = append(done, mig.name)
	}
	return done, nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, selectAppliedVersions)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已应用迁移失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移版本失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历迁移版本失败")
	}
	return applied, nil
}

func (m *migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer tx.Rollback() //nolint:errcheck

	for i, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("迁移 %s 第 %d 条语句失败", mig.name, i+1))
		}
	}
	if _, err := tx.ExecContext(ctx, insertAppliedVersion, mig.version, mig.name, m.now().UTC()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// loadMigrations 读取根目录下的 .sql 文件，跳过没有语句的文件，同一版本号出现两次视为错误。
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "列出迁移文件失败")
	}

	seen := make(map[string]string, len(names))
	var out []migration
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件失败")
		}
		stmts := splitStatements(string(raw))
		if len(stmts) == 0 {
			continue
		}
		version := migrationVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("迁移版本 %s 重复: %s 与 %s", version, prev, name))
		}
		seen[version] = name
		out = append(out, migration{version: version, name: name, statements: stmts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements 去掉 -- 注释行后按分号切分。
func splitStatements(content string) []string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var stmts []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}
