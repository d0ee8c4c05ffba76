package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	xerrors "PricingFlow/internal/errors"
)

const defaultFailureLimit = 20

const pricingColumns = `cusip, security_name, price, pricing_date, pricing_status, error_code, error_message, last_updated`

// PricingRow 是 pricing_master 表中的一行。
type PricingRow struct {
	CUSIP        string   `json:"cusip"`
	SecurityName string   `json:"security_name"`
	Price        *float64 `json:"price,omitempty"`
	PricingDate  string   `json:"pricing_date"`
	Status       string   `json:"pricing_status"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	LastUpdated  string   `json:"last_updated"`
}

// FailureFilter 描述失败定价的查询条件。CUSIP 为空时按日期查询。
type FailureFilter struct {
	CUSIP string
	Date  time.Time
	Limit int
}

// PricingRepository 提供定价主表的只读查询。
type PricingRepository struct {
	db *sql.DB
}

// NewPricingRepository 打开连接，并在 AutoMigrate 时执行内置迁移。
func NewPricingRepository(ctx context.Context, cfg Config) (*PricingRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &PricingRepository{db: db}
	if cfg.AutoMigrate {
		if _, err := newMigrator(db, nil).run(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return repo, nil
}

// NewPricingRepositoryWithDB 使用已有连接池创建仓库。
func NewPricingRepositoryWithDB(db *sql.DB) *PricingRepository {
	return &PricingRepository{db: db}
}

// LatestPrice 返回 CUSIP 最新的一条定价记录，不存在时返回 nil。
func (r *PricingRepository) LatestPrice(ctx context.Context, cusip string) (*PricingRow, error) {
	rows, err := r.query(ctx, `SELECT `+pricingColumns+`
    FROM pricing_master WHERE cusip = ? ORDER BY pricing_date DESC LIMIT 1`, cusip)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FailedPricings 返回失败的定价记录，按最后更新时间倒序。
func (r *PricingRepository) FailedPricings(ctx context.Context, filter FailureFilter) ([]PricingRow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultFailureLimit
	}
	if filter.CUSIP != "" {
		return r.query(ctx, `SELECT `+pricingColumns+`
    FROM pricing_master WHERE cusip = ? AND pricing_status = 'FAILED'
    ORDER BY last_updated DESC LIMIT ?`, filter.CUSIP, limit)
	}
	date := filter.Date
	if date.IsZero() {
		date = time.Now()
	}
	return r.query(ctx, `SELECT `+pricingColumns+`
    FROM pricing_master WHERE pricing_status = 'FAILED' AND DATE(pricing_date) = ?
    ORDER BY last_updated DESC LIMIT ?`, date.Format("2006-01-02"), limit)
}

// Close 关闭连接池。
func (r *PricingRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PricingRepository) query(ctx context.Context, query string, args ...any) ([]PricingRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询定价主表失败")
	}
	defer rows.Close()

	var out []PricingRow
	for rows.Next() {
		var (
			row       PricingRow
			price     sql.NullFloat64
			errCode   sql.NullString
			errDetail sql.NullString
		)
		if err := rows.Scan(&row.CUSIP, &row.SecurityName, &price, &row.PricingDate, &row.Status,
			&errCode, &errDetail, &row.LastUpdated); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析定价记录失败")
		}
		if price.Valid {
			v := price.Float64
			row.Price = &v
		}
		row.ErrorCode = errCode.String
		row.ErrorMessage = errDetail.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历定价记录失败")
	}
	return out, nil
}
