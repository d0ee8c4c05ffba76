package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/cache"
	"PricingFlow/internal/storage/mysql"
	"PricingFlow/pkg/logger"
)

// 数据库连接器支持的动作。
const (
	ActionQueryPrice      = "query_price"
	ActionErrorDetails    = "get_error_details"
	ActionGeneralQuery    = "general_query"
	defaultSQLCacheTTL    = 5 * time.Minute
	databaseSource        = "database"
	noPricingRecordsFound = "no pricing records found"
)

// PricingSource 是定价主表的只读视图，*mysql.PricingRepository 实现了该接口。
type PricingSource interface {
	LatestPrice(ctx context.Context, cusip string) (*mysql.PricingRow, error)
	FailedPricings(ctx context.Context, filter mysql.FailureFilter) ([]mysql.PricingRow, error)
}

// Database 为 pricing agent 读取定价库。
type Database struct {
	source PricingSource
	cache  *cache.Cache
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// DatabaseOption 自定义数据库连接器。
type DatabaseOption func(*Database)

// WithQueryCache 让查询结果写入 sql: 命名空间。
func WithQueryCache(c *cache.Cache, ttl time.Duration) DatabaseOption {
	return func(d *Database) {
		d.cache = c
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock 替换当前时间来源，用于按日期查询失败记录。
func WithClock(now func() time.Time) DatabaseOption {
	return func(d *Database) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDatabaseConnector 使用给定的数据源创建连接器。
func NewDatabaseConnector(source PricingSource, opts ...DatabaseOption) *Database {
	d := &Database{
		source: source,
		ttl:    defaultSQLCacheTTL,
		now:    time.Now,
		log:    logger.Named("connector.database"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// NewDatabase 打开 MySQL 定价库并创建连接器。
func NewDatabase(ctx context.Context, cfg mysql.Config, opts ...DatabaseOption) (*Database, *mysql.PricingRepository, error) {
	repo, err := mysql.NewPricingRepository(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewDatabaseConnector(repo, opts...), repo, nil
}

// Kind 实现 Connector。
func (d *Database) Kind() agent.ResourceKind { return agent.ResourceDatabase }

// Fetch 根据动作查询定价库，结果以 JSON 文本返回。未知动作返回空结果。
func (d *Database) Fetch(ctx context.Context, req Request) (Result, error) {
	result := Result{Source: databaseSource, Action: req.Action}
	cusip := ExtractCUSIP(req.Query)

	var (
		payload any
		key     string
	)
	switch req.Action {
	case ActionQueryPrice, ActionGeneralQuery:
		if cusip == "" {
			if req.Action == ActionGeneralQuery {
				return result, nil
			}
			result.Text = "no CUSIP found in query"
			return result, nil
		}
		key = cache.Key(cache.NamespaceSQL, map[string]string{"action": ActionQueryPrice, "cusip": cusip})
		if text, ok := d.cached(ctx, key); ok {
			result.Text, result.Cached = text, true
			return result, nil
		}
		row, err := d.source.LatestPrice(ctx, cusip)
		if err != nil {
			return result, connectorError(databaseSource, req.Action, err, "查询最新定价失败")
		}
		if row == nil {
			result.Text = noPricingRecordsFound + " for " + cusip
			return result, nil
		}
		payload = row
	case ActionErrorDetails:
		filter := mysql.FailureFilter{CUSIP: cusip}
		if cusip == "" {
			filter.Date = d.now()
		}
		key = cache.Key(cache.NamespaceSQL, map[string]string{
			"action": ActionErrorDetails,
			"cusip":  cusip,
			"date":   filter.Date.Format("2006-01-02"),
		})
		if text, ok := d.cached(ctx, key); ok {
			result.Text, result.Cached = text, true
			return result, nil
		}
		rows, err := d.source.FailedPricings(ctx, filter)
		if err != nil {
			return result, connectorError(databaseSource, req.Action, err, "查询失败定价记录失败")
		}
		if len(rows) == 0 {
			result.Text = noPricingRecordsFound
			return result, nil
		}
		payload = rows
	default:
		d.log.Debug("数据库连接器忽略未知动作", slog.String("action", req.Action))
		return result, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return result, connectorError(databaseSource, req.Action, err, "序列化定价记录失败")
	}
	result.Text = string(raw)
	if d.cache != nil {
		d.cache.Set(ctx, key, raw, d.ttl)
	}
	return result, nil
}

func (d *Database) cached(ctx context.Context, key string) (string, bool) {
	if d.cache == nil {
		return "", false
	}
	raw, ok := d.cache.Get(ctx, key)
	if !ok || strings.TrimSpace(string(raw)) == "" {
		return "", false
	}
	return string(raw), true
}
