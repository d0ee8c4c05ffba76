package execution

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"PricingFlow/internal/cache"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/pkg/logger"
)

// 执行记录在缓存中使用的键。
const (
	recordKeyPrefix = "execution:"
	listKey         = "executions:list"
	runningKey      = "executions:running"
	defaultTTL      = 24 * time.Hour
	// 列表扫描的上限，超出部分只能按 ID 查询。
	maxScan = 1000
)

// Store 抽象了执行状态的存储接口。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Running(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// CacheStore 把执行记录存放在缓存中：记录本身 24 小时过期，
// executions:list 有序集合按创建时间排序，executions:running 集合记录运行中的执行。
type CacheStore struct {
	cache *cache.Cache
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// StoreOption 自定义缓存存储。
type StoreOption func(*CacheStore)

// WithRecordTTL 设置记录的过期时间。
func WithRecordTTL(ttl time.Duration) StoreOption {
	return func(s *CacheStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithStoreClock 替换时间来源。
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *CacheStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCacheStore 创建基于缓存的执行存储。
func NewCacheStore(c *cache.Cache, opts ...StoreOption) *CacheStore {
	s := &CacheStore{cache: c, ttl: defaultTTL, now: time.Now, log: logger.Named("execution.store")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func recordKey(id string) string { return recordKeyPrefix + id }

// Create 保存新的执行记录，ID 已存在时返回 ErrConflict。
func (s *CacheStore) Create(ctx context.Context, rec *Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(CodeExecutionValidation, "执行 ID 不能为空")
	}
	if s.cache.Exists(ctx, recordKey(rec.ID)) {
		return ErrConflict
	}
	now := s.now()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if !s.cache.SetJSON(ctx, recordKey(rec.ID), rec, s.ttl) {
		return xerrors.New(xerrors.CodeStorageFailure, "写入执行记录失败")
	}
	if !s.cache.AddScored(ctx, listKey, rec.ID, float64(rec.CreatedAt.UnixNano())) {
		s.log.Warn("执行未写入列表索引", slog.String("execution_id", rec.ID))
	}
	return nil
}

// Get 返回执行记录，不存在或已过期时返回 ErrNotFound。
func (s *CacheStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if !s.cache.GetJSON(ctx, recordKey(id), &rec) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Update 覆盖执行记录，并维护运行中集合。
func (s *CacheStore) Update(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return xerrors.New(CodeExecutionValidation, "执行 ID 不能为空")
	}
	rec.UpdatedAt = s.now()
	if !s.cache.SetJSON(ctx, recordKey(rec.ID), rec, s.ttl) {
		return xerrors.New(xerrors.CodeStorageFailure, "更新执行记录失败")
	}
	if rec.Status == StatusRunning {
		s.cache.AddMember(ctx, runningKey, rec.ID)
	} else {
		s.cache.RemoveMember(ctx, runningKey, rec.ID)
	}
	return nil
}

// List 按创建时间倒序返回执行记录，已过期的记录会被跳过。
func (s *CacheStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()
	ids := s.cache.RangeByScoreDesc(ctx, listKey, 0, maxScan-1)

	out := make([]*Record, 0, opts.Limit)
	skipped := 0
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if !opts.matches(rec) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Running 返回运行中的执行 ID。
func (s *CacheStore) Running(ctx context.Context) ([]string, error) {
	return s.cache.Members(ctx, runningKey), nil
}

// Stats 统计仍在保留期内的执行记录。
func (s *CacheStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	for _, id := range s.cache.RangeByScoreDesc(ctx, listKey, 0, maxScan-1) {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		stats.add(rec)
	}
	return stats, nil
}

// Close 不持有额外资源，缓存由调用方关闭。
func (s *CacheStore) Close() error { return nil }

var _ Store = (*CacheStore)(nil)
