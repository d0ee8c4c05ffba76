package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"PricingFlow/pkg/logger"
)

// State 描述缓存当前使用的后端状态。启动探测之后不再变化。
type State string

const (
	StateConnected State = "connected"
	StateDegraded  State = "degraded"
)

const (
	defaultTTL         = time.Hour
	defaultDialTimeout = 2 * time.Second
)

// Config 描述 Redis 连接与本地降级后端的参数。
type Config struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
	DefaultTTL  time.Duration
	MaxEntries  int
}

// Entry 是带元数据的缓存条目。
type Entry struct {
	Key   string        `json:"key"`
	Value []byte        `json:"value"`
	TTL   time.Duration `json:"ttl"`
	Size  int           `json:"size"`
}

// Stats 汇总缓存命中情况。
type Stats struct {
	Backend    string `json:"backend"`
	Available  bool   `json:"available"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	TotalBytes int64  `json:"total_size"`
	Evictions  int64  `json:"evictions"`
}

// HitRate 返回命中率，没有请求时为 0。
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache 在 Backend 之上提供命中统计与故障吞没语义。
type Cache struct {
	backend    Backend
	state      State
	defaultTTL time.Duration
	log        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Cache)

// WithDefaultTTL 设置 ttl<=0 时使用的过期时间。
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// New 使用指定后端构造缓存。
func New(backend Backend, state State, opts ...Option) *Cache {
	c := &Cache{
		backend:    backend,
		state:      state,
		defaultTTL: defaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = logger.Named("cache")
	}
	return c
}

// Open 在启动阶段探测 Redis，成功则进入 Connected，否则进入 Degraded 并一直保持。
func Open(ctx context.Context, cfg Config, opts ...Option) *Cache {
	if cfg.DefaultTTL > 0 {
		opts = append([]Option{WithDefaultTTL(cfg.DefaultTTL)}, opts...)
	}
	log := logger.Named("cache")

	if strings.TrimSpace(cfg.Address) == "" {
		log.Info("未配置 Redis，使用内存缓存")
		return New(NewMemoryBackend(cfg.MaxEntries), StateDegraded, opts...)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
		MaxRetries:  -1,
	})

	probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(probeCtx).Err(); err != nil {
		_ = client.Close()
		log.Warn("Redis 连接失败，降级为内存缓存",
			slog.String("address", cfg.Address),
			slog.Any("error", err))
		return New(NewMemoryBackend(cfg.MaxEntries), StateDegraded, opts...)
	}

	log.Info("Redis 已连接", slog.String("address", cfg.Address))
	return New(NewRedisBackend(client), StateConnected, opts...)
}

// State 返回启动时选定的后端状态。
func (c *Cache) State() State { return c.state }

// Backend 返回底层后端名称。
func (c *Cache) Backend() string { return c.backend.Name() }

// Get 读取键值并记录命中或未命中。传输失败按未命中处理。
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("缓存读取失败", slog.String("key", key), slog.Any("error", err))
		ok = false
	}
	if ok {
		c.bump(ctx, StatHits, 1)
		return value, true
	}
	c.bump(ctx, StatMisses, 1)
	return nil, false
}

// Set 写入键值，ttl<=0 时使用默认过期时间。传输失败时返回 false。
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		c.log.Warn("缓存写入失败", slog.String("key", key), slog.Any("error", err))
		return false
	}
	c.bump(ctx, StatTotalBytes, int64(len(value)))
	return true
}

// GetJSON 读取并解码 JSON 值。解码失败视为未命中。
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn("缓存值解码失败", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// SetJSON 编码为 JSON 后写入。
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) bool {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("缓存值编码失败", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return c.Set(ctx, key, raw, ttl)
}

// GetEntry 返回带剩余 TTL 与大小的条目。
func (c *Cache) GetEntry(ctx context.Context, key string) (*Entry, bool) {
	value, ok := c.Get(ctx, key)
	if !ok {
		return nil, false
	}
	ttl, err := c.backend.TTL(ctx, key)
	if err != nil {
		ttl = -1
	}
	return &Entry{Key: key, Value: value, TTL: ttl, Size: len(value)}, true
}

// Delete 删除键，失败时仅记录日志。
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.log.Warn("缓存删除失败", slog.String("key", key), slog.Any("error", err))
	}
}

// Exists 判断键是否存在，失败时返回 false。
func (c *Cache) Exists(ctx context.Context, key string) bool {
	ok, err := c.backend.Exists(ctx, key)
	if err != nil {
		c.log.Warn("缓存探测失败", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return ok
}

// ClearPrefix 删除某个命名空间下的全部键，返回删除数量。
func (c *Cache) ClearPrefix(ctx context.Context, prefix string) int {
	n, err := c.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		c.log.Warn("按前缀清理缓存失败", slog.String("prefix", prefix), slog.Any("error", err))
	}
	return n
}

// AddMember 向集合加入成员。
func (c *Cache) AddMember(ctx context.Context, set, member string) bool {
	if err := c.backend.AddMember(ctx, set, member); err != nil {
		c.log.Warn("集合写入失败", slog.String("set", set), slog.Any("error", err))
		return false
	}
	return true
}

// RemoveMember 从集合移除成员。
func (c *Cache) RemoveMember(ctx context.Context, set, member string) bool {
	if err := c.backend.RemoveMember(ctx, set, member); err != nil {
		c.log.Warn("集合删除失败", slog.String("set", set), slog.Any("error", err))
		return false
	}
	return true
}

// Members 返回集合成员，失败时返回空。
func (c *Cache) Members(ctx context.Context, set string) []string {
	members, err := c.backend.Members(ctx, set)
	if err != nil {
		c.log.Warn("集合读取失败", slog.String("set", set), slog.Any("error", err))
		return nil
	}
	return members
}

// AddScored 向有序集合写入成员。
func (c *Cache) AddScored(ctx context.Context, zset, member string, score float64) bool {
	if err := c.backend.AddScored(ctx, zset, member, score); err != nil {
		c.log.Warn("有序集合写入失败", slog.String("zset", zset), slog.Any("error", err))
		return false
	}
	return true
}

// RangeByScoreDesc 按分数倒序读取有序集合。
func (c *Cache) RangeByScoreDesc(ctx context.Context, zset string, start, stop int64) []string {
	members, err := c.backend.RangeByScoreDesc(ctx, zset, start, stop)
	if err != nil {
		c.log.Warn("有序集合读取失败", slog.String("zset", zset), slog.Any("error", err))
		return nil
	}
	return members
}

// Stats 返回命中统计。读取失败时返回 Available=false。
func (c *Cache) Stats(ctx context.Context) Stats {
	stats := Stats{Backend: c.backend.Name(), Available: c.state == StateConnected}
	raw, err := c.backend.Stats(ctx)
	if err != nil {
		c.log.Warn("读取缓存统计失败", slog.Any("error", err))
		stats.Available = false
		return stats
	}
	stats.Hits = raw[StatHits]
	stats.Misses = raw[StatMisses]
	stats.TotalBytes = raw[StatTotalBytes]
	stats.Evictions = raw[StatEvictions]
	return stats
}

// ResetStats 显式清零统计。
func (c *Cache) ResetStats(ctx context.Context) {
	if err := c.backend.ResetStats(ctx); err != nil {
		c.log.Warn("清零缓存统计失败", slog.Any("error", err))
	}
}

// Close 释放后端资源。
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) bump(ctx context.Context, field string, delta int64) {
	if err := c.backend.IncrStat(ctx, field, delta); err != nil {
		c.log.Debug("更新缓存统计失败", slog.String("field", field), slog.Any("error", err))
	}
}
