// Package cache offers the key/value store shared by the compression pipeline,
// the LLM gateway and the execution sink. A Redis backend is preferred; when it
// cannot be reached at startup the cache degrades to an in-process backend for
// the rest of the process lifetime.
package cache

import (
	"context"
	"time"
)

// Stat field names kept by every backend.
const (
	StatHits       = "hits"
	StatMisses     = "misses"
	StatTotalBytes = "total_size"
	StatEvictions  = "evictions"
)

// Backend 抽象了缓存后端需要提供的原语。
// 所有方法在网络失败时返回 error，由 Cache 决定如何降级。
type Backend interface {
	Name() string

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	AddMember(ctx context.Context, set, member string) error
	RemoveMember(ctx context.Context, set, member string) error
	Members(ctx context.Context, set string) ([]string, error)

	AddScored(ctx context.Context, zset, member string, score float64) error
	RangeByScoreDesc(ctx context.Context, zset string, start, stop int64) ([]string, error)

	IncrStat(ctx context.Context, field string, delta int64) error
	Stats(ctx context.Context) (map[string]int64, error)
	ResetStats(ctx context.Context) error

	Close() error
}
