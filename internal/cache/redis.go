package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// statsKey 是 Redis 中保存命中统计的哈希键，多个进程共享。
const statsKey = "cache:stats"

// RedisBackend 基于 go-redis 实现 Backend。
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend 使用已有的客户端创建后端。
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Name 返回后端名称。
func (r *RedisBackend) Name() string { return "redis" }

// Get 读取键值，键不存在时返回 ok=false 且 err=nil。
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set 使用 SET EX 写入。
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete 删除键。
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Exists 判断键是否存在。
func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTL 返回剩余存活时间。
func (r *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, key).Result()
}

// DeletePrefix 通过 SCAN 分批删除匹配前缀的键。
func (r *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return total, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return total, err
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// AddMember 执行 SADD。
func (r *RedisBackend) AddMember(ctx context.Context, set, member string) error {
	return r.client.SAdd(ctx, set, member).Err()
}

// RemoveMember 执行 SREM。
func (r *RedisBackend) RemoveMember(ctx context.Context, set, member string) error {
	return r.client.SRem(ctx, set, member).Err()
}

// Members 执行 SMEMBERS。
func (r *RedisBackend) Members(ctx context.Context, set string) ([]string, error) {
	return r.client.SMembers(ctx, set).Result()
}

// AddScored 执行 ZADD。
func (r *RedisBackend) AddScored(ctx context.Context, zset, member string, score float64) error {
	return r.client.ZAdd(ctx, zset, redis.Z{Score: score, Member: member}).Err()
}

// RangeByScoreDesc 执行 ZREVRANGE。
func (r *RedisBackend) RangeByScoreDesc(ctx context.Context, zset string, start, stop int64) ([]string, error) {
	return r.client.ZRevRange(ctx, zset, start, stop).Result()
}

// IncrStat 通过 HINCRBY 原子递增统计值。
func (r *RedisBackend) IncrStat(ctx context.Context, field string, delta int64) error {
	return r.client.HIncrBy(ctx, statsKey, field, delta).Err()
}

// Stats 读取统计哈希。
func (r *RedisBackend) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}

// ResetStats 删除统计哈希。
func (r *RedisBackend) ResetStats(ctx context.Context) error {
	return r.client.Del(ctx, statsKey).Err()
}

// Close 关闭 Redis 连接。
func (r *RedisBackend) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
