package execution

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "PricingFlow/internal/errors"
)

const (
	defaultRedisQueue     = "pricingflow:executions"
	defaultRedisBlockWait = 5 * time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 以 Redis list 为执行队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	rdb  redis.UniversalClient
	key  string
	wait time.Duration
}

// NewRedisQueue 连接并 Ping Redis。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 队列地址不能为空")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 队列失败",
			xerrors.WithMetadata("addr", cfg.Address))
	}
	return NewRedisQueueWithClient(rdb, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 复用已有客户端，例如与缓存共用连接。
func NewRedisQueueWithClient(rdb redis.UniversalClient, key string, wait time.Duration) *RedisQueue {
	q := &RedisQueue{rdb: rdb, key: key, wait: wait}
	if q.key == "" {
		q.key = defaultRedisQueue
	}
	if q.wait <= 0 {
		q.wait = defaultRedisBlockWait
	}
	return q
}

// Publish 把执行 ID 推入列表头部。
func (q *RedisQueue) Publish(ctx context.Context, executionID string) error {
	if err := q.rdb.LPush(ctx, q.key, executionID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 入队失败")
	}
	return nil
}

// Consume 阻塞消费直到 ctx 结束或连接不可用。BRPOP 取出即删除，没有确认环节。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return consume(ctx, workerCount, handler, q.receive)
}

func (q *RedisQueue) receive(ctx context.Context) (delivery, error) {
	values, err := q.rdb.BRPop(ctx, q.wait, q.key).Result()
	switch {
	case stdErrors.Is(err, redis.Nil):
		return delivery{}, nil
	case err != nil:
		return delivery{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 出队失败")
	case len(values) != 2:
		return delivery{}, nil
	}
	return delivery{id: values[1]}, nil
}

// Close 关闭底层客户端。
func (q *RedisQueue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}
