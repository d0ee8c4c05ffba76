package execution

import (
	"context"
	"sync"
)

// MemoryQueue 基于带缓冲的 channel，供单进程部署和测试使用。
type MemoryQueue struct {
	mu     sync.RWMutex
	ids    chan string
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列，size<=0 时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ids: make(chan string, size)}
}

// Publish 在队列已满时阻塞，直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, executionID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ids <- executionID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个协程消费，队列关闭后仍等待 ctx 结束才返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return consume(ctx, workerCount, handler, q.receive)
}

func (q *MemoryQueue) receive(ctx context.Context) (delivery, error) {
	select {
	case <-ctx.Done():
		return delivery{}, ctx.Err()
	case id, ok := <-q.ids:
		if !ok {
			return delivery{}, ErrQueueClosed
		}
		return delivery{id: id}, nil
	}
}

// Close 可重复调用。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ids)
	return nil
}
