package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"

	"PricingFlow/pkg/logger"
)

// ErrQueueClosed 表示队列已经关闭。
var ErrQueueClosed = stdErrors.New("队列已关闭")

// Handler 处理来自消息队列的执行 ID。
type Handler func(ctx context.Context, executionID string) error

// Producer 负责向队列投递执行。
type Producer interface {
	Publish(ctx context.Context, executionID string) error
	Close() error
}

// Consumer 负责从队列中消费执行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// delivery 是一次出队的结果。id 为空表示本轮没有取到消息。
// settle 在处理结束后调用，由具体队列决定确认方式。
type delivery struct {
	id     string
	settle func(handlerErr error)
}

// receiveFunc 阻塞取下一条消息。返回 ErrQueueClosed 时该协程静默退出，
// 其他错误会结束整个消费过程。
type receiveFunc func(ctx context.Context) (delivery, error)

// consume 是三种队列共用的工作协程模型。执行 ID 只投递一次：
// 处理失败时处理器已经写入 failed 终态，队列不再重投。
func consume(parent context.Context, workers int, handler Handler, receive receiveFunc) error {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log := logger.Named("execution.queue")
	fatal := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				d, err := receive(ctx)
				if err != nil {
					if ctx.Err() == nil && !stdErrors.Is(err, ErrQueueClosed) {
						fatal <- err
					}
					return
				}
				if d.id == "" {
					continue
				}
				handlerErr := handler(ctx, d.id)
				if handlerErr != nil {
					log.Warn("处理执行失败", slog.String("execution_id", d.id), slog.Any("error", handlerErr))
				}
				if d.settle != nil {
					d.settle(handlerErr)
				}
			}
		}()
	}

	var err error
	select {
	case <-parent.Done():
		err = parent.Err()
	case err = <-fatal:
	}
	cancel()
	wg.Wait()
	return err
}
