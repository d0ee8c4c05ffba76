package execution

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "PricingFlow/internal/errors"
)

const defaultRabbitQueue = "pricingflow.executions"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机投递执行 ID，消费端手动确认。
type RabbitMQQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
}

// NewRabbitMQQueue 建立连接与 channel 并声明队列，任一步失败都会释放已建立的资源。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	name := cfg.Queue
	if name == "" {
		name = defaultRabbitQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	q := &RabbitMQQueue{conn: conn, name: name}
	if q.ch, err = conn.Channel(); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "打开 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = q.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ prefetch 失败")
		}
	}
	if _, err := q.ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", name))
	}
	return q, nil
}

// Publish 以持久化消息投递执行 ID。
func (q *RabbitMQQueue) Publish(ctx context.Context, executionID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{ContentType: "text/plain", DeliveryMode: amqp.Persistent, Body: []byte(executionID)}
	if err := q.ch.PublishWithContext(ctx, "", q.name, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 投递失败")
	}
	return nil
}

// Consume 订阅队列。处理成功 ack，失败 nack 且不重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	return consume(ctx, workerCount, handler, func(ctx context.Context) (delivery, error) {
		select {
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return delivery{}, ErrQueueClosed
			}
			return delivery{id: string(msg.Body), settle: settleFunc(msg)}, nil
		}
	})
}

func settleFunc(msg amqp.Delivery) func(error) {
	return func(handlerErr error) {
		if handlerErr != nil {
			_ = msg.Nack(false, false)
			return
		}
		_ = msg.Ack(false)
	}
}

// Close 先关 channel 再关连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
