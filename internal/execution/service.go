package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "PricingFlow/internal/errors"
	"PricingFlow/pkg/logger"
)

// SubmitRequest 描述一次待执行的查询。
type SubmitRequest struct {
	ID      string         `json:"id,omitempty"`
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// Service 负责执行记录的创建与查询。
type Service struct {
	store    Store
	producer Producer
	now      func() time.Time
}

// NewService 构造执行服务。producer 为空时只能使用同步的 Create。
func NewService(store Store, producer Producer) *Service {
	return &Service{store: store, producer: producer, now: time.Now}
}

// Submit 创建一个新的执行并推送到队列。相同 ID 的重复提交返回已有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Record, error) {
	if s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行队列未初始化")
	}
	rec, existed, err := s.create(ctx, req)
	if err != nil || existed {
		return rec, err
	}
	if err := s.producer.Publish(ctx, rec.ID); err != nil {
		logger.L().Error("执行入队失败", slog.Any("error", err), slog.String("execution_id", rec.ID))
		wrapped := xerrors.Wrap(CodeExecutionPublish, err, "发布执行到队列失败")
		rec.Status = StatusFailed
		rec.Error = wrapped.Error()
		rec.ErrorCode = string(CodeExecutionPublish)
		rec.CompletedAt = s.now()
		if storeErr := s.store.Update(ctx, rec); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("execution_id", rec.ID))
		}
		return nil, wrapped
	}
	logger.Audit().Info("执行入队成功",
		slog.String("execution_id", rec.ID),
		slog.String("query", rec.Query),
	)
	return rec, nil
}

// Create 只保存执行记录，不投递到队列，供同步执行使用。
func (s *Service) Create(ctx context.Context, req SubmitRequest) (*Record, error) {
	rec, _, err := s.create(ctx, req)
	return rec, err
}

func (s *Service) create(ctx context.Context, req SubmitRequest) (*Record, bool, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, false, xerrors.New(CodeExecutionValidation, "查询内容不能为空")
	}
	if s.store == nil {
		return nil, false, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, true, nil
		}
		if !stdErrors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	} else {
		id = uuid.NewString()
	}

	rec := &Record{
		ID:      id,
		Query:   query,
		Context: cloneContext(req.Context),
		Status:  StatusPending,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	return rec, false, nil
}

// Get 返回指定执行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的执行列表，按创建时间倒序。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Running 返回运行中的执行 ID。
func (s *Service) Running(ctx context.Context) ([]string, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.Running(ctx)
}

// Stats 返回执行统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询执行状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
