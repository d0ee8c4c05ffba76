package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/observability/alerting"
	"PricingFlow/internal/observability/metrics"
	"PricingFlow/internal/workflow"
	"PricingFlow/pkg/logger"
)

// persistTimeout 限制每次写回执行记录的耗时。写回不随调用方的 ctx 取消，
// 否则同步超时或停机会让记录永远停在 running。
const persistTimeout = 5 * time.Second

// Runner 是处理器所需的工作流能力，*workflow.Engine 满足该接口。
type Runner interface {
	Process(ctx context.Context, query string, seed workflow.Seed, obs workflow.Observer) (*workflow.Outcome, error)
}

// Processor 负责从队列消费执行并交给工作流引擎处理。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithExecutionTimeout 限制单次执行的总耗时。
func WithExecutionTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。consumer 为空时只能通过 Run 同步执行。
func NewProcessor(runner Runner, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("execution.processor")
	}
	return p
}

// Start 启动执行处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	_, err := p.Run(ctx, id)
	if err != nil && (stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrConflict)) {
		p.logger.Debug("跳过执行", slog.String("execution_id", id), slog.String("reason", err.Error()))
		return nil
	}
	return err
}

// Run 同步处理一次执行并返回终态记录。只有处于 pending 的执行会被处理，
// 其余状态返回 ErrConflict。
func (p *Processor) Run(ctx context.Context, id string) (*Record, error) {
	if p.store == nil || p.runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, ErrConflict
	}

	persistCtx := context.WithoutCancel(ctx)

	// 领取执行。
	rec.Status = StatusRunning
	rec.StartedAt = p.now()
	if err := persist(persistCtx, p.store, rec); err != nil {
		logger.L().Error("领取执行失败", slog.Any("error", err), slog.String("execution_id", id))
		return nil, err
	}

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	tracker := &tracker{ctx: persistCtx, rec: rec, store: p.store, now: p.now, log: p.logger}
	outcome, runErr := p.runner.Process(runCtx, rec.Query, workflow.Seed(cloneContext(rec.Context)), tracker)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	rec.CompletedAt = p.now()
	switch {
	case runErr != nil:
		code := xerrors.CodeOf(runErr)
		if code == xerrors.CodeUnknown {
			code = CodeExecutionFailed
		}
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
		rec.ErrorCode = string(code)
	case outcome.Failure != nil:
		rec.Status = StatusFailed
		rec.Error = outcome.Failure.Message
		rec.ErrorCode = string(outcome.Failure.Code)
		rec.FailedStep = outcome.Failure.Index
		rec.FailedAgent = outcome.Failure.Agent
	default:
		rec.Status = StatusCompleted
		rec.Result = &Result{
			Answer:        outcome.Answer,
			PlanSource:    outcome.Plan.Source,
			Rule:          outcome.Plan.Rule,
			Agents:        outcome.Plan.Agents(),
			TotalTokens:   outcome.TotalTokens(),
			ElapsedMillis: outcome.Elapsed().Milliseconds(),
		}
	}

	metrics.ObserveExecution(string(rec.Status))
	if err := persist(persistCtx, p.store, rec); err != nil {
		logger.L().Error("写入执行终态失败", slog.Any("error", err), slog.String("execution_id", id))
		return rec, err
	}

	if rec.Status == StatusFailed {
		logger.Audit().Warn("执行失败",
			slog.String("execution_id", rec.ID),
			slog.String("query", rec.Query),
			slog.Int("failed_step", rec.FailedStep),
			slog.String("error_code", rec.ErrorCode),
			slog.String("error", rec.Error),
		)
		p.emitAlert(persistCtx, rec)
		return rec, nil
	}
	logger.Audit().Info("执行完成",
		slog.String("execution_id", rec.ID),
		slog.String("query", rec.Query),
		slog.String("plan_source", string(rec.Result.PlanSource)),
		slog.Int("tokens", rec.Result.TotalTokens),
	)
	return rec, nil
}

func persist(ctx context.Context, store Store, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	return store.Update(ctx, rec)
}

func (p *Processor) emitAlert(ctx context.Context, rec *Record) {
	if p.alerter == nil {
		return
	}
	code := xerrors.Code(rec.ErrorCode)
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:        code,
		Message:     rec.Error,
		Severity:    attrs.Severity,
		ExecutionID: rec.ID,
		Step:        rec.FailedStep,
		Agent:       rec.FailedAgent,
		Metadata: map[string]string{
			"query":     rec.Query,
			"retryable": boolString(attrs.Retryable),
		},
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("execution_id", rec.ID))
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// tracker 把工作流的步骤回调写回执行记录。
type tracker struct {
	// ctx 已脱离调用方的取消信号。
	ctx   context.Context
	mu    sync.Mutex
	rec   *Record
	store Store
	now   func() time.Time
	log   *slog.Logger
}

func (t *tracker) Planned(plan workflow.Plan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rec.Steps = make([]StepUpdate, len(plan.Steps))
	for i, s := range plan.Steps {
		t.rec.Steps[i] = StepUpdate{Index: i + 1, Agent: s.Agent, Action: s.Action, Status: StatusPending}
	}
	t.flush()
}

func (t *tracker) StepStarted(index int, step workflow.Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rec.CurrentStep = index
	if u := t.step(index); u != nil {
		u.Status = StatusRunning
		u.StartedAt = t.now()
	}
	t.flush()
}

func (t *tracker) StepFinished(result workflow.StepResult) {
	metrics.ObserveStep(result.Agent, result.Action, string(StatusCompleted), result.Elapsed)
	t.mu.Lock()
	defer t.mu.Unlock()
	if u := t.step(result.Index); u != nil {
		u.Status = StatusCompleted
		u.Tokens = result.Tokens
		u.Cached = result.Cached
		u.FinishedAt = t.now()
	}
	t.flush()
}

func (t *tracker) StepFailed(failure workflow.StepFailure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u := t.step(failure.Index); u != nil {
		u.Status = StatusFailed
		u.Error = failure.Message
		u.FinishedAt = t.now()
		metrics.ObserveStep(failure.Agent, failure.Action, string(StatusFailed), u.FinishedAt.Sub(u.StartedAt))
	}
	t.flush()
}

// step 返回序号对应的轨迹项，合成步骤不在计划内时返回 nil。
func (t *tracker) step(index int) *StepUpdate {
	if index < 1 || index > len(t.rec.Steps) {
		return nil
	}
	return &t.rec.Steps[index-1]
}

func (t *tracker) flush() {
	if err := persist(t.ctx, t.store, t.rec); err != nil {
		t.log.Warn("更新执行进度失败", slog.String("execution_id", t.rec.ID), slog.Any("error", err))
	}
}

var _ workflow.Observer = (*tracker)(nil)
