package workflow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/compress"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/pkg/logger"
)

// 合成阶段失败时信封中使用的智能体与动作名。
const (
	synthesisAgent  = "synthesizer"
	synthesisAction = "synthesize"
)

// Engine 驱动一次查询的完整生命周期：
// RECEIVED → PLANNED → EXECUTING → SYNTHESIZING → DONE，执行或合成失败时进入 FAILED。
type Engine struct {
	registry    *agent.Registry
	planner     *Planner
	executor    *Executor
	synthesizer *Synthesizer
	pipeline    *compress.Pipeline

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	log *slog.Logger
}

// Stats 汇总引擎自启动以来的处理情况。
type Stats struct {
	Agents      int            `json:"agents_available"`
	Processed   int64          `json:"processed"`
	Succeeded   int64          `json:"succeeded"`
	Failed      int64          `json:"failed"`
	Compression compress.Stats `json:"compression_stats"`
}

// NewEngine 组装引擎。
func NewEngine(registry *agent.Registry, planner *Planner, executor *Executor, synthesizer *Synthesizer, pipeline *compress.Pipeline) (*Engine, error) {
	if registry == nil || planner == nil || executor == nil || synthesizer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "引擎缺少规划器、执行器或合成器")
	}
	if pipeline == nil {
		pipeline = executor.pipeline
	}
	return &Engine{
		registry:    registry,
		planner:     planner,
		executor:    executor,
		synthesizer: synthesizer,
		pipeline:    pipeline,
		log:         logger.Named("workflow.engine"),
	}, nil
}

// Registry 返回引擎使用的智能体注册表。
func (e *Engine) Registry() *agent.Registry { return e.registry }

// Planner 返回引擎使用的规划器。
func (e *Engine) Planner() *Planner { return e.planner }

// Process 处理一次查询。只有输入非法时返回 error；步骤失败通过 Outcome.Failure 报告。
// obs 可以为 nil。
func (e *Engine) Process(ctx context.Context, query string, seed Seed, obs Observer) (*Outcome, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	out := &Outcome{Query: query, State: StateReceived, StartedAt: time.Now()}

	plan, err := e.planner.Plan(ctx, query, seed)
	if err != nil {
		return nil, err
	}
	e.processed.Add(1)
	out.Plan = plan
	e.transition(out, StatePlanned, slog.String("source", string(plan.Source)), slog.Int("steps", len(plan.Steps)))
	obs.Planned(plan)

	e.transition(out, StateExecuting)
	results, failure := e.executor.Execute(ctx, plan, query, seed, obs)
	out.Steps = results
	if failure != nil {
		return e.fail(out, failure), nil
	}

	e.transition(out, StateSynthesizing)
	answer, err := e.synthesizer.Synthesize(ctx, query, results)
	if err != nil {
		failure := &StepFailure{
			Index:     len(results) + 1,
			Agent:     synthesisAgent,
			Action:    synthesisAction,
			Code:      xerrors.CodeOf(err),
			Message:   err.Error(),
			Completed: results,
		}
		obs.StepFailed(*failure)
		return e.fail(out, failure), nil
	}

	out.Answer = answer
	out.Compression = e.pipeline.Stats()
	out.FinishedAt = time.Now()
	e.succeeded.Add(1)
	e.transition(out, StateDone, slog.Duration("elapsed", out.Elapsed()), slog.Int("tokens", out.TotalTokens()))
	return out, nil
}

// Stats 返回处理统计与压缩统计。
func (e *Engine) Stats() Stats {
	return Stats{
		Agents:      e.registry.Len(),
		Processed:   e.processed.Load(),
		Succeeded:   e.succeeded.Load(),
		Failed:      e.failed.Load(),
		Compression: e.pipeline.Stats(),
	}
}

func (e *Engine) fail(out *Outcome, failure *StepFailure) *Outcome {
	// 已完成的步骤只出现在失败信封中。
	out.Steps = nil
	out.Failure = failure
	out.Compression = e.pipeline.Stats()
	out.FinishedAt = time.Now()
	e.failed.Add(1)
	e.transition(out, StateFailed,
		slog.Int("step", failure.Index),
		slog.String("agent", failure.Agent),
		slog.String("code", string(failure.Code)))
	return out
}

func (e *Engine) transition(out *Outcome, state State, attrs ...any) {
	out.State = state
	e.log.Debug("查询状态变更", append([]any{slog.String("state", string(state))}, attrs...)...)
}
