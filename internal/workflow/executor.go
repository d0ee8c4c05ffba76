package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/compress"
	"PricingFlow/internal/connector"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/knowledge"
	"PricingFlow/internal/skills"
	"PricingFlow/internal/tokenutil"
	"PricingFlow/pkg/logger"
)

const (
	defaultContextThreshold = 2000
	defaultContextBudget    = 1000
)

// Executor 按顺序执行计划中的步骤，每一步都能看到之前步骤的回答。
type Executor struct {
	registry   *agent.Registry
	connectors *connector.Set
	prompts    *skills.Builder
	pipeline   *compress.Pipeline
	responses  *compress.ResponseCompressor
	gateway    *Gateway
	runbooks   knowledge.Provider

	contextThreshold int
	contextBudget    int

	log *slog.Logger
}

// ExecutorOption 自定义执行器。
type ExecutorOption func(*Executor)

// WithConnectors 配置智能体访问外部资源所用的连接器。
func WithConnectors(set *connector.Set) ExecutorOption {
	return func(e *Executor) { e.connectors = set }
}

// WithRunbooks 为每个步骤附加匹配的运行手册条目。
func WithRunbooks(p knowledge.Provider) ExecutorOption {
	return func(e *Executor) { e.runbooks = p }
}

// WithResponseCompressor 替换回答压缩器。
func WithResponseCompressor(rc *compress.ResponseCompressor) ExecutorOption {
	return func(e *Executor) {
		if rc != nil {
			e.responses = rc
		}
	}
}

// WithContextCompression 设置上下文压缩的触发长度（字符）与目标预算（token）。
func WithContextCompression(thresholdChars, budgetTokens int) ExecutorOption {
	return func(e *Executor) {
		if thresholdChars > 0 {
			e.contextThreshold = thresholdChars
		}
		if budgetTokens > 0 {
			e.contextBudget = budgetTokens
		}
	}
}

// NewExecutor 创建执行器。
func NewExecutor(registry *agent.Registry, provider skills.Provider, gateway *Gateway, pipeline *compress.Pipeline, opts ...ExecutorOption) (*Executor, error) {
	if registry == nil || provider == nil || gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器缺少注册表、技能或大模型网关")
	}
	if pipeline == nil {
		pipeline = compress.NewPipeline()
	}
	e := &Executor{
		registry:         registry,
		connectors:       connector.NewSet(),
		prompts:          skills.NewBuilder(provider),
		pipeline:         pipeline,
		responses:        compress.NewResponseCompressor(pipeline, 0),
		gateway:          gateway,
		contextThreshold: defaultContextThreshold,
		contextBudget:    defaultContextBudget,
		log:              logger.Named("workflow.executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Execute 依次执行计划。未注册的智能体、连接器失败或没有替代回答的大模型失败会终止剩余步骤，
// 已完成的结果放在失败信封中返回。
func (e *Executor) Execute(ctx context.Context, plan Plan, query string, seed Seed, obs Observer) ([]StepResult, *StepFailure) {
	if obs == nil {
		obs = nopObserver{}
	}
	ec := NewExecutionContext(seed)
	results := make([]StepResult, 0, len(plan.Steps))

	for i, step := range plan.Steps {
		index := i + 1
		obs.StepStarted(index, step)

		result, err := e.runStep(ctx, ec, index, step, query)
		if err != nil {
			failure := StepFailure{
				Index:     index,
				Agent:     step.Agent,
				Action:    step.Action,
				Code:      xerrors.CodeOf(err),
				Message:   err.Error(),
				Completed: results,
			}
			e.log.Warn("步骤执行失败，终止剩余步骤",
				slog.Int("step", index),
				slog.String("agent", step.Agent),
				slog.String("action", step.Action),
				slog.String("code", string(failure.Code)),
				slog.Any("error", err))
			obs.StepFailed(failure)
			return results, &failure
		}

		// 回答追加到上下文，供后续步骤引用。
		ec.Append(result.Response)
		results = append(results, result)
		obs.StepFinished(result)
	}
	return results, nil
}

func (e *Executor) runStep(ctx context.Context, ec *ExecutionContext, index int, step Step, query string) (StepResult, error) {
	start := time.Now()

	// 解析智能体。
	desc, err := e.registry.Lookup(step.Agent)
	if err != nil {
		return StepResult{}, err
	}

	// 读取智能体依赖的外部资源。
	extra := map[string]any{}
	if c, ok := e.connectors.For(desc.Resource); ok {
		data, err := c.Fetch(ctx, connector.Request{Action: step.Action, Query: query})
		if err != nil {
			if xerrors.CodeOf(err) != xerrors.CodeConnector {
				err = xerrors.Wrap(xerrors.CodeConnector, err, "连接器调用失败")
			}
			return StepResult{}, err
		}
		if !data.Empty() {
			extra[data.Source+"_data"] = data.Text
		}
	}
	if e.runbooks != nil {
		if snippets := e.runbooks.Query(query, step.Action); len(snippets) > 0 {
			extra["runbook"] = snippets
		}
	}

	// 构建提示词，上下文过长时先压缩再重建。
	req := skills.PromptRequest{
		Agent:           desc.Skills,
		Template:        step.Template,
		Task:            step.Action + ": " + query,
		Context:         ec.Serialize(extra),
		IncludeExamples: true,
	}
	if len(req.Context) > e.contextThreshold {
		compressed, res := e.pipeline.Compress(ctx, req.Context, e.contextBudget, false)
		raw, _ := json.Marshal(map[string]string{"compressed": compressed})
		req.Context = string(raw)
		req.IncludeExamples = false
		e.log.Debug("上下文已压缩",
			slog.Int("step", index),
			slog.Int("original_tokens", res.OriginalTokens),
			slog.Int("compressed_tokens", res.CompressedTokens))
	}
	prompt, err := e.prompts.Build(ctx, req)
	if err != nil {
		return StepResult{}, err
	}

	// 调用大模型并压缩回答。
	reply, err := e.gateway.Generate(ctx, prompt)
	if err != nil {
		return StepResult{}, err
	}
	response, _ := e.responses.Compress(ctx, reply.Text)

	return StepResult{
		Index:    index,
		Agent:    desc.ID,
		Action:   step.Action,
		Response: response,
		Tokens:   tokenutil.Estimate(prompt) + tokenutil.Estimate(reply.Text),
		Elapsed:  time.Since(start),
		Cached:   reply.Cached,
	}, nil
}
