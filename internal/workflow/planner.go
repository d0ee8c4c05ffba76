package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/compress"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/pkg/logger"
)

const (
	defaultPlanningBudget = 500
	defaultTemplate       = "default"
)

// Rule 是规划表中的一行：Match 命中时直接使用 Steps。
type Rule struct {
	Name  string
	Match func(query string) bool
	Steps []Step
}

// ContainsAny 返回一个匹配器：小写后的查询包含任一关键词即命中。
func ContainsAny(keywords ...string) func(string) bool {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return func(query string) bool {
		q := strings.ToLower(query)
		for _, k := range lowered {
			if strings.Contains(q, k) {
				return true
			}
		}
		return false
	}
}

// DefaultRules 返回内置规划表，按优先级排列。
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "pricing_lookup",
			Match: ContainsAny("price for cusip", "pricing for", "check price"),
			Steps: []Step{{Agent: agent.PricingAgent, Action: "query_price", Template: defaultTemplate}},
		},
		{
			Name:  "pricing_failure",
			Match: ContainsAny("why did pricing fail", "pricing failed", "investigate"),
			Steps: []Step{
				{Agent: agent.PricingAgent, Action: "get_error_details", Template: "analysis"},
				{Agent: agent.UnixAgent, Action: "analyze_logs", Template: "log_analysis"},
				{Agent: agent.AnalysisAgent, Action: "root_cause_analysis", Template: "root_cause"},
			},
		},
		{
			Name:  "job_status",
			Match: ContainsAny("job running", "job status", "check job"),
			Steps: []Step{{Agent: agent.UnixAgent, Action: "check_job_status", Template: defaultTemplate}},
		},
		{
			Name:  "log_analysis",
			Match: ContainsAny("show logs", "analyze logs", "check logs"),
			Steps: []Step{{Agent: agent.UnixAgent, Action: "analyze_logs", Template: "log_analysis"}},
		},
	}
}

// DefaultStep 是规划失败时使用的单步计划。
var DefaultStep = Step{Agent: agent.PricingAgent, Action: "general_query", Template: defaultTemplate}

// Planner 把查询映射为执行计划：先查规划表，未命中时请大模型规划。
type Planner struct {
	registry *agent.Registry
	gateway  *Gateway
	pipeline *compress.Pipeline
	budget   int
	fallback Step

	mu    sync.RWMutex
	rules []Rule

	log *slog.Logger
}

// PlannerOption 自定义规划器。
type PlannerOption func(*Planner)

// WithRules 替换内置规划表。
func WithRules(rules ...Rule) PlannerOption {
	return func(p *Planner) { p.rules = append([]Rule(nil), rules...) }
}

// WithPlanningBudget 设置规划提示词的 token 预算。
func WithPlanningBudget(tokens int) PlannerOption {
	return func(p *Planner) {
		if tokens > 0 {
			p.budget = tokens
		}
	}
}

// WithDefaultStep 设置规划失败时使用的步骤。
func WithDefaultStep(step Step) PlannerOption {
	return func(p *Planner) { p.fallback = step }
}

// NewPlanner 创建规划器，并校验规划表中的每个步骤都指向已注册的智能体。
func NewPlanner(registry *agent.Registry, gateway *Gateway, pipeline *compress.Pipeline, opts ...PlannerOption) (*Planner, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置智能体注册表")
	}
	if pipeline == nil {
		pipeline = compress.NewPipeline()
	}
	p := &Planner{
		registry: registry,
		gateway:  gateway,
		pipeline: pipeline,
		budget:   defaultPlanningBudget,
		fallback: DefaultStep,
		rules:    DefaultRules(),
		log:      logger.Named("workflow.planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if _, err := p.resolve([]Step{p.fallback}); err != nil {
		return nil, err
	}
	if err := p.validate(p.rules); err != nil {
		return nil, err
	}
	return p, nil
}

// Rules 返回规划表的副本。
func (p *Planner) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Rule(nil), p.rules...)
}

// ReplaceRules 整体替换规划表。
func (p *Planner) ReplaceRules(rules []Rule) error {
	if err := p.validate(rules); err != nil {
		return err
	}
	p.mu.Lock()
	p.rules = append([]Rule(nil), rules...)
	p.mu.Unlock()
	return nil
}

// PrependRule 把规则插入到最高优先级。
func (p *Planner) PrependRule(rule Rule) error {
	if err := p.validate([]Rule{rule}); err != nil {
		return err
	}
	p.mu.Lock()
	p.rules = append([]Rule{rule}, p.rules...)
	p.mu.Unlock()
	return nil
}

// Plan 返回查询对应的执行计划，结果永远非空。
func (p *Planner) Plan(ctx context.Context, query string, seed Seed) (Plan, error) {
	if strings.TrimSpace(query) == "" {
		return Plan{}, xerrors.New(xerrors.CodeInvalidArgument, "查询不能为空")
	}

	// 规划表按顺序匹配，第一个命中的规则生效。
	for _, rule := range p.Rules() {
		if rule.Match(query) {
			p.log.Debug("规划表命中", slog.String("rule", rule.Name))
			return Plan{Steps: append([]Step(nil), rule.Steps...), Source: SourceRule, Rule: rule.Name}, nil
		}
	}

	steps, err := p.planWithLLM(ctx, query, seed)
	if err != nil {
		p.log.Warn("大模型规划失败，使用默认步骤",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return Plan{Steps: []Step{p.fallback}, Source: SourceDefault}, nil
	}
	return Plan{Steps: steps, Source: SourceLLM}, nil
}

func (p *Planner) planWithLLM(ctx context.Context, query string, seed Seed) ([]Step, error) {
	if p.gateway == nil {
		return nil, xerrors.New(xerrors.CodeMalformedPlan, "未配置大模型，无法规划")
	}
	prompt, _ := p.pipeline.Compress(ctx, p.planningPrompt(query, seed), p.budget, true)
	reply, err := p.gateway.Generate(ctx, prompt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedPlan, err, "规划调用失败")
	}
	steps, err := parsePlan(reply.Text)
	if err != nil {
		return nil, err
	}
	return p.resolve(steps)
}

func (p *Planner) planningPrompt(query string, seed Seed) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given this user query: %q\n\n", query)
	b.WriteString("Available agents:\n")
	b.WriteString(p.registry.Summary())
	if len(seed) > 0 {
		if raw, err := json.Marshal(seed); err == nil {
			b.WriteString("\n\nContext: ")
			b.Write(raw)
		}
	}
	b.WriteString(`

Plan a workflow to answer this query. Return a JSON array of steps:
[
    {"agent": "agent_name", "action": "what_to_do", "template": "prompt_template"}
]

Keep it simple - usually 1-3 steps maximum.`)
	return b.String()
}

// parsePlan 从回答中截取第一个 '[' 到最后一个 ']' 之间的 JSON 数组，容忍前后的说明文字和代码块。
func parsePlan(answer string) ([]Step, error) {
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start < 0 || end <= start {
		return nil, xerrors.New(xerrors.CodeMalformedPlan, "回答中没有 JSON 数组")
	}
	var steps []Step
	if err := json.Unmarshal([]byte(answer[start:end+1]), &steps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedPlan, err, "解析规划结果失败")
	}
	if len(steps) == 0 {
		return nil, xerrors.New(xerrors.CodeMalformedPlan, "规划结果为空")
	}
	for i := range steps {
		if strings.TrimSpace(steps[i].Action) == "" {
			return nil, xerrors.New(xerrors.CodeMalformedPlan, fmt.Sprintf("第 %d 步缺少 action", i+1))
		}
		if strings.TrimSpace(steps[i].Template) == "" {
			steps[i].Template = defaultTemplate
		}
	}
	return steps, nil
}

// resolve 把步骤中的智能体标识规范化为注册表中的标识。
func (p *Planner) resolve(steps []Step) ([]Step, error) {
	out := make([]Step, len(steps))
	for i, s := range steps {
		d, err := p.registry.Lookup(s.Agent)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMalformedPlan, err, fmt.Sprintf("第 %d 步引用了未注册的智能体 %q", i+1, s.Agent))
		}
		s.Agent = d.ID
		out[i] = s
	}
	return out, nil
}

func (p *Planner) validate(rules []Rule) error {
	if len(rules) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "规划表不能为空")
	}
	for _, r := range rules {
		if r.Match == nil || len(r.Steps) == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("规则 %q 缺少匹配器或步骤", r.Name))
		}
		for _, s := range r.Steps {
			if _, err := p.registry.Lookup(s.Agent); err != nil {
				return xerrors.Wrap(xerrors.CodeUnknownAgent, err, fmt.Sprintf("规则 %q 引用了未注册的智能体", r.Name))
			}
		}
	}
	return nil
}
