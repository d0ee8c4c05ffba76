package workflow

import (
	"fmt"
	"time"

	"PricingFlow/internal/compress"
	xerrors "PricingFlow/internal/errors"
)

// PlanSource 标识计划的来源。
type PlanSource string

const (
	SourceRule    PlanSource = "rule"
	SourceLLM     PlanSource = "llm"
	SourceDefault PlanSource = "default"
)

// State 是一次查询的生命周期状态。
type State string

const (
	StateReceived     State = "RECEIVED"
	StatePlanned      State = "PLANNED"
	StateExecuting    State = "EXECUTING"
	StateSynthesizing State = "SYNTHESIZING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// Step 是绑定到某个智能体的单次调用。
type Step struct {
	Agent    string `json:"agent"`
	Action   string `json:"action"`
	Template string `json:"template"`
}

// Plan 是有序且非空的步骤列表。
type Plan struct {
	Steps  []Step     `json:"steps"`
	Source PlanSource `json:"source"`
	Rule   string     `json:"rule,omitempty"`
}

// Agents 返回计划中依次使用的智能体。
func (p Plan) Agents() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Agent
	}
	return out
}

// StepResult 记录单个步骤的输出。Index 从 1 开始。
type StepResult struct {
	Index    int           `json:"index"`
	Agent    string        `json:"agent"`
	Action   string        `json:"action"`
	Response string        `json:"response"`
	Tokens   int           `json:"tokens"`
	Elapsed  time.Duration `json:"elapsed"`
	Cached   bool          `json:"cached"`
}

// StepFailure 是失败信封：指明出错的步骤，并携带此前已完成的结果。
type StepFailure struct {
	Index     int          `json:"index"`
	Agent     string       `json:"agent"`
	Action    string       `json:"action"`
	Code      xerrors.Code `json:"code"`
	Message   string       `json:"message"`
	Completed []StepResult `json:"completed,omitempty"`
}

// Error 实现 error。
func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s/%s) failed: %s", f.Index, f.Agent, f.Action, f.Message)
}

// Outcome 汇总一次查询的处理结果。
type Outcome struct {
	Query       string         `json:"query"`
	Plan        Plan           `json:"plan"`
	Steps       []StepResult   `json:"steps"`
	Answer      string         `json:"answer,omitempty"`
	Failure     *StepFailure   `json:"failure,omitempty"`
	State       State          `json:"state"`
	Compression compress.Stats `json:"compression"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Elapsed 返回处理耗时。
func (o *Outcome) Elapsed() time.Duration { return o.FinishedAt.Sub(o.StartedAt) }

// TotalTokens 汇总各步骤的估算 token。
func (o *Outcome) TotalTokens() int {
	total := 0
	for _, s := range o.Steps {
		total += s.Tokens
	}
	return total
}

// Observer 接收步骤级别的进度回调，用于上报执行状态。
type Observer interface {
	Planned(plan Plan)
	StepStarted(index int, step Step)
	StepFinished(result StepResult)
	StepFailed(failure StepFailure)
}

type nopObserver struct{}

func (nopObserver) Planned(Plan)            {}
func (nopObserver) StepStarted(int, Step)   {}
func (nopObserver) StepFinished(StepResult) {}
func (nopObserver) StepFailed(StepFailure)  {}
