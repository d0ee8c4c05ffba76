package execution

import (
	"maps"
	"time"

	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/workflow"
)

// Status 表示一次执行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepUpdate 是执行轨迹中的一个步骤。只记录状态与耗时，不保存回答正文。
type StepUpdate struct {
	Index      int       `json:"index"`
	Agent      string    `json:"agent"`
	Action     string    `json:"action"`
	Status     Status    `json:"status"`
	Tokens     int       `json:"tokens,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Result 是成功执行的终态摘要。
type Result struct {
	Answer        string              `json:"answer"`
	PlanSource    workflow.PlanSource `json:"plan_source"`
	Rule          string              `json:"rule,omitempty"`
	Agents        []string            `json:"agents"`
	TotalTokens   int                 `json:"total_tokens"`
	ElapsedMillis int64               `json:"elapsed_ms"`
}

// Record 描述一次查询执行，按 ID 存放在缓存中。
type Record struct {
	ID          string         `json:"id"`
	Query       string         `json:"query"`
	Context     map[string]any `json:"context,omitempty"`
	Status      Status         `json:"status"`
	CurrentStep int            `json:"current_step"`
	Steps       []StepUpdate   `json:"steps,omitempty"`
	Result      *Result        `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	FailedStep  int            `json:"failed_step,omitempty"`
	FailedAgent string         `json:"failed_agent,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Terminal 判断执行是否已经结束。
func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

const (
	CodeExecutionNotFound   xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict   xerrors.Code = "EXECUTION_CONFLICT"
	CodeExecutionValidation xerrors.Code = "EXECUTION_VALIDATION_FAILED"
	CodeExecutionPublish    xerrors.Code = "EXECUTION_PUBLISH_FAILED"
	CodeExecutionFailed     xerrors.Code = "EXECUTION_FAILED"
)

var (
	// ErrNotFound 表示指定的执行不存在或已过期。
	ErrNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
	// ErrConflict 表示执行在当前状态下无法进行所请求的操作。
	ErrConflict = xerrors.New(CodeExecutionConflict, "execution conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:  "execution not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:  "execution conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeExecutionValidation, xerrors.Attributes{
		Message:  "execution validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionPublish, xerrors.Attributes{
		Message:   "failed to publish execution",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:  "execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	return maps.Clone(ctx)
}
