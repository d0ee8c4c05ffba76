package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Seed 是调用方提供的初始上下文，执行期间只读。
type Seed map[string]any

// ExecutionContext 保存初始上下文和各步骤的回答。步骤结果只能追加，不能修改。
type ExecutionContext struct {
	seed    Seed
	results []string
}

// NewExecutionContext 复制初始上下文，调用方后续的修改不会影响执行。
func NewExecutionContext(seed Seed) *ExecutionContext {
	return &ExecutionContext{seed: maps.Clone(seed)}
}

// StepKey 返回第 n 个步骤结果在上下文中的键。
func StepKey(n int) string { return fmt.Sprintf("step_%d_result", n) }

// Append 追加下一个步骤的结果并返回其键。
func (c *ExecutionContext) Append(response string) string {
	c.results = append(c.results, response)
	return StepKey(len(c.results))
}

// Len 返回已追加的步骤数。
func (c *ExecutionContext) Len() int { return len(c.results) }

// Result 返回第 n 个步骤的结果（从 1 开始）。
func (c *ExecutionContext) Result(n int) (string, bool) {
	if n < 1 || n > len(c.results) {
		return "", false
	}
	return c.results[n-1], true
}

// Snapshot 返回合并后的上下文副本。同名的初始键会被步骤结果覆盖。
func (c *ExecutionContext) Snapshot() map[string]any {
	out := make(map[string]any, len(c.seed)+len(c.results))
	maps.Copy(out, c.seed)
	for i, r := range c.results {
		out[StepKey(i+1)] = r
	}
	return out
}

// Serialize 把上下文编码为键有序的 JSON，extra 中的键只用于本次序列化。
func (c *ExecutionContext) Serialize(extra map[string]any) string {
	snapshot := c.Snapshot()
	maps.Copy(snapshot, extra)
	if len(snapshot) == 0 {
		return ""
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Sprintf("%v", snapshot)
	}
	return string(raw)
}
