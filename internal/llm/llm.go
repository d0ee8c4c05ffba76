package llm

import (
	"context"
	"strings"
)

// 与大模型端点约定的默认参数。
const (
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// Request 描述发送给大模型的提示词与采样参数。
type Request struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Normalize 为缺省字段补充默认值。
func (r Request) Normalize() Request {
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature <= 0 {
		r.Temperature = DefaultTemperature
	}
	return r
}

// Client 定义了调用大模型的统一接口，返回原始文本回答。
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ClientFunc 将普通函数适配为 Client。
type ClientFunc func(ctx context.Context, req Request) (string, error)

// Generate 调用函数本身。
func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Fallback 在大模型调用失败时提供替代回答。
type Fallback interface {
	Respond(prompt string, cause error) string
}

// FallbackFunc 将普通函数适配为 Fallback。
type FallbackFunc func(prompt string, cause error) string

// Respond 调用函数本身。
func (f FallbackFunc) Respond(prompt string, cause error) string {
	return f(prompt, cause)
}

// CannedFallback 根据提示词关键词返回固定的演示回答。
type CannedFallback struct{}

// Respond 实现 Fallback。
func (CannedFallback) Respond(prompt string, _ error) string {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "pricing") && strings.Contains(lower, "failed"):
		return cannedPricingFailure
	case strings.Contains(lower, "job") && strings.Contains(lower, "running"):
		return cannedJobStatus
	case strings.Contains(lower, "log"):
		return cannedLogAnalysis
	default:
		return "Analysis of query: " + truncateRunes(prompt, 100) + "..."
	}
}

func truncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

const cannedPricingFailure = `PRICING FAILURE ANALYSIS

The pricing job failed for CUSIP 037833100 due to a vendor timeout (Error E001).

Root Cause: the primary vendor API degraded between 14:10 and 14:30, and requests timed out after 10 seconds.

Impact: single CUSIP affected, T-1 closing price used as fallback.

Recommendation:
1. Immediate: retry with the backup vendor
2. Short-term: automatic failover to the secondary vendor
3. Long-term: vendor API health monitoring`

const cannedJobStatus = `JOB STATUS CHECK

Pricing job is currently RUNNING
- PID: 12345
- Started: 5 minutes ago
- Progress: 8,432 / 15,000 securities processed
- Status: HEALTHY`

const cannedLogAnalysis = `LOG ANALYSIS SUMMARY

Analyzed: /app/pricing/logs/pricing_job.log
Total Errors: 12

Error Breakdown:
- E001 (Timeout): 8 occurrences
- E002 (Validation): 3 occurrences
- E004 (Missing data): 1 occurrence

Pattern: timeouts clustered around 14:15, correlating with vendor degradation.`

var (
	_ Client   = ClientFunc(nil)
	_ Fallback = CannedFallback{}
	_ Fallback = FallbackFunc(nil)
)
