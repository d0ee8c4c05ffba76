package compress

import (
	"context"
	"regexp"
	"strings"
)

const (
	defaultResponseBudget = 500
	maxChatterLine        = 80
)

var (
	leadingChatter  = regexp.MustCompile(`(?i)^(sure|certainly|of course|absolutely|great question|as an ai)\b`)
	trailingChatter = regexp.MustCompile(`(?i)^(let me know|i hope this helps|hope this helps|feel free to)\b`)
	blankRun        = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// ResponseCompressor 清理大模型回答中的客套语，再按回答预算压缩并保留结构。
type ResponseCompressor struct {
	pipeline *Pipeline
	budget   int
}

// NewResponseCompressor 创建回答压缩器，budget<=0 时使用 500。
func NewResponseCompressor(p *Pipeline, budget int) *ResponseCompressor {
	if budget <= 0 {
		budget = defaultResponseBudget
	}
	return &ResponseCompressor{pipeline: p, budget: budget}
}

// Budget 返回回答预算。
func (r *ResponseCompressor) Budget() int { return r.budget }

// Compress 清理并压缩回答。
func (r *ResponseCompressor) Compress(ctx context.Context, text string) (string, Result) {
	cleaned := stripChatter(text)
	return r.pipeline.Compress(ctx, cleaned, r.budget, true)
}

func stripChatter(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	start := 0
	for start < len(lines) {
		line := strings.TrimSpace(lines[start])
		if line != "" && !isChatter(leadingChatter, line) {
			break
		}
		start++
	}
	end := len(lines)
	for end > start {
		line := strings.TrimSpace(lines[end-1])
		if line != "" && !isChatter(trailingChatter, line) {
			break
		}
		end--
	}
	if start >= end {
		return strings.TrimSpace(text)
	}

	out := strings.Join(lines[start:end], "\n")
	out = blankRun.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// isChatter 只把较短的客套行视为可删除内容。
func isChatter(pattern *regexp.Regexp, line string) bool {
	return len(line) <= maxChatterLine && pattern.MatchString(line)
}
