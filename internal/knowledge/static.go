// Package knowledge provides runbook snippets (error code meanings, job
// procedures, escalation notes) that are attached to a step's context when
// their keywords appear in the query or the step action.
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "PricingFlow/internal/errors"
)

// Provider 定义运行手册检索的通用接口。
type Provider interface {
	Query(query, action string) []Snippet
}

// Snippet 描述可供大模型引用的一段运行手册。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
	// Actions 限定适用的步骤动作，为空时适用于全部动作。
	Actions []string `json:"actions,omitempty" yaml:"actions"`
}

// StaticProvider 通过加载文件提供静态检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态运行手册实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载条目，JSON 作为 YAML 的子集一并解析。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "运行手册文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析运行手册路径失败")
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取运行手册失败")
	}

	var entries []Snippet
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析运行手册 %s 失败", filepath.Base(path)))
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Len 返回条目数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Query 返回关键词出现在查询或动作中的条目，按文件顺序最多返回 maxResults 条。
// 没有关键词的条目不会被返回。
func (p *StaticProvider) Query(query, action string) []Snippet {
	if p == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))
	action = strings.ToLower(strings.TrimSpace(action))

	var results []Snippet
	for _, item := range p.items {
		if !appliesTo(item, action) || !mentions(item, query, action) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func appliesTo(snippet Snippet, action string) bool {
	if len(snippet.Actions) == 0 {
		return true
	}
	for _, a := range snippet.Actions {
		if strings.EqualFold(strings.TrimSpace(a), action) {
			return true
		}
	}
	return false
}

func mentions(snippet Snippet, query, action string) bool {
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) || strings.Contains(action, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
