// Package connector wraps the external resources an agent reads before it
// prompts the LLM: the pricing database (MySQL) for the pricing agent and the
// batch servers (SSH) for the unix agent. Failures are returned as
// CONNECTOR_FAILURE errors and abort the running plan.
package connector

import (
	"context"
	"regexp"
	"strings"

	"PricingFlow/internal/agent"
	xerrors "PricingFlow/internal/errors"
)

// Request 描述一次连接器调用。
type Request struct {
	Action string
	Query  string
}

// Result 是连接器返回的观测结果，Text 会写入执行上下文。
type Result struct {
	Source string `json:"source"`
	Action string `json:"action"`
	Text   string `json:"text"`
	Cached bool   `json:"cached"`
}

// Empty 判断结果是否没有内容。
func (r Result) Empty() bool { return strings.TrimSpace(r.Text) == "" }

// Connector 访问某一类外部资源。
type Connector interface {
	Kind() agent.ResourceKind
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Set 按资源类型索引已配置的连接器。
type Set struct {
	byKind map[agent.ResourceKind]Connector
}

// NewSet 创建连接器集合，nil 连接器会被忽略。
func NewSet(connectors ...Connector) *Set {
	s := &Set{byKind: make(map[agent.ResourceKind]Connector)}
	for _, c := range connectors {
		if c != nil {
			s.byKind[c.Kind()] = c
		}
	}
	return s
}

// For 返回资源类型对应的连接器。
func (s *Set) For(kind agent.ResourceKind) (Connector, bool) {
	if s == nil || kind == agent.ResourceNone {
		return nil, false
	}
	c, ok := s.byKind[kind]
	return c, ok
}

// Kinds 返回已配置的资源类型。
func (s *Set) Kinds() []agent.ResourceKind {
	if s == nil {
		return nil
	}
	out := make([]agent.ResourceKind, 0, len(s.byKind))
	for _, kind := range []agent.ResourceKind{agent.ResourceDatabase, agent.ResourceShell} {
		if _, ok := s.byKind[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

var (
	labelledCUSIP = regexp.MustCompile(`(?i)\bcusip\s*[:#]?\s*([0-9a-z]{3,12})\b`)
	bareCUSIP     = regexp.MustCompile(`\b[0-9][0-9A-Z]{8}\b`)
)

// ExtractCUSIP 从自然语言查询中提取 CUSIP，优先匹配 "cusip XXX" 形式。
func ExtractCUSIP(query string) string {
	if m := labelledCUSIP.FindStringSubmatch(query); len(m) == 2 {
		return strings.ToUpper(m[1])
	}
	if m := bareCUSIP.FindString(strings.ToUpper(query)); m != "" {
		return m
	}
	return ""
}

func connectorError(source, action string, err error, message string) error {
	return xerrors.Wrap(xerrors.CodeConnector, err, message,
		xerrors.WithMetadata("source", source),
		xerrors.WithMetadata("action", action))
}
