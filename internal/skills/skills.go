// Package skills provides the per-agent skill bundles (capabilities, rules,
// examples and prompt templates) and renders them into LLM prompts.
package skills

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"PricingFlow/internal/cache"
	xerrors "PricingFlow/internal/errors"
)

//go:embed defaults.yaml
var defaultBundles []byte

// DefaultTemplate 是未找到模板时使用的提示词模板。
const DefaultTemplate = `You are a specialized {agent_name} assistant.

**Your Capabilities:**
{capabilities}

**Business Rules:**
{rules}

**Task:**
{task}

**Context:**
{context}
{examples}
Please provide a detailed, accurate response following all business rules and leveraging your capabilities.
`

// Item 是一条能力或业务规则。
type Item struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Bundle 汇总单个智能体的技能描述。
type Bundle struct {
	Agent        string            `json:"agent" yaml:"agent"`
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Purpose      string            `json:"purpose" yaml:"purpose"`
	Capabilities []Item            `json:"capabilities" yaml:"capabilities"`
	Rules        []Item            `json:"rules" yaml:"rules"`
	Examples     []string          `json:"examples" yaml:"examples"`
	Templates    map[string]string `json:"templates" yaml:"templates"`
}

// Template 返回指定名称的模板，不存在时返回默认模板。
func (b Bundle) Template(name string) string {
	if tpl, ok := b.Templates[name]; ok && strings.TrimSpace(tpl) != "" {
		return tpl
	}
	if tpl, ok := b.Templates["default"]; ok && strings.TrimSpace(tpl) != "" {
		return tpl
	}
	return DefaultTemplate
}

// Provider 根据智能体标识返回只读的技能包。
type Provider interface {
	Bundle(ctx context.Context, agentID string) (Bundle, error)
}

// StaticProvider 提供内置技能包，并可从目录加载 YAML 覆盖。
type StaticProvider struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
	cache   *cache.Cache
	ttl     time.Duration
}

// Option 定义可选配置。
type Option func(*StaticProvider)

// WithCache 将技能包缓存到 skills 命名空间。
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(p *StaticProvider) {
		p.cache = c
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewStaticProvider 使用内置技能包创建提供者。
func NewStaticProvider(opts ...Option) (*StaticProvider, error) {
	var defaults []Bundle
	if err := yaml.Unmarshal(defaultBundles, &defaults); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析内置技能包失败")
	}
	p := &StaticProvider{
		bundles: make(map[string]Bundle, len(defaults)),
		ttl:     time.Hour,
	}
	for _, b := range defaults {
		p.bundles[key(b.Agent)] = b
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// LoadDir 加载目录下的 *.yaml / *.yml 技能包，同名智能体覆盖内置内容。
func (p *StaticProvider) LoadDir(dir string) (int, error) {
	if strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取技能目录失败")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取技能文件 %s 失败", name))
		}
		var b Bundle
		if err := yaml.Unmarshal(raw, &b); err != nil {
			return loaded, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析技能文件 %s 失败", name))
		}
		if strings.TrimSpace(b.Agent) == "" {
			b.Agent = strings.TrimSuffix(name, filepath.Ext(name))
		}
		p.Put(b)
		loaded++
	}
	return loaded, nil
}

// Put 注册或替换技能包，并使缓存失效。
func (p *StaticProvider) Put(b Bundle) {
	id := key(b.Agent)
	p.mu.Lock()
	p.bundles[id] = b
	p.mu.Unlock()
	if p.cache != nil {
		p.cache.Delete(context.Background(), cache.Key(cache.NamespaceSkills, id))
	}
}

// Agents 返回已有技能包的智能体标识。
func (p *StaticProvider) Agents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.bundles))
	for id := range p.bundles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Bundle 返回智能体的技能包，未配置时返回通用技能包。
func (p *StaticProvider) Bundle(ctx context.Context, agentID string) (Bundle, error) {
	id := key(agentID)
	if id == "" {
		return Bundle{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}
	cacheKey := cache.Key(cache.NamespaceSkills, id)
	if p.cache != nil {
		var cached Bundle
		if p.cache.GetJSON(ctx, cacheKey, &cached) {
			return cached, nil
		}
	}

	p.mu.RLock()
	b, ok := p.bundles[id]
	p.mu.RUnlock()
	if !ok {
		b = genericBundle(id)
	}
	if p.cache != nil {
		p.cache.SetJSON(ctx, cacheKey, b, p.ttl)
	}
	return b, nil
}

func genericBundle(id string) Bundle {
	return Bundle{
		Agent:   id,
		Name:    titleCase(id),
		Version: "1.0.0",
		Purpose: "General purpose " + id,
	}
}

func titleCase(id string) string {
	words := strings.Fields(strings.ReplaceAll(id, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func key(id string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(id)), "_agent")
}

var _ Provider = (*StaticProvider)(nil)
