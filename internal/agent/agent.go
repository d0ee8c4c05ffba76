package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "PricingFlow/internal/errors"
)

// ResourceKind 表示智能体在调用大模型前需要访问的外部资源。
type ResourceKind string

const (
	ResourceDatabase ResourceKind = "database"
	ResourceShell    ResourceKind = "shell"
	ResourceNone     ResourceKind = "none"
)

// 内置智能体标识。
const (
	PricingAgent  = "pricing"
	UnixAgent     = "unix"
	AnalysisAgent = "analysis"
)

// Descriptor 描述一个已注册的智能体。
type Descriptor struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Triggers    []string     `json:"triggers" yaml:"triggers"`
	Resource    ResourceKind `json:"resource" yaml:"resource"`
	Skills      string       `json:"skills" yaml:"skills"`
}

// Registry 是封闭的智能体注册表，构造后只读。
type Registry struct {
	order []string
	byID  map[string]Descriptor
}

// NewRegistry 校验并注册智能体描述。
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体注册表不能为空")
	}
	r := &Registry{byID: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		id := normalize(d.ID)
		if id == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
		}
		if _, exists := r.byID[id]; exists {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 重复注册", id))
		}
		d.ID = id
		if strings.TrimSpace(d.Name) == "" {
			d.Name = id
		}
		if strings.TrimSpace(d.Skills) == "" {
			d.Skills = id
		}
		switch d.Resource {
		case ResourceDatabase, ResourceShell, ResourceNone:
		case "":
			d.Resource = ResourceNone
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("智能体 %s 的资源类型 %q 不受支持", id, d.Resource))
		}
		r.byID[id] = d
		r.order = append(r.order, id)
	}
	return r, nil
}

// DefaultDescriptors 返回内置的定价、Unix 与分析智能体。
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:          PricingAgent,
			Name:        "Pricing Agent",
			Description: "pricing database queries, price validation, error analysis",
			Triggers:    []string{"price", "pricing", "cusip", "database", "validation", "error code"},
			Resource:    ResourceDatabase,
		},
		{
			ID:          UnixAgent,
			Name:        "Unix Agent",
			Description: "server logs, job control, file operations",
			Triggers:    []string{"log", "job", "server", "unix", "ssh", "file", "process", "restart"},
			Resource:    ResourceShell,
		},
		{
			ID:          AnalysisAgent,
			Name:        "Analysis Agent",
			Description: "root cause analysis, recommendations, synthesis",
			Triggers:    []string{"analyze", "root cause", "why", "investigate", "recommend", "summary"},
			Resource:    ResourceNone,
		},
	}
}

// DefaultRegistry 使用内置智能体构造注册表。
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDescriptors()...)
	if err != nil {
		panic(err)
	}
	return r
}

type registryFile struct {
	Agents []Descriptor `yaml:"agents"`
}

// LoadRegistry 从 YAML 文件加载智能体注册表。
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体注册表路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析智能体注册表路径失败")
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取智能体注册表失败")
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析智能体注册表失败")
	}
	return NewRegistry(file.Agents...)
}

// Lookup 返回智能体描述。标识大小写不敏感，并接受 "_agent" 后缀。
func (r *Registry) Lookup(id string) (Descriptor, error) {
	d, ok := r.byID[normalize(id)]
	if !ok {
		return Descriptor{}, xerrors.New(xerrors.CodeUnknownAgent,
			fmt.Sprintf("未注册的智能体: %s", id),
			xerrors.WithMetadata("agent", id))
	}
	return d, nil
}

// Has 判断智能体是否已注册。
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[normalize(id)]
	return ok
}

// List 按注册顺序返回全部智能体。
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len 返回注册数量。
func (r *Registry) Len() int { return len(r.order) }

// Match 返回触发词命中查询的智能体，按注册顺序排列。
func (r *Registry) Match(query string) []Descriptor {
	q := strings.ToLower(query)
	var out []Descriptor
	for _, id := range r.order {
		d := r.byID[id]
		for _, trigger := range d.Triggers {
			trigger = strings.ToLower(strings.TrimSpace(trigger))
			if trigger != "" && strings.Contains(q, trigger) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Summary 生成用于规划提示词的智能体清单。
func (r *Registry) Summary() string {
	var b strings.Builder
	for _, d := range r.List() {
		fmt.Fprintf(&b, "- %s: %s\n", d.ID, d.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimSuffix(id, "_agent")
}
