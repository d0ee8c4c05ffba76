package skills

import (
	"context"
	"fmt"
	"strings"
)

const (
	maxListedItems    = 10
	maxListedExamples = 3
	noContext         = "No additional context provided."
)

// PromptRequest 描述一次提示词渲染的输入。
type PromptRequest struct {
	Agent           string
	Template        string
	Task            string
	Context         string
	IncludeExamples bool
}

// Builder 基于技能包渲染提示词模板。
type Builder struct {
	provider Provider
}

// NewBuilder 创建提示词构建器。
func NewBuilder(provider Provider) *Builder {
	return &Builder{provider: provider}
}

// Build 渲染模板中的 {agent_name} {capabilities} {rules} {task} {context} {examples} 等占位符。
func (b *Builder) Build(ctx context.Context, req PromptRequest) (string, error) {
	bundle, err := b.provider.Bundle(ctx, req.Agent)
	if err != nil {
		return "", err
	}
	return Render(bundle, req), nil
}

// Render 使用给定技能包渲染提示词。
func Render(bundle Bundle, req PromptRequest) string {
	contextText := strings.TrimSpace(req.Context)
	if contextText == "" {
		contextText = noContext
	}
	examples := ""
	if req.IncludeExamples && len(bundle.Examples) > 0 {
		examples = "\n**Examples:**\n" + formatExamples(bundle.Examples)
	}
	name := bundle.Name
	if name == "" {
		name = bundle.Agent
	}

	replacer := strings.NewReplacer(
		"{agent_name}", name,
		"{capabilities}", formatItems(bundle.Capabilities, "Standard agent capabilities"),
		"{rules}", formatItems(bundle.Rules, "Follow standard operating procedures"),
		"{task}", req.Task,
		"{context}", contextText,
		"{examples}", examples,
		"{version}", bundle.Version,
		"{purpose}", bundle.Purpose,
	)
	return replacer.Replace(bundle.Template(req.Template))
}

func formatItems(items []Item, empty string) string {
	if len(items) == 0 {
		return empty
	}
	if len(items) > maxListedItems {
		items = items[:maxListedItems]
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("- %s: %s", it.Name, it.Description))
	}
	return strings.Join(lines, "\n")
}

func formatExamples(examples []string) string {
	if len(examples) > maxListedExamples {
		examples = examples[:maxListedExamples]
	}
	lines := make([]string, 0, len(examples))
	for i, ex := range examples {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, ex))
	}
	return strings.Join(lines, "\n")
}
