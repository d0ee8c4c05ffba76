package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"PricingFlow/internal/compress"
	xerrors "PricingFlow/internal/errors"
)

const defaultSynthesisBudget = 2000

// Synthesizer 把多个步骤的回答合并为最终答案。
type Synthesizer struct {
	gateway   *Gateway
	pipeline  *compress.Pipeline
	responses *compress.ResponseCompressor
	budget    int
}

// NewSynthesizer 创建合成器，budget<=0 时使用 2000 token。
func NewSynthesizer(gateway *Gateway, pipeline *compress.Pipeline, responses *compress.ResponseCompressor, budget int) *Synthesizer {
	if pipeline == nil {
		pipeline = compress.NewPipeline()
	}
	if responses == nil {
		responses = compress.NewResponseCompressor(pipeline, 0)
	}
	if budget <= 0 {
		budget = defaultSynthesisBudget
	}
	return &Synthesizer{gateway: gateway, pipeline: pipeline, responses: responses, budget: budget}
}

type agentResponse struct {
	Agent    string `json:"agent"`
	Response string `json:"response"`
}

// Synthesize 只有一个步骤时原样返回其回答，否则请大模型综合所有回答。
func (s *Synthesizer) Synthesize(ctx context.Context, query string, results []StepResult) (string, error) {
	switch len(results) {
	case 0:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "没有可合成的步骤结果")
	case 1:
		return results[0].Response, nil
	}
	if s.gateway == nil {
		return "", xerrors.New(xerrors.CodeTransport, "未配置大模型网关")
	}

	prompt, _ := s.pipeline.Compress(ctx, synthesisPrompt(query, results), s.budget, false)
	reply, err := s.gateway.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	answer, _ := s.responses.Compress(ctx, reply.Text)
	return answer, nil
}

func synthesisPrompt(query string, results []StepResult) string {
	responses := make([]agentResponse, len(results))
	for i, r := range results {
		responses[i] = agentResponse{Agent: r.Agent, Response: r.Response}
	}
	raw, err := json.MarshalIndent(responses, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", responses))
	}
	return fmt.Sprintf(`Original question: %s

Multiple agents provided these responses:

%s

Synthesize these into a single, coherent answer that:
1. Directly answers the user's question
2. Combines insights from all agents
3. Removes redundancy
4. Prioritizes actionable information
5. Is concise but complete

Final answer:`, query, raw)
}
