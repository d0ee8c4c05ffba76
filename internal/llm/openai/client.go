// Package openai 适配 OpenAI 兼容的 Chat Completions 接口，
// 让工作流可以直接使用托管模型或自建的兼容网关。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// DefaultSystemPrompt 约束模型以定价运营的口吻作答。
const DefaultSystemPrompt = "You are the reasoning engine of a securities pricing operations desk. " +
	"Answer concisely, cite error codes and CUSIPs verbatim, and avoid pleasantries."

// Config 描述兼容接口的地址、模型与鉴权。
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// Client 是 llm.Client 的 Chat Completions 实现。
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
}

// NewClient 补全缺省值并创建客户端，API Key 必填。
func NewClient(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		endpoint:   cfg.BaseURL + "/chat/completions",
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate 以系统提示加用户消息的形式发送提示词，返回首个 choice 的文本。
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	req = req.Normalize()
	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 Chat Completions 请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 Chat Completions 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "请求 Chat Completions 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", statusError(resp)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "解析 Chat Completions 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeTransport, "响应中没有 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodeTransport, "模型回答为空",
			xerrors.WithMetadata("finish_reason", decoded.Choices[0].FinishReason))
	}
	return content, nil
}

// statusError 把错误响应转换为传输错误。限流与服务端错误标记为可重试。
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(raw))
	var body apiError
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		message = body.Error.Message
	}
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
	return xerrors.New(xerrors.CodeTransport,
		fmt.Sprintf("Chat Completions 返回状态 %d: %s", resp.StatusCode, message),
		xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)),
		xerrors.WithMetadata("error_type", body.Error.Type),
		xerrors.WithRetryable(retryable),
	)
}

var _ llm.Client = (*Client)(nil)
