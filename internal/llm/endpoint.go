package llm

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
)

const defaultEndpointTimeout = 30 * time.Second

// EndpointConfig 描述 JSON 推理端点。
type EndpointConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// EndpointClient 通过 POST {prompt,max_tokens,temperature} 调用推理端点，期望返回 {response}。
type EndpointClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewEndpointClient 根据配置创建端点客户端。
func NewEndpointClient(cfg EndpointConfig) (*EndpointClient, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供大模型端点地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEndpointTimeout
	}
	return &EndpointClient{
		url:        url,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 调用端点。任何网络错误或非 2xx 状态都返回 TRANSPORT_FAILURE。
func (c *EndpointClient) Generate(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req.Normalize())
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化大模型请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建大模型请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "请求大模型端点失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeTransport,
			fmt.Sprintf("大模型端点返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}

	var decoded struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "解析大模型响应失败")
	}
	return decoded.Response, nil
}

var _ Client = (*EndpointClient)(nil)
