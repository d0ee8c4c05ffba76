package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/"
	if cfg.APIKey == "" {
		cfg.APIKey = "test"
	}
	cfg.Timeout = time.Second
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientDefaults(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "  "}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	c, err := NewClient(Config{APIKey: "k", BaseURL: "https://gateway.internal/v1/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.endpoint != "https://gateway.internal/v1/chat/completions" {
		t.Fatalf("unexpected endpoint: %s", c.endpoint)
	}
	if c.cfg.Model != defaultModel || c.cfg.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
}

func TestGenerateSendsChatRequest(t *testing.T) {
	var (
		auth string
		body chatRequest
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  E001 vendor timeout  "},"finish_reason":"stop"}]}`))
	}, Config{Model: "pricing-7b", SystemPrompt: "desk"})

	out, err := client.Generate(context.Background(), llm.Request{Prompt: "why did pricing fail", MaxTokens: 200})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "E001 vendor timeout" {
		t.Fatalf("unexpected response: %q", out)
	}
	if auth != "Bearer test" {
		t.Fatalf("authorization header missing: %q", auth)
	}
	if body.Model != "pricing-7b" || body.MaxTokens != 200 || body.Temperature != llm.DefaultTemperature {
		t.Fatalf("unexpected request: %+v", body)
	}
	if len(body.Messages) != 2 || body.Messages[0].Content != "desk" || body.Messages[1].Content != "why did pricing fail" {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
}

func TestGenerateStatusErrors(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		retryable bool
		message   string
	}{
		{http.StatusBadRequest, `{"error":{"message":"context too long","type":"invalid_request_error"}}`, false, "context too long"},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, true, "slow down"},
		{http.StatusBadGateway, "upstream down", true, "upstream down"},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}, Config{})
		_, err := client.Generate(context.Background(), llm.Request{Prompt: "test"})
		if xerrors.CodeOf(err) != xerrors.CodeTransport {
			t.Fatalf("status %d: expected transport error, got %v", tc.status, err)
		}
		if xerrors.RetryableError(err) != tc.retryable {
			t.Fatalf("status %d: unexpected retryable flag", tc.status)
		}
		if !strings.Contains(err.Error(), tc.message) {
			t.Fatalf("status %d: message missing from %v", tc.status, err)
		}
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}, Config{})
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "test"}); xerrors.CodeOf(err) != xerrors.CodeTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}
