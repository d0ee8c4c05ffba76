package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/cache"
	"PricingFlow/internal/compress"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/execution"
	"PricingFlow/internal/llm"
	"PricingFlow/internal/skills"
	"PricingFlow/internal/workflow"
)

type testServer struct {
	server *Server
	store  *execution.CacheStore
	queue  *execution.MemoryQueue
	cache  *cache.Cache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	c := cache.New(cache.NewMemoryBackend(0), cache.StateDegraded)
	registry := agent.DefaultRegistry()
	provider, err := skills.NewStaticProvider(skills.WithCache(c, 0))
	if err != nil {
		t.Fatalf("skills provider: %v", err)
	}
	pipeline := compress.NewPipeline(compress.WithCache(c))
	gateway := workflow.NewGateway(llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		return "CUSIP 037833100 priced at 101.25", nil
	}), workflow.WithResponseCache(c, 0))

	planner, err := workflow.NewPlanner(registry, gateway, pipeline)
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	executor, err := workflow.NewExecutor(registry, provider, gateway, pipeline)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	engine, err := workflow.NewEngine(registry, planner, executor, workflow.NewSynthesizer(gateway, pipeline, nil, 0), pipeline)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	store := execution.NewCacheStore(c)
	queue := execution.NewMemoryQueue(8)
	t.Cleanup(func() { _ = queue.Close() })
	svc := execution.NewService(store, queue)
	processor := execution.NewProcessor(engine, store, nil)

	server := NewServer(":0", svc, processor, engine,
		WithCache(c), WithSkills(provider), WithPipeline(pipeline))
	return &testServer{server: server, store: store, queue: queue, cache: c}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSyncQueryCompletes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/queries/sync", `{"query":"price for cusip 037833100"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got execution.Record
	decode(t, rec, &got)
	if got.Status != execution.StatusCompleted || got.Result == nil {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Result.Answer != "CUSIP 037833100 priced at 101.25" || got.Result.Rule != "pricing_lookup" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}

	detail := ts.do(t, http.MethodGet, "/api/v1/executions/"+got.ID, "")
	if detail.Code != http.StatusOK {
		t.Fatalf("unexpected detail status %d", detail.Code)
	}
}

func TestSubmitQueuesExecution(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/queries", `{"id":"exec-42","query":"check job status","context":{"desk":"muni"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got execution.Record
	decode(t, rec, &got)
	if got.ID != "exec-42" || got.Status != execution.StatusPending {
		t.Fatalf("unexpected record: %+v", got)
	}

	list := ts.do(t, http.MethodGet, "/api/v1/executions?status=pending&limit=5", "")
	var body struct {
		Executions []execution.Record `json:"executions"`
		Count      int                `json:"count"`
	}
	decode(t, list, &body)
	if body.Count != 1 || body.Executions[0].ID != "exec-42" {
		t.Fatalf("unexpected list: %+v", body)
	}
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/v1/queries", `{`, http.StatusBadRequest},
		{"empty query", http.MethodPost, "/api/v1/queries/sync", `{"query":" "}`, http.StatusBadRequest},
		{"missing execution", http.MethodGet, "/api/v1/executions/missing", "", http.StatusNotFound},
		{"unknown agent skills", http.MethodGet, "/api/v1/agents/oracle/skills", "", http.StatusNotFound},
		{"protected namespace", http.MethodDelete, "/api/v1/cache/executions", "", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/v1/queries", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAgentsAndSkills(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/agents", "")
	var body struct {
		Agents []agentView `json:"agents"`
	}
	decode(t, rec, &body)
	if len(body.Agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(body.Agents))
	}

	update := ts.do(t, http.MethodPut, "/api/v1/agents/unix/skills", "name: Unix Ops\nversion: 2.0.0\ncapabilities:\n  - name: tail\n    description: read logs\n")
	if update.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", update.Code, update.Body.String())
	}
	var bundle skills.Bundle
	decode(t, ts.do(t, http.MethodGet, "/api/v1/agents/unix/skills", ""), &bundle)
	if bundle.Version != "2.0.0" || len(bundle.Capabilities) != 1 {
		t.Fatalf("expected updated bundle, got %+v", bundle)
	}

	prompt := ts.do(t, http.MethodPost, "/api/v1/prompts", `{"agent":"unix","task":"tail logs","context":{"test":true}}`)
	if prompt.Code != http.StatusOK || !strings.Contains(prompt.Body.String(), "tail logs") {
		t.Fatalf("unexpected prompt response %d: %s", prompt.Code, prompt.Body.String())
	}
}

func TestCompressAndCacheEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/compress", `{"text":"short text","max_tokens":100}`)
	var body struct {
		Compressed string          `json:"compressed"`
		Metadata   compress.Result `json:"metadata"`
	}
	decode(t, rec, &body)
	if body.Compressed != "short text" || body.Metadata.Ratio != 1 {
		t.Fatalf("expected passthrough, got %+v", body)
	}

	ts.cache.Set(context.Background(), "llm:abc", []byte("x"), 0)
	clear := ts.do(t, http.MethodDelete, "/api/v1/cache/llm", "")
	var cleared struct {
		Removed int `json:"removed"`
	}
	decode(t, clear, &cleared)
	if cleared.Removed != 1 {
		t.Fatalf("expected one removed key, got %d", cleared.Removed)
	}

	stats := ts.do(t, http.MethodGet, "/api/v1/stats", "")
	for _, key := range []string{`"engine"`, `"cache"`, `"executions"`, `"skills"`} {
		if !strings.Contains(stats.Body.String(), key) {
			t.Fatalf("expected %s in stats: %s", key, stats.Body.String())
		}
	}

	metrics := ts.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(metrics.Body.String(), `pricingflow_http_requests_total{handler="/api/v1/compress"`) {
		t.Fatalf("expected instrumented route in metrics: %s", metrics.Body.String())
	}
}

func TestErrorCodesAndStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/errors", "")
	var body struct {
		Codes []errorCodeView `json:"codes"`
	}
	decode(t, rec, &body)
	found := false
	for _, c := range body.Codes {
		if c.Code == xerrors.CodeConnector {
			found = c.Alert && c.Retryable
		}
	}
	if !found {
		t.Fatalf("expected connector code with alert and retryable: %+v", body.Codes)
	}

	cases := map[xerrors.Code]int{
		xerrors.CodeInvalidArgument:       http.StatusBadRequest,
		execution.CodeExecutionNotFound:   http.StatusNotFound,
		execution.CodeExecutionConflict:   http.StatusConflict,
		xerrors.CodeQueueFailure:          http.StatusServiceUnavailable,
		execution.CodeExecutionPublish:    http.StatusServiceUnavailable,
		xerrors.CodeTimeout:               http.StatusGatewayTimeout,
		xerrors.CodeConnector:             http.StatusInternalServerError,
		xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestCacheEntryLookupAndStatsReset(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.Set(context.Background(), "sql:latest-037833100", []byte(`{"price":101.25}`), time.Minute)

	rec := ts.do(t, http.MethodGet, "/api/v1/cache/entries/sql:latest-037833100", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry cacheEntryView
	decode(t, rec, &entry)
	if entry.Key != "sql:latest-037833100" || entry.Size != 16 || entry.Value != `{"price":101.25}` {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.TTLSeconds <= 0 || entry.TTLSeconds > 60 {
		t.Fatalf("unexpected ttl: %d", entry.TTLSeconds)
	}

	if rec := ts.do(t, http.MethodGet, "/api/v1/cache/entries/sql:missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entry, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/cache/entries/execution:abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for protected namespace, got %d", rec.Code)
	}

	if stats := ts.cache.Stats(context.Background()); stats.Hits == 0 || stats.Misses == 0 {
		t.Fatalf("expected lookups to be counted: %+v", stats)
	}
	reset := ts.do(t, http.MethodDelete, "/api/v1/cache/stats", "")
	if reset.Code != http.StatusOK {
		t.Fatalf("expected 200 on reset, got %d", reset.Code)
	}
	var body struct {
		Stats cache.Stats `json:"stats"`
	}
	decode(t, reset, &body)
	if body.Stats.Hits != 0 || body.Stats.Misses != 0 || body.Stats.TotalBytes != 0 {
		t.Fatalf("expected zeroed stats, got %+v", body.Stats)
	}
}

func TestCompressReportsDefaultBudget(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/compress", `{"text":"short text"}`)
	var body struct {
		MaxTokens   int `json:"max_tokens"`
		TokensSaved int `json:"tokens_saved"`
	}
	decode(t, rec, &body)
	if body.MaxTokens != ts.server.pipeline.DefaultBudget() || body.TokensSaved != 0 {
		t.Fatalf("unexpected compress response: %+v", body)
	}
}
