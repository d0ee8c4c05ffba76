package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/cache"
	"PricingFlow/internal/compress"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/execution"
	"PricingFlow/internal/observability/metrics"
	"PricingFlow/internal/skills"
	"PricingFlow/internal/workflow"
	"PricingFlow/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部提交查询并跟踪执行。
type Server struct {
	addr        string
	executions  *execution.Service
	processor   *execution.Processor
	engine      *workflow.Engine
	cache       *cache.Cache
	skills      *skills.StaticProvider
	pipeline    *compress.Pipeline
	syncTimeout time.Duration
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithCache 暴露缓存统计与清理接口。
func WithCache(c *cache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithSkills 暴露技能包查看与更新接口。
func WithSkills(p *skills.StaticProvider) Option {
	return func(s *Server) { s.skills = p }
}

// WithPipeline 暴露压缩调试接口。
func WithPipeline(p *compress.Pipeline) Option {
	return func(s *Server) { s.pipeline = p }
}

// WithSyncTimeout 限制同步查询的处理时间。
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.syncTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, executions *execution.Service, processor *execution.Processor, engine *workflow.Engine, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		executions:  executions,
		processor:   processor,
		engine:      engine,
		syncTimeout: 2 * time.Minute,
		log:         logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /health", s.handleHealth)
	s.route(mux, "POST /api/v1/queries", s.handleSubmit)
	s.route(mux, "POST /api/v1/queries/sync", s.handleSync)
	s.route(mux, "GET /api/v1/executions", s.handleListExecutions)
	s.route(mux, "GET /api/v1/executions/running", s.handleRunning)
	s.route(mux, "GET /api/v1/executions/{id}", s.handleExecutionDetail)
	s.route(mux, "GET /api/v1/agents", s.handleAgents)
	s.route(mux, "GET /api/v1/agents/{id}/skills", s.handleGetSkills)
	s.route(mux, "PUT /api/v1/agents/{id}/skills", s.handlePutSkills)
	s.route(mux, "POST /api/v1/prompts", s.handlePrompt)
	s.route(mux, "POST /api/v1/compress", s.handleCompress)
	s.route(mux, "GET /api/v1/stats", s.handleStats)
	s.route(mux, "GET /api/v1/errors", s.handleErrorCodes)
	s.route(mux, "GET /api/v1/cache/stats", s.handleCacheStats)
	s.route(mux, "DELETE /api/v1/cache/stats", s.handleCacheStatsReset)
	s.route(mux, "GET /api/v1/cache/entries/{key}", s.handleCacheEntry)
	s.route(mux, "DELETE /api/v1/cache/{namespace}", s.handleCacheClear)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, instrument(pattern, h))
}

// instrument 记录每个路由的请求数与耗时。
func instrument(pattern string, next http.Handler) http.Handler {
	name := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		name = pattern[i+1:]
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type queryRequest struct {
	ID      string         `json:"id"`
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

func (q queryRequest) submit() execution.SubmitRequest {
	return execution.SubmitRequest{ID: q.ID, Query: q.Query, Context: q.Context}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.cache != nil {
		body["cache"] = s.cache.State()
		body["cache_stats"] = s.cache.Stats(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSubmit 创建执行并投递到队列。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.executions.Submit(r.Context(), req.submit())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// handleSync 创建执行并在当前请求内处理完毕。
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行处理器未初始化"))
		return
	}
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.syncTimeout)
	defer cancel()

	rec, err := s.executions.Create(ctx, req.submit())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !rec.Terminal() {
		if rec, err = s.processor.Run(ctx, rec.ID); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := []execution.ListOption{
		execution.WithLimit(atoi(q.Get("limit"))),
		execution.WithOffset(atoi(q.Get("offset"))),
		execution.WithQuery(q.Get("q")),
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []execution.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, execution.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, execution.WithStatuses(statuses...))
	}
	recs, err := s.executions.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs, "count": len(recs)})
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	ids, err := s.executions.Running(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": ids})
}

func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少执行 ID"))
		return
	}
	rec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type agentView struct {
	agent.Descriptor
	DisplayName  string `json:"display_name"`
	Version      string `json:"version,omitempty"`
	Capabilities int    `json:"capabilities_count"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流引擎未初始化"))
		return
	}
	descriptors := s.engine.Registry().List()
	out := make([]agentView, 0, len(descriptors))
	for _, d := range descriptors {
		view := agentView{Descriptor: d, DisplayName: d.Name}
		if s.skills != nil {
			if b, err := s.skills.Bundle(r.Context(), bundleID(d)); err == nil {
				view.Version = b.Version
				view.Capabilities = len(b.Capabilities)
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleGetSkills(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupAgent(w, r)
	if !ok {
		return
	}
	b, err := s.skills.Bundle(r.Context(), bundleID(d))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handlePutSkills 接受 YAML 或 JSON 格式的技能包并替换内存中的版本。
func (s *Server) handlePutSkills(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupAgent(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败"))
		return
	}
	var b skills.Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "技能包解析失败"))
		return
	}
	b.Agent = bundleID(d)
	s.skills.Put(b)
	logger.Audit().Info("技能包已更新", slog.String("agent", d.ID), slog.Int("capabilities", len(b.Capabilities)))
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) lookupAgent(w http.ResponseWriter, r *http.Request) (agent.Descriptor, bool) {
	if s.engine == nil || s.skills == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "技能提供者未初始化"))
		return agent.Descriptor{}, false
	}
	d, err := s.engine.Registry().Lookup(r.PathValue("id"))
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeNotFound, err, "智能体不存在"))
		return agent.Descriptor{}, false
	}
	return d, true
}

type promptRequest struct {
	Agent    string         `json:"agent"`
	Template string         `json:"template"`
	Task     string         `json:"task"`
	Context  map[string]any `json:"context"`
}

// handlePrompt 渲染提示词但不调用大模型，便于调试技能包。
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	r.SetPathValue("id", req.Agent)
	d, ok := s.lookupAgent(w, r)
	if !ok {
		return
	}
	ctxJSON := "{}"
	if len(req.Context) > 0 {
		raw, _ := json.Marshal(req.Context)
		ctxJSON = string(raw)
	}
	prompt, err := skills.NewBuilder(s.skills).Build(r.Context(), skills.PromptRequest{
		Agent:           bundleID(d),
		Template:        req.Template,
		Task:            req.Task,
		Context:         ctxJSON,
		IncludeExamples: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": d.ID, "task": req.Task, "prompt": prompt})
}

type compressRequest struct {
	Text              string `json:"text"`
	MaxTokens         int    `json:"max_tokens"`
	PreserveStructure bool   `json:"preserve_structure"`
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "压缩管线未初始化"))
		return
	}
	var req compressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	budget := req.MaxTokens
	if budget <= 0 {
		budget = s.pipeline.DefaultBudget()
	}
	compressed, result := s.pipeline.Compress(r.Context(), req.Text, budget, req.PreserveStructure)
	writeJSON(w, http.StatusOK, map[string]any{
		"original":     req.Text,
		"compressed":   compressed,
		"max_tokens":   budget,
		"tokens_saved": result.TokensSaved(),
		"metadata":     result,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if s.engine != nil {
		body["engine"] = s.engine.Stats()
	}
	if s.cache != nil {
		stats := s.cache.Stats(r.Context())
		body["cache"] = map[string]any{"stats": stats, "hit_rate": stats.HitRate()}
	}
	if s.executions != nil {
		if stats, err := s.executions.Stats(r.Context()); err == nil {
			body["executions"] = stats
		}
	}
	if s.skills != nil {
		body["skills"] = s.skills.Agents()
	}
	writeJSON(w, http.StatusOK, body)
}

type errorCodeView struct {
	Code      xerrors.Code     `json:"code"`
	Message   string           `json:"message"`
	Severity  xerrors.Severity `json:"severity"`
	Retryable bool             `json:"retryable"`
	Alert     bool             `json:"alert"`
}

// handleErrorCodes 列出错误码及其默认处理策略，便于排障时对照执行记录中的 error_code。
func (s *Server) handleErrorCodes(w http.ResponseWriter, r *http.Request) {
	codes := xerrors.Codes()
	out := make([]errorCodeView, 0, len(codes))
	for _, code := range codes {
		attr := xerrors.AttributesOf(code)
		out = append(out, errorCodeView{Code: code, Message: attr.Message, Severity: attr.Severity, Retryable: attr.Retryable, Alert: attr.Alert})
	}
	writeJSON(w, http.StatusOK, map[string]any{"codes": out})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "缓存未初始化"))
		return
	}
	stats := s.cache.Stats(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "hit_rate": stats.HitRate()})
}

func (s *Server) handleCacheStatsReset(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "缓存未初始化"))
		return
	}
	s.cache.ResetStats(r.Context())
	logger.Audit().Info("缓存统计已重置")
	writeJSON(w, http.StatusOK, map[string]any{"stats": s.cache.Stats(r.Context())})
}

type cacheEntryView struct {
	Key        string `json:"key"`
	Size       int    `json:"size"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Value      string `json:"value"`
}

// handleCacheEntry 按完整键查看条目，只开放与清理接口相同的命名空间。
// TTL 为 -1 表示未知或永不过期。
func (s *Server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "缓存未初始化"))
		return
	}
	key := r.PathValue("key")
	ns, _, _ := strings.Cut(key, ":")
	if _, ok := clearableNamespaces[ns]; !ok {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持查看该命名空间: "+ns))
		return
	}
	entry, ok := s.cache.GetEntry(r.Context(), key)
	if !ok {
		s.writeError(w, xerrors.New(xerrors.CodeNotFound, "缓存条目不存在"))
		return
	}
	ttl := int64(-1)
	if entry.TTL > 0 {
		ttl = int64(entry.TTL / time.Second)
	}
	writeJSON(w, http.StatusOK, cacheEntryView{Key: entry.Key, Size: entry.Size, TTLSeconds: ttl, Value: string(entry.Value)})
}

var clearableNamespaces = map[string]struct{}{
	cache.NamespaceLLM:      {},
	cache.NamespaceCompress: {},
	cache.NamespaceSQL:      {},
	cache.NamespaceShell:    {},
	cache.NamespaceSkills:   {},
}

// handleCacheClear 清理单个命名空间。执行记录不允许通过该接口删除。
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "缓存未初始化"))
		return
	}
	ns := strings.ToLower(r.PathValue("namespace"))
	if _, ok := clearableNamespaces[ns]; !ok {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持清理该命名空间: "+ns))
		return
	}
	removed := s.cache.ClearPrefix(r.Context(), ns+":")
	logger.Audit().Info("缓存命名空间已清理", slog.String("namespace", ns), slog.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{"namespace": ns, "removed": removed})
}

func bundleID(d agent.Descriptor) string {
	if d.Skills != "" {
		return d.Skills
	}
	return d.ID
}

func atoi(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody(code, err.Error()))
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, execution.CodeExecutionValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, execution.CodeExecutionNotFound:
		return http.StatusNotFound
	case execution.CodeExecutionConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, xerrors.CodeQueueFailure, xerrors.CodeStorageFailure, execution.CodeExecutionPublish:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code xerrors.Code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": string(code), "message": message}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
