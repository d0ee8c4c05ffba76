package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"PricingFlow/internal/cache"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/llm"
	"PricingFlow/pkg/logger"
)

const (
	defaultLLMTimeout  = 30 * time.Second
	defaultLLMCacheTTL = 3600 * time.Second
)

// Gateway 是所有大模型调用的唯一入口：先查 llm: 缓存，未命中时在超时内调用端点。
type Gateway struct {
	client   llm.Client
	cache    *cache.Cache
	fallback llm.Fallback
	timeout  time.Duration
	ttl      time.Duration
	log      *slog.Logger
}

// GatewayOption 自定义网关。
type GatewayOption func(*Gateway)

// WithResponseCache 缓存原始回答。
func WithResponseCache(c *cache.Cache, ttl time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.cache = c
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithFallback 在调用失败时改用替代回答。为 nil 时失败会直接返回。
func WithFallback(f llm.Fallback) GatewayOption {
	return func(g *Gateway) { g.fallback = f }
}

// WithLLMTimeout 设置单次调用的超时时间。
func WithLLMTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// NewGateway 创建网关。
func NewGateway(client llm.Client, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		client:  client,
		timeout: defaultLLMTimeout,
		ttl:     defaultLLMCacheTTL,
		log:     logger.Named("workflow.gateway"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Reply 是一次网关调用的结果。
type Reply struct {
	Text     string
	Cached   bool
	Fallback bool
}

// Generate 返回提示词对应的原始回答。
func (g *Gateway) Generate(ctx context.Context, prompt string) (Reply, error) {
	key := cache.Key(cache.NamespaceLLM, prompt)
	if g.cache != nil {
		if raw, ok := g.cache.Get(ctx, key); ok && len(raw) > 0 {
			return Reply{Text: string(raw), Cached: true}, nil
		}
	}

	text, err := g.call(ctx, prompt)
	if err != nil {
		if g.fallback == nil {
			return Reply{}, err
		}
		g.log.Warn("大模型调用失败，使用替代回答", slog.Any("error", err))
		return Reply{Text: g.fallback.Respond(prompt, err), Fallback: true}, nil
	}

	if g.cache != nil {
		g.cache.Set(ctx, key, []byte(text), g.ttl)
	}
	return Reply{Text: text}, nil
}

func (g *Gateway) call(ctx context.Context, prompt string) (string, error) {
	if g.client == nil {
		return "", xerrors.New(xerrors.CodeTransport, "未配置大模型客户端")
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	text, err := g.client.Generate(callCtx, llm.Request{Prompt: prompt}.Normalize())
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeTransport, err, "大模型调用超时",
				xerrors.WithMetadata("timeout", g.timeout.String()))
		}
		if xerrors.CodeOf(err) == xerrors.CodeTransport {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "大模型调用失败")
	}
	g.log.Debug("大模型调用完成", slog.Int("chars", len(text)), slog.Duration("elapsed", time.Since(start)))
	return text, nil
}
