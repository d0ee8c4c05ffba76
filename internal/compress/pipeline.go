// Package compress shrinks prompts and responses so that they fit a token
// budget before they are sent to, or returned from, the LLM backend.
package compress

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"PricingFlow/internal/cache"
	"PricingFlow/internal/tokenutil"
	"PricingFlow/pkg/logger"
)

// 压缩技术名称。
const (
	TechniqueNone       = "none"
	TechniqueRedundancy = "redundancy_removal"
	TechniqueSemantic   = "semantic_dedup"
	TechniqueSentence   = "sentence_compression"
	TechniqueAggressive = "aggressive_summary"
)

const (
	defaultBudget   = 2000
	defaultCacheTTL = time.Hour
)

// Result 描述一次压缩的元数据。
type Result struct {
	OriginalTokens   int           `json:"original_tokens"`
	CompressedTokens int           `json:"compressed_tokens"`
	Ratio            float64       `json:"ratio"`
	Techniques       []string      `json:"techniques"`
	Elapsed          time.Duration `json:"elapsed"`
	Cached           bool          `json:"cached"`
}

// TokensSaved 返回节省的 token 数。
func (r Result) TokensSaved() int {
	return r.OriginalTokens - r.CompressedTokens
}

// Technique 以逗号拼接使用过的技术。
func (r Result) Technique() string {
	return strings.Join(r.Techniques, ", ")
}

type cachedResult struct {
	Compressed string `json:"compressed"`
	Result     Result `json:"result"`
}

// Pipeline 依次执行冗余删除、语义去重、句子压缩与激进摘要。
type Pipeline struct {
	cache         *cache.Cache
	cacheTTL      time.Duration
	defaultBudget int
	log           *slog.Logger
	stats         *statsTracker
}

// Option 定义可选配置。
type Option func(*Pipeline)

// WithCache 为压缩结果启用缓存。
func WithCache(c *cache.Cache) Option {
	return func(p *Pipeline) {
		p.cache = c
	}
}

// WithCacheTTL 设置压缩结果的缓存时间。
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.cacheTTL = ttl
		}
	}
}

// WithDefaultBudget 设置 maxTokens<=0 时使用的预算。
func WithDefaultBudget(tokens int) Option {
	return func(p *Pipeline) {
		if tokens > 0 {
			p.defaultBudget = tokens
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPipeline 创建压缩管线。
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		cacheTTL:      defaultCacheTTL,
		defaultBudget: defaultBudget,
		stats:         &statsTracker{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Named("compress")
	}
	return p
}

// DefaultBudget 返回 maxTokens<=0 时采用的预算。
func (p *Pipeline) DefaultBudget() int { return p.defaultBudget }

// Compress 将 text 压缩到 maxTokens 以内。任何输入都不会导致失败。
func (p *Pipeline) Compress(ctx context.Context, text string, maxTokens int, preserveStructure bool) (string, Result) {
	if maxTokens <= 0 {
		maxTokens = p.defaultBudget
	}

	original := tokenutil.Estimate(text)
	if tokenutil.Within(text, maxTokens) {
		return text, Result{
			OriginalTokens:   original,
			CompressedTokens: original,
			Ratio:            1.0,
			Techniques:       []string{TechniqueNone},
		}
	}

	key := cache.Key(cache.NamespaceCompress, map[string]any{
		"text":               text,
		"max_tokens":         maxTokens,
		"preserve_structure": preserveStructure,
	})
	if p.cache != nil {
		var hit cachedResult
		if p.cache.GetJSON(ctx, key, &hit) {
			hit.Result.Cached = true
			return hit.Compressed, hit.Result
		}
	}

	start := time.Now()
	compressed := text
	techniques := make([]string, 0, 4)

	apply := func(name string, stage func(string) string) {
		next := stage(compressed)
		if strings.TrimSpace(next) == "" {
			next = truncateToTokens(text, maxTokens)
		}
		if tokenutil.Estimate(next) <= tokenutil.Estimate(compressed) {
			compressed = next
		}
		techniques = append(techniques, name)
	}

	if !preserveStructure {
		apply(TechniqueRedundancy, removeRedundancy)
	}
	apply(TechniqueSemantic, semanticDedup)
	if !tokenutil.Within(compressed, maxTokens) {
		apply(TechniqueSentence, compressSentences)
	}
	if !tokenutil.Within(compressed, maxTokens) {
		apply(TechniqueAggressive, func(s string) string { return aggressiveCompress(s, maxTokens) })
	}

	compressedTokens := tokenutil.Estimate(compressed)
	ratio := float64(max(compressedTokens, 1)) / float64(original)
	if ratio > 1 {
		ratio = 1
	}
	result := Result{
		OriginalTokens:   original,
		CompressedTokens: compressedTokens,
		Ratio:            ratio,
		Techniques:       techniques,
		Elapsed:          time.Since(start),
	}
	p.stats.record(result)

	if p.cache != nil {
		p.cache.SetJSON(ctx, key, cachedResult{Compressed: compressed, Result: result}, p.cacheTTL)
	}

	p.log.Debug("文本已压缩",
		slog.Int("original_tokens", original),
		slog.Int("compressed_tokens", compressedTokens),
		slog.String("technique", result.Technique()),
		slog.Duration("elapsed", result.Elapsed))
	return compressed, result
}

// Stats 返回运行时统计快照。
func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot()
}
