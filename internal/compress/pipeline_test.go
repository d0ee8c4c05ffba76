package compress

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PricingFlow/internal/cache"
	"PricingFlow/internal/tokenutil"
)

const incidentParagraph = "The pricing job for the bond desk ran at midnight. " +
	"The batch that values bonds each night was executed. " +
	"Overnight bond valuation processing was started on schedule. " +
	"The evening run for fixed income prices kicked off as planned. " +
	"Job 4521 failed with a timeout error on the vendor feed. " +
	"The desk will retry the bond pricing run tonight."

func TestCompressWithinBudgetIsUnchanged(t *testing.T) {
	p := NewPipeline()
	inputs := []string{"", "short text", strings.Repeat("a", 400)}
	for _, in := range inputs {
		out, res := p.Compress(context.Background(), in, 100, false)
		assert.Equal(t, in, out)
		assert.Equal(t, 1.0, res.Ratio)
		assert.Equal(t, []string{TechniqueNone}, res.Techniques)
	}
	assert.Equal(t, 0, p.Stats().TotalCompressions)
}

func TestCompressEmptyTextYieldsZeroTokens(t *testing.T) {
	out, res := NewPipeline().Compress(context.Background(), "", 0, false)
	assert.Empty(t, out)
	assert.Equal(t, 0, res.OriginalTokens)
	assert.Equal(t, 0, res.CompressedTokens)
}

func TestCompressRatioBoundsAndIdempotence(t *testing.T) {
	p := NewPipeline()
	ctx := context.Background()
	cases := []struct {
		name   string
		text   string
		budget int
	}{
		{"paragraph", incidentParagraph, 25},
		{"repeated", strings.Repeat("The feed failed again. ", 40), 20},
		{"no punctuation", strings.Repeat("word ", 300), 50},
		{"parenthetical", strings.Repeat("Prices (as of close) were loaded, which took a while, for every desk quickly today. ", 20), 60},
		{"tiny budget", incidentParagraph, 1},
		{"unicode", strings.Repeat("价格数据已加载。", 100), 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, res := p.Compress(ctx, tc.text, tc.budget, false)
			assert.Greater(t, res.Ratio, 0.0)
			assert.LessOrEqual(t, res.Ratio, 1.0)
			assert.LessOrEqual(t, res.CompressedTokens, res.OriginalTokens)
			assert.LessOrEqual(t, res.CompressedTokens, tc.budget)
			assert.Equal(t, tokenutil.Estimate(out), res.CompressedTokens)

			again, res2 := p.Compress(ctx, out, tc.budget, false)
			assert.Equal(t, out, again)
			assert.Equal(t, []string{TechniqueNone}, res2.Techniques)
		})
	}
}

func TestCompressAggressiveSummaryKeepsFirstAndFacts(t *testing.T) {
	out, res := NewPipeline().Compress(context.Background(), incidentParagraph, 25, false)

	require.Contains(t, res.Techniques, TechniqueAggressive)
	assert.Equal(t, []string{TechniqueRedundancy, TechniqueSemantic, TechniqueSentence, TechniqueAggressive}, res.Techniques)
	assert.LessOrEqual(t, res.CompressedTokens, 25)
	assert.True(t, strings.HasPrefix(out, "The pricing job for the bond desk ran at midnight."), out)
	assert.Contains(t, out, "Job 4521")
	for _, dropped := range []string{"values bonds", "valuation", "evening run"} {
		assert.NotContains(t, out, dropped)
	}
}

func TestCompressPreserveStructureSkipsRedundancy(t *testing.T) {
	text := strings.Repeat("Line one  with  spacing.\n", 30)
	_, res := NewPipeline().Compress(context.Background(), text, 20, true)
	assert.NotContains(t, res.Techniques, TechniqueRedundancy)
	assert.Equal(t, TechniqueSemantic, res.Techniques[0])
}

func TestCompressUsesCache(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.NewMemoryBackend(0), cache.StateDegraded)
	p := NewPipeline(WithCache(c))

	first, res1 := p.Compress(ctx, incidentParagraph, 25, false)
	second, res2 := p.Compress(ctx, incidentParagraph, 25, false)

	assert.False(t, res1.Cached)
	assert.True(t, res2.Cached)
	assert.Equal(t, first, second)
	assert.Equal(t, res1.CompressedTokens, res2.CompressedTokens)
	assert.Equal(t, 1, p.Stats().TotalCompressions)

	_, res3 := p.Compress(ctx, incidentParagraph, 25, true)
	assert.False(t, res3.Cached)
	assert.EqualValues(t, 1, c.Stats(ctx).Hits)
}

func TestCompressDefaultBudget(t *testing.T) {
	p := NewPipeline(WithDefaultBudget(10))
	_, res := p.Compress(context.Background(), incidentParagraph, 0, false)
	assert.LessOrEqual(t, res.CompressedTokens, 10)
}

func TestStatsIncrementalMean(t *testing.T) {
	s := &statsTracker{}
	s.record(Result{OriginalTokens: 100, CompressedTokens: 50, Ratio: 0.5})
	s.record(Result{OriginalTokens: 100, CompressedTokens: 10, Ratio: 0.1})
	snap := s.snapshot()
	assert.Equal(t, 2, snap.TotalCompressions)
	assert.Equal(t, 140, snap.TokensSaved)
	assert.InDelta(t, 0.3, snap.AverageRatio, 1e-9)
	assert.InDelta(t, 70.0, snap.AverageSavingsPct, 1e-9)
}

func TestRemoveRedundancy(t *testing.T) {
	in := "The  the price was very   really high,, and and it basically failed.. ok"
	assert.Equal(t, "The price was high, and it failed. ok", removeRedundancy(in))
}

func TestSemanticDedupDropsLexicalDuplicates(t *testing.T) {
	in := "The vendor feed failed overnight. Overnight the vendor feed failed. Prices were reloaded manually."
	assert.Equal(t, "The vendor feed failed overnight. Prices were reloaded manually.", semanticDedup(in))

	short := "Feed failed. Feed failed."
	assert.Equal(t, short, semanticDedup(short))
}

func TestCompressSentences(t *testing.T) {
	in := "The job (id 7) was retried, which took long, and finished quickly today."
	assert.Equal(t, "The job was retried, and finished today.", compressSentences(in))
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("x", 90) + ". " + strings.Repeat("y", 20)
	assert.Equal(t, strings.Repeat("x", 90)+".", truncateToTokens(text, 25))

	noPeriod := strings.Repeat("z", 200)
	assert.Equal(t, strings.Repeat("z", 100)+"...", truncateToTokens(noPeriod, 25))
}

func TestCompressConcurrentCallersShareCacheAndStats(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.NewMemoryBackend(0), cache.StateDegraded)
	p := NewPipeline(WithCache(c))

	const workers, rounds = 16, 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		outputs    = map[string]struct{}{}
		recomputed int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				out, res := p.Compress(ctx, incidentParagraph, 25, false)
				mu.Lock()
				outputs[out] = struct{}{}
				if !res.Cached {
					recomputed++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, outputs, 1)
	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.TotalCompressions, 1)
	assert.Equal(t, recomputed, stats.TotalCompressions)
	cacheStats := c.Stats(ctx)
	assert.EqualValues(t, workers*rounds, cacheStats.Hits+cacheStats.Misses)
	assert.EqualValues(t, recomputed, cacheStats.Misses)
}
