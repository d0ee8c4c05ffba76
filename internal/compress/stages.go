package compress

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"PricingFlow/internal/tokenutil"
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	fillerWords    = regexp.MustCompile(`(?i)\b(?:very|really|actually|basically)\s+`)
	repeatedCommas = regexp.MustCompile(`\s*,(?:\s*,)+\s*`)
	repeatedDots   = regexp.MustCompile(`\s*\.(?:\s*\.)+\s*`)

	sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]*`)
	terminators     = ".!?"

	parenthetical  = regexp.MustCompile(`\([^)]*\)`)
	whichClause    = regexp.MustCompile(`,\s*which\s+[^,]*,`)
	whoClause      = regexp.MustCompile(`,\s*who\s+[^,]*,`)
	lyAdverb       = regexp.MustCompile(`\s+\w+ly\s+`)
	spaceBeforeEnd = regexp.MustCompile(`\s+([,.!?])`)

	digit = regexp.MustCompile(`\d`)
)

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"being": {}, "have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {}, "will": {},
	"would": {}, "could": {}, "should": {}, "may": {}, "might": {}, "can": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "from": {}, "by": {}, "about": {}, "as": {},
}

var factKeywords = []string{"failed", "error", "success", "completed"}

// removeRedundancy 合并空白、删除紧邻重复词与填充副词、合并重复标点。
func removeRedundancy(text string) string {
	out := whitespaceRun.ReplaceAllString(text, " ")
	out = dropRepeatedWords(out)
	out = fillerWords.ReplaceAllString(out, "")
	out = repeatedCommas.ReplaceAllString(out, ", ")
	out = repeatedDots.ReplaceAllString(out, ". ")
	return strings.TrimSpace(out)
}

// dropRepeatedWords 删除与前一个词相同（忽略大小写）的词。
func dropRepeatedWords(text string) string {
	words := strings.Split(text, " ")
	kept := words[:0]
	prev := ""
	for _, w := range words {
		if w == "" {
			kept = append(kept, w)
			continue
		}
		if prev != "" && strings.EqualFold(w, prev) {
			continue
		}
		kept = append(kept, w)
		prev = w
	}
	return strings.Join(kept, " ")
}

// splitSentences 按终止符切分句子，保留句末标点。
func splitSentences(text string) []string {
	raw := sentencePattern.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if strings.Trim(s, terminators) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func signature(sentence string) string {
	body := strings.ToLower(strings.TrimSpace(strings.TrimRight(sentence, terminators)))
	var keys []string
	for _, w := range strings.Fields(body) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if utf8.RuneCountInString(w) > 3 {
			keys = append(keys, w)
		}
	}
	sort.Strings(keys)
	if len(keys) > 5 {
		keys = keys[:5]
	}
	return strings.Join(keys, "-")
}

// semanticDedup 删除签名重复的句子。两句及以下的文本保持不变。
func semanticDedup(text string) string {
	sentences := splitSentences(text)
	if len(sentences) <= 2 {
		return text
	}
	seen := make(map[string]struct{}, len(sentences))
	unique := make([]string, 0, len(sentences))
	for _, s := range sentences {
		sig := signature(s)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		unique = append(unique, s)
	}
	return strings.Join(unique, " ")
}

// compressSentences 删除括号插入语、which/who 从句与 -ly 副词。
func compressSentences(text string) string {
	sentences := splitSentences(text)
	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		c := parenthetical.ReplaceAllString(s, "")
		c = whichClause.ReplaceAllString(c, ",")
		c = whoClause.ReplaceAllString(c, ",")
		c = lyAdverb.ReplaceAllString(c, " ")
		c = whitespaceRun.ReplaceAllString(c, " ")
		c = spaceBeforeEnd.ReplaceAllString(c, "$1")
		c = strings.TrimSpace(c)
		if strings.Trim(c, terminators+", ") != "" {
			out = append(out, c)
		}
	}
	return strings.Join(out, " ")
}

func isFact(sentence string) bool {
	if digit.MatchString(sentence) {
		return true
	}
	lower := strings.ToLower(sentence)
	for _, kw := range factKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// aggressiveCompress 保留首尾句与至多两条事实句，必要时再截断。
func aggressiveCompress(text string, maxTokens int) string {
	sentences := splitSentences(text)
	if len(sentences) <= 3 {
		return truncateToTokens(text, maxTokens)
	}

	parts := []string{sentences[0]}
	facts := 0
	for _, s := range sentences[1 : len(sentences)-1] {
		if facts == 2 {
			break
		}
		if isFact(s) {
			parts = append(parts, s)
			facts++
		}
	}
	parts = append(parts, sentences[len(sentences)-1])

	out := strings.Join(parts, " ")
	if tokenutil.Estimate(out) > maxTokens {
		out = truncateToTokens(out, maxTokens)
	}
	return out
}

// truncateToTokens 截断到 maxTokens*4 个字符；若最后一个句号位于截断长度 80% 之后则在句号处截断，否则追加省略号。
func truncateToTokens(text string, maxTokens int) string {
	limit := tokenutil.CharBudget(maxTokens)
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	truncated := text[:cut]
	if idx := strings.LastIndex(truncated, "."); idx >= 0 && float64(idx) > float64(limit)*0.8 {
		return truncated[:idx+1]
	}
	return truncated + "..."
}
