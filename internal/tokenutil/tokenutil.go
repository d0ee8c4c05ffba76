// Package tokenutil holds the coarse token-size heuristic shared by the
// compression pipeline and execution accounting.
package tokenutil

// CharsPerToken is the character-length proxy for one token.
const CharsPerToken = 4

// Estimate returns len(text)/4. It deliberately ignores word boundaries so the
// estimate is monotone in text length.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(text) / CharsPerToken
}

// CharBudget converts a token budget into a character budget.
func CharBudget(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return tokens * CharsPerToken
}

// Within reports whether text fits the token budget.
func Within(text string, budget int) bool {
	return Estimate(text) <= budget
}
