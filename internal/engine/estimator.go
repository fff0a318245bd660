// Package engine provides the provider-agnostic chat abstractions shared by
// the agent loop, the providers, and the memory subsystem.
package engine

import "strings"

// TokenEstimator approximates token counts for text. The default heuristic
// only gates soft thresholds (summarization triggers), so exactness is not
// required; a model-specific tokenizer can be substituted without touching
// the callers.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// HeuristicEstimator estimates ~4 characters per token, with a small
// adjustment for whitespace-heavy text.
type HeuristicEstimator struct{}

// EstimateTokens implements TokenEstimator.
func (HeuristicEstimator) EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}

	charCount := len([]rune(text))
	whitespace := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")

	estimated := (charCount / 4) + (whitespace / 6)
	if estimated < 1 {
		return 1
	}
	return estimated
}

// EstimateMessages sums estimates over a transcript, including a fixed
// per-message overhead for role markers and separators.
func EstimateMessages(est TokenEstimator, messages []ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += est.EstimateTokens(msg.Content) + 4
	}
	return total
}
