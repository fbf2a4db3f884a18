// Package tokencount provides token estimation for prompt budgeting.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for truncation decisions; exact counts come back in the model
// response's usage object.
package tokencount

import "math"

// messageOverhead covers the role tag and formatting each prompt message
// adds beyond its text.
const messageOverhead = 4

// Estimate returns the approximate token count of s.
func Estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// EstimateMessage returns the approximate token cost of one prompt message:
// its text plus per-message formatting overhead.
func EstimateMessage(s string) int {
	return Estimate(s) + messageOverhead
}

// Budget converts a model context size into a usable prompt budget by
// holding back a safety margin: Budget(900_000, 0.05) = 855_000.
func Budget(contextTokens int, margin float64) int {
	if contextTokens <= 0 {
		return 0
	}
	if margin < 0 || margin >= 1 {
		return contextTokens
	}
	return contextTokens - int(math.Round(float64(contextTokens)*margin))
}
