package chatengine

// Weights for the estimation heuristic. ASCII text averages about four
// characters per token; CJK, Cyrillic, Arabic and emoji average about one,
// so non-ASCII runes carry the full per-token weight.
const (
	asciiWeight    = 1
	nonASCIIWeight = 4
	charsPerToken  = 4
)

// EstimateTokens approximates the token cost of text for pre-flight
// affordability checks. The estimate only needs to be in the right ballpark;
// the authoritative debit happens remotely during generation.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r < 128 {
			weight += asciiWeight
		} else {
			weight += nonASCIIWeight
		}
	}
	return (weight + charsPerToken - 1) / charsPerToken
}

// MessageTokens weighs a message for history windowing: the backend-reported
// cost when the message carries one, the estimate otherwise. User messages
// are stored with zero cost, so they are always estimated.
func MessageTokens(msg Message) int {
	if msg.TokenCost > 0 {
		return msg.TokenCost
	}
	return EstimateTokens(msg.Content)
}
