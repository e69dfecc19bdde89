package keyalloc

// EstimateTokens provides a rough token count estimate for a prompt.
// Uses the approximation: ~4 chars per token + request overhead.
func EstimateTokens(texts ...string) int64 {
	var total int64
	for _, t := range texts {
		// ~4 chars per token
		total += int64(len(t)) / 4
		// overhead per message (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}
