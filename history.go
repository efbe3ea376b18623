package chatengine

// RecentHistory returns the conversation window sent with a generation
// request: the most recent messages, truncated to the message limit first
// and then to the token limit, oldest dropped first. The returned slice
// preserves chronological order.
func RecentHistory(history []Message, tokenLimit, messageLimit int) []Message {
	if len(history) == 0 {
		return history
	}

	// First, apply message limit
	if messageLimit > 0 && len(history) > messageLimit {
		history = history[len(history)-messageLimit:]
	}

	if tokenLimit <= 0 {
		return history
	}

	// Then, apply token limit
	totalTokens := 0
	for _, msg := range history {
		totalTokens += MessageTokens(msg)
	}

	// Remove oldest messages until within token limit
	for totalTokens > tokenLimit && len(history) > 0 {
		totalTokens -= MessageTokens(history[0])
		history = history[1:]
	}

	return history
}
