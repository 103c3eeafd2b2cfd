package llm

// EstimateTokens approximates token usage for accounting when the provider
// reports none: roughly four characters per token across prompt and reply.
func EstimateTokens(question string, answer string) int64 {
	total := int64(len(question)+len(answer)) / 4
	if total < 0 {
		return 0
	}
	return total
}

// TotalTokensUsed sums prompt and completion tokens from provider-reported
// usage, zero when usage is absent.
func TotalTokensUsed(usage *ChatUsage) int64 {
	if usage == nil {
		return 0
	}
	total := int64(usage.PromptTokens) + int64(usage.CompletionTokens)
	if total < 0 {
		return 0
	}
	return total
}
