package agent

import "dungeon-agent/internal/domain"

// TokenCounter estimates the token cost of one message.
type TokenCounter func(domain.ChatMessage) int

// EstimateTokens approximates a message at four characters per token plus a
// fixed per-message overhead.
func EstimateTokens(m domain.ChatMessage) int {
	return (len(m.Content)+3)/4 + 4
}

// TrimMessages keeps a leading system message and the most recent messages
// that fit in budget. Messages are never split; the kept window is advanced
// until it starts with a user message.
func TrimMessages(messages []domain.ChatMessage, budget int, count TokenCounter) []domain.ChatMessage {
	if count == nil {
		count = EstimateTokens
	}
	var system []domain.ChatMessage
	rest := messages
	if len(rest) > 0 && rest[0].Role == domain.ChatRoleSystem {
		system = rest[:1]
		budget -= count(rest[0])
		rest = rest[1:]
	}

	start := len(rest)
	for start > 0 {
		cost := count(rest[start-1])
		if cost > budget {
			break
		}
		budget -= cost
		start--
	}
	for start < len(rest) && rest[start].Role != domain.ChatRoleUser {
		start++
	}

	out := make([]domain.ChatMessage, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	return append(out, rest[start:]...)
}
