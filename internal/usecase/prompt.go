package usecase

import "aha-chat/internal/domain"

const systemPrompt = "You are a professional AI was implemented by Duy Tran for the Aha AI Exam. " +
	"Please generate responses in English to all user inputs."

// buildPayload copies every transcript message, system message included, in
// transcript order.
func buildPayload(transcript []domain.ChatMessage) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(transcript))
	for _, m := range transcript {
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return messages
}

func visibleMessages(transcript []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(transcript))
	for _, m := range transcript {
		if m.Role == domain.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
