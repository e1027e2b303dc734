package reconciler

import (
	"strings"

	"diaryai/pkg/domain"
)

// DefaultPersona is the system instruction given to the generation
// collaborator when the caller does not supply one.
const DefaultPersona = "You are a warm, thoughtful companion inside a personal diary app. " +
	"You listen carefully, reply with empathy, and keep answers concise. " +
	"Never invent facts about the user's life."

const defaultHistoryTurns = 10

// buildPrompt formats the conversation history as alternating "User:" /
// "Assistant:" lines followed by the new user turn. When the new turn was
// already appended to the log, the trailing duplicate is skipped.
func buildPrompt(history []domain.ChatMessage, userContent string) string {
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.IsUser && last.Content == userContent {
			history = history[:n-1]
		}
	}
	var b strings.Builder
	for _, msg := range history {
		if msg.IsUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(userContent)
	return b.String()
}
