package store

import (
	"context"

	"diaryai/pkg/domain"
)

// ChatStore defines the durable, session-partitioned chat log.
//
// AppendMessage is atomic with respect to the owning session's counters: a
// reader never observes the incremented messageCount without the message
// row, nor the reverse.
type ChatStore interface {
	CreateSession(ownerID, title, aiModel string) (domain.ChatSession, error)
	GetSession(id string) (domain.ChatSession, bool, error)
	ListSessions(ownerID string) ([]domain.ChatSession, error)
	DeleteSession(id string) error

	AppendMessage(sessionID, content string, isUser bool) (domain.ChatMessage, error)
	GetMessage(id string) (domain.ChatMessage, bool, error)
	ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error)
	UpdateMessageStatus(messageID string, status domain.MessageStatus, errMsg string) error

	// WatchMessages delivers the full current message list for the session,
	// once on subscription and again after every change, until ctx ends.
	WatchMessages(ctx context.Context, sessionID string) (<-chan []domain.ChatMessage, error)
}
