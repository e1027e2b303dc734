package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageStatus is the lifecycle state of a chat message. Streaming is a
// transient in-memory state and is never written to durable storage.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusStreaming MessageStatus = "streaming"
)

// ParseMessageStatus maps a stored status string back to the closed enum.
func ParseMessageStatus(raw string) (MessageStatus, error) {
	switch MessageStatus(strings.TrimSpace(strings.ToLower(raw))) {
	case StatusSending:
		return StatusSending, nil
	case StatusSent:
		return StatusSent, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusStreaming:
		return StatusStreaming, nil
	}
	return "", fmt.Errorf("unknown message status: %q", raw)
}

// Durable reports whether a message in this status may be persisted.
func (s MessageStatus) Durable() bool {
	return s != StatusStreaming
}

type Mood string

const (
	MoodHappy   Mood = "happy"
	MoodCalm    Mood = "calm"
	MoodNeutral Mood = "neutral"
	MoodSad     Mood = "sad"
	MoodAngry   Mood = "angry"
)

// ParseMood validates a stored mood tag. Unknown values fall back to neutral
// rather than failing a read, so old rows stay loadable.
func ParseMood(raw string) Mood {
	switch Mood(strings.TrimSpace(strings.ToLower(raw))) {
	case MoodHappy:
		return MoodHappy
	case MoodCalm:
		return MoodCalm
	case MoodSad:
		return MoodSad
	case MoodAngry:
		return MoodAngry
	default:
		return MoodNeutral
	}
}

type ChatSession struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Title         string    `json:"title"`
	AIModel       string    `json:"aiModel"`
	MessageCount  int       `json:"messageCount"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

type ChatMessage struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	Content   string        `json:"content"`
	IsUser    bool          `json:"isUser"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

type DiaryEntry struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Mood        Mood      `json:"mood"`
	Images      []string  `json:"images"`
	Date        time.Time `json:"date"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PendingUpload is a not-yet-confirmed image upload. The row survives process
// restarts and is removed only after the object store confirms success.
type PendingUpload struct {
	ID          int64  `json:"id"`
	RemotePath  string `json:"remotePath"`
	SourceURI   string `json:"sourceUri"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

// PendingDelete is a not-yet-confirmed remote image deletion.
type PendingDelete struct {
	ID         int64  `json:"id"`
	RemotePath string `json:"remotePath"`
}
