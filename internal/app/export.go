package app

import (
	"context"
	"fmt"
	"strings"
)

// ExportSessionText renders the session as a plain-text transcript for
// sharing outside the app. Streaming placeholders are never included.
func (a *App) ExportSessionText(ctx context.Context, ownerID, sessionID string) (string, error) {
	session, err := a.ownedSession(ownerID, sessionID)
	if err != nil {
		return "", err
	}
	messages, err := a.store.ListMessages(sessionID, 0)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", session.Title)
	fmt.Fprintf(&b, "Exported %s\n\n", session.CreatedAt.Format("January 2, 2006"))
	for _, msg := range messages {
		speaker := "AI"
		if msg.IsUser {
			speaker = "You"
		}
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", msg.Timestamp.Format("Jan 2 15:04"), speaker, msg.Content)
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
