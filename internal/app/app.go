// Package app is the caller-facing command layer. Every public operation
// returns a tagged result: a value plus an error matching the taxonomy in
// pkg/domain. Nothing here panics across the boundary.
package app

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"diaryai/pkg/ai"
	"diaryai/pkg/diary"
	"diaryai/pkg/domain"
	"diaryai/pkg/reconciler"
	"diaryai/pkg/retryqueue"
	"diaryai/pkg/storage"
	"diaryai/pkg/store"
)

const maxDerivedTitleLen = 40

// Config wires the collaborators into the application core.
type Config struct {
	Store     store.ChatStore
	Generator ai.StreamGenerator
	Diary     *diary.Adapter
	Queue     *retryqueue.Queue
	Objects   storage.ObjectStore

	AIModel      string
	Persona      string
	HistoryTurns int
	EmptyPolicy  reconciler.EmptyCompletionPolicy
	StallTimeout time.Duration

	SweepConcurrency int
}

// App coordinates chat, generation, diary, and image-transfer recovery.
type App struct {
	store   store.ChatStore
	rec     *reconciler.Reconciler
	diary   *diary.Adapter
	queue   *retryqueue.Queue
	objects storage.ObjectStore
	sweeper *retryqueue.Sweeper
	aiModel string
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("chat store required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	if cfg.Diary == nil {
		return nil, fmt.Errorf("diary adapter required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("retry queue required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	rec := reconciler.New(cfg.Store, cfg.Generator, reconciler.Options{
		Persona:      cfg.Persona,
		HistoryTurns: cfg.HistoryTurns,
		EmptyPolicy:  cfg.EmptyPolicy,
		StallTimeout: cfg.StallTimeout,
	})
	return &App{
		store:   cfg.Store,
		rec:     rec,
		diary:   cfg.Diary,
		queue:   cfg.Queue,
		objects: cfg.Objects,
		sweeper: retryqueue.NewSweeper(cfg.Queue, cfg.Objects, cfg.SweepConcurrency),
		aiModel: cfg.AIModel,
	}, nil
}

// RecoverPendingTransfers replays the retry journals. Call once at startup.
func (a *App) RecoverPendingTransfers(ctx context.Context) error {
	return a.sweeper.Sweep(ctx)
}

// CreateSession starts a new chat session. An empty title selects a
// time-derived default.
func (a *App) CreateSession(ctx context.Context, ownerID, title string) (domain.ChatSession, error) {
	return a.store.CreateSession(ownerID, title, a.aiModel)
}

// ListSessions returns the owner's sessions, most recently active first.
func (a *App) ListSessions(ctx context.Context, ownerID string) ([]domain.ChatSession, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrNotAuthenticated
	}
	return a.store.ListSessions(ownerID)
}

// DeleteSession removes the session and all its messages. Any in-flight
// generation for it is cancelled first.
func (a *App) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := a.ownedSession(ownerID, sessionID); err != nil {
		return err
	}
	a.rec.Cancel(sessionID)
	return a.store.DeleteSession(sessionID)
}

// SendMessage commits the user's turn and starts a streamed AI reply. With
// an empty sessionID a new session is created, titled from the message. A
// dispatch failure marks the committed user message failed and is returned
// so the caller can offer a retry.
func (a *App) SendMessage(ctx context.Context, ownerID, sessionID, content string) (domain.ChatMessage, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.ChatMessage{}, domain.ErrNotAuthenticated
	}
	if strings.TrimSpace(content) == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: empty message", domain.ErrInvalidOperation)
	}
	if sessionID == "" {
		session, err := a.store.CreateSession(ownerID, deriveTitle(content), a.aiModel)
		if err != nil {
			return domain.ChatMessage{}, err
		}
		sessionID = session.ID
	} else if _, err := a.ownedSession(ownerID, sessionID); err != nil {
		return domain.ChatMessage{}, err
	}

	msg, err := a.store.AppendMessage(sessionID, content, true)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if err := a.rec.Generate(sessionID, content); err != nil {
		a.markFailed(msg.ID, err)
		msg.Status = domain.StatusFailed
		msg.Error = userFacingError(err)
		return msg, err
	}
	return msg, nil
}

// RetryMessage re-sends a failed user message. Retrying an AI-authored
// message is an invalid operation; the old AI failure is never replayed.
func (a *App) RetryMessage(ctx context.Context, ownerID, messageID string) (domain.ChatMessage, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.ChatMessage{}, domain.ErrNotAuthenticated
	}
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if !ok {
		return domain.ChatMessage{}, domain.ErrNotFound
	}
	if _, err := a.ownedSession(ownerID, msg.SessionID); err != nil {
		return domain.ChatMessage{}, err
	}
	if !msg.IsUser {
		return domain.ChatMessage{}, fmt.Errorf("%w: only user messages can be retried", domain.ErrInvalidOperation)
	}
	if err := a.store.UpdateMessageStatus(msg.ID, domain.StatusSent, ""); err != nil {
		return domain.ChatMessage{}, err
	}
	msg.Status = domain.StatusSent
	msg.Error = ""
	if err := a.rec.Generate(msg.SessionID, msg.Content); err != nil {
		a.markFailed(msg.ID, err)
		msg.Status = domain.StatusFailed
		msg.Error = userFacingError(err)
		return msg, err
	}
	return msg, nil
}

// Messages returns the session's committed messages in append order.
func (a *App) Messages(ctx context.Context, ownerID, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if _, err := a.ownedSession(ownerID, sessionID); err != nil {
		return nil, err
	}
	return a.store.ListMessages(sessionID, limit)
}

// WatchMessages streams the session's full message list on every change.
func (a *App) WatchMessages(ctx context.Context, ownerID, sessionID string) (<-chan []domain.ChatMessage, error) {
	if _, err := a.ownedSession(ownerID, sessionID); err != nil {
		return nil, err
	}
	return a.store.WatchMessages(ctx, sessionID)
}

// WatchGeneration subscribes to streaming updates for the session.
func (a *App) WatchGeneration(ownerID, sessionID string) (<-chan reconciler.Update, func(), error) {
	if _, err := a.ownedSession(ownerID, sessionID); err != nil {
		return nil, nil, err
	}
	updates, cancel := a.rec.Watch(sessionID)
	return updates, cancel, nil
}

// CancelGeneration tears down any in-flight reply for the session.
func (a *App) CancelGeneration(ownerID, sessionID string) error {
	if _, err := a.ownedSession(ownerID, sessionID); err != nil {
		return err
	}
	a.rec.Cancel(sessionID)
	return nil
}

// CreateEntry, UpdateEntry, DeleteEntry, DeleteAllEntries, Entries,
// EntriesByDay, EntriesInRange, and WatchEntries delegate to the diary
// adapter, which enforces owner-scoping and write serialization.

func (a *App) CreateEntry(ctx context.Context, ownerID string, entry domain.DiaryEntry) (domain.DiaryEntry, error) {
	return a.diary.Insert(ctx, ownerID, entry)
}

func (a *App) UpdateEntry(ctx context.Context, ownerID string, entry domain.DiaryEntry) error {
	return a.diary.Update(ctx, ownerID, entry)
}

func (a *App) DeleteEntry(ctx context.Context, ownerID, id string) error {
	return a.diary.Delete(ctx, ownerID, id)
}

func (a *App) DeleteAllEntries(ctx context.Context, ownerID string) error {
	return a.diary.DeleteAll(ctx, ownerID)
}

func (a *App) Entries(ctx context.Context, ownerID string) ([]domain.DiaryEntry, error) {
	return a.diary.Entries(ctx, ownerID)
}

func (a *App) EntriesByDay(ctx context.Context, ownerID string) ([]diary.DayEntries, error) {
	return a.diary.EntriesByDay(ctx, ownerID)
}

func (a *App) EntriesInRange(ctx context.Context, ownerID string, start, end time.Time) ([]domain.DiaryEntry, error) {
	return a.diary.EntriesInRange(ctx, ownerID, start, end)
}

func (a *App) WatchEntries(ctx context.Context, ownerID string) (<-chan []diary.DayEntries, error) {
	return a.diary.WatchEntries(ctx, ownerID)
}

// AttachImage uploads a local image to the owner's remote path. A failed
// transfer is journaled for the startup sweep; the caller sees queued=true
// and no error in that case.
func (a *App) AttachImage(ctx context.Context, ownerID, sourceURI, remotePath string) (queued bool, err error) {
	if strings.TrimSpace(ownerID) == "" {
		return false, domain.ErrNotAuthenticated
	}
	if err := checkImagePath(ownerID, remotePath); err != nil {
		return false, err
	}
	src, size, err := openLocalFile(sourceURI)
	if err != nil {
		return false, fmt.Errorf("%w: source image unreadable: %v", domain.ErrInvalidOperation, err)
	}
	defer src.Close()
	contentType := mime.TypeByExtension(filepath.Ext(remotePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, remotePath, src, size, contentType); err != nil {
		if qerr := a.queue.EnqueueUpload(ctx, remotePath, sourceURI, ""); qerr != nil {
			return false, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, qerr)
		}
		return true, nil
	}
	return false, nil
}

// RemoveImage deletes the owner's remote image, journaling the delete for
// the startup sweep when the remote store is unreachable.
func (a *App) RemoveImage(ctx context.Context, ownerID, remotePath string) (queued bool, err error) {
	if strings.TrimSpace(ownerID) == "" {
		return false, domain.ErrNotAuthenticated
	}
	if err := checkImagePath(ownerID, remotePath); err != nil {
		return false, err
	}
	if err := a.objects.Delete(ctx, remotePath); err != nil {
		if qerr := a.queue.EnqueueDelete(ctx, remotePath); qerr != nil {
			return false, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, qerr)
		}
		return true, nil
	}
	return false, nil
}

// ImageURL returns a short-lived download URL for the owner's image.
func (a *App) ImageURL(ctx context.Context, ownerID, remotePath string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", domain.ErrNotAuthenticated
	}
	if err := checkImagePath(ownerID, remotePath); err != nil {
		return "", err
	}
	url, err := a.objects.PresignGet(ctx, remotePath, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	return url, nil
}

func (a *App) ownedSession(ownerID, sessionID string) (domain.ChatSession, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.ChatSession{}, domain.ErrNotAuthenticated
	}
	session, ok, err := a.store.GetSession(sessionID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	// An existing session owned by someone else reads as not found, so
	// session ids cannot be probed across owners.
	if !ok || session.OwnerID != ownerID {
		return domain.ChatSession{}, domain.ErrNotFound
	}
	return session, nil
}

func (a *App) markFailed(messageID string, cause error) {
	_ = a.store.UpdateMessageStatus(messageID, domain.StatusFailed, userFacingError(cause))
}

// checkImagePath confines an owner's image keys to their own prefix.
func checkImagePath(ownerID, remotePath string) error {
	prefix := "images/" + ownerID + "/"
	if !strings.HasPrefix(remotePath, prefix) {
		return fmt.Errorf("%w: image path outside owner prefix", domain.ErrInvalidOperation)
	}
	return nil
}

func openLocalFile(uri string) (*os.File, int64, error) {
	path := strings.TrimPrefix(uri, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) > maxDerivedTitleLen {
		runes := []rune(title)
		title = string(runes[:maxDerivedTitleLen]) + "…"
	}
	return title
}
