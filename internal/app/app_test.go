package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"diaryai/pkg/diary"
	"diaryai/pkg/domain"
	"diaryai/pkg/retryqueue"
	"diaryai/pkg/storage"
	"diaryai/pkg/store"
)

type genFunc func(ctx context.Context, systemPrompt, userPrompt string, onChunk func(string) error) error

func (f genFunc) StreamText(ctx context.Context, systemPrompt, userPrompt string, onChunk func(string) error) error {
	return f(ctx, systemPrompt, userPrompt, onChunk)
}

func echoGenerator(reply string) genFunc {
	return func(ctx context.Context, _, _ string, onChunk func(string) error) error {
		return onChunk(reply)
	}
}

type testApp struct {
	app     *App
	store   *store.GormStore
	queue   *retryqueue.Queue
	objects *storage.MemoryStore
}

func newTestApp(t *testing.T, gen genFunc) *testApp {
	t.Helper()
	db, err := store.OpenLocalDB(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open local db: %v", err)
	}
	chatStore, err := store.NewGormStore(db)
	if err != nil {
		t.Fatalf("new chat store: %v", err)
	}
	queue, err := retryqueue.New(db)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	objects := storage.NewMemoryStore()
	a, err := New(Config{
		Store:     chatStore,
		Generator: gen,
		Diary:     diary.NewAdapter(diary.NewMemoryDocumentStore()),
		Queue:     queue,
		Objects:   objects,
		AIModel:   "gemini-2.0-flash",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testApp{app: a, store: chatStore, queue: queue, objects: objects}
}

func waitForMessages(t *testing.T, s *store.GormStore, sessionID string, want int) []domain.ChatMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := s.ListMessages(sessionID, 0)
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if len(msgs) >= want {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never reached %d messages in session %s", want, sessionID)
	return nil
}

func TestSendMessageCreatesSessionAndCommitsReply(t *testing.T) {
	ta := newTestApp(t, echoGenerator("That sounds lovely."))
	ctx := context.Background()

	msg, err := ta.app.SendMessage(ctx, "owner-1", "", "I planted tomatoes today")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.Status != domain.StatusSent || !msg.IsUser {
		t.Fatalf("user message = %+v", msg)
	}

	sessions, err := ta.app.ListSessions(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if !strings.Contains(sessions[0].Title, "tomatoes") {
		t.Fatalf("session title %q not derived from content", sessions[0].Title)
	}

	msgs := waitForMessages(t, ta.store, msg.SessionID, 2)
	if msgs[1].IsUser || msgs[1].Content != "That sounds lovely." {
		t.Fatalf("reply = %+v", msgs[1])
	}
}

func TestSendMessageRejectsForeignSession(t *testing.T) {
	ta := newTestApp(t, echoGenerator("ok"))
	ctx := context.Background()

	session, err := ta.app.CreateSession(ctx, "owner-1", "private")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := ta.app.SendMessage(ctx, "owner-2", session.ID, "hello"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-owner send: %v", err)
	}
	if _, err := ta.app.SendMessage(ctx, "", session.ID, "hello"); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("anonymous send: %v", err)
	}
	if _, err := ta.app.SendMessage(ctx, "owner-1", session.ID, "  "); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("blank content send: %v", err)
	}
}

func TestRetryMessageOnlyForUserMessages(t *testing.T) {
	ta := newTestApp(t, echoGenerator("reply"))
	ctx := context.Background()

	msg, err := ta.app.SendMessage(ctx, "owner-1", "", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := waitForMessages(t, ta.store, msg.SessionID, 2)

	if _, err := ta.app.RetryMessage(ctx, "owner-1", msgs[1].ID); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("retrying AI message: %v", err)
	}
	if _, err := ta.app.RetryMessage(ctx, "owner-1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("retrying missing message: %v", err)
	}

	retried, err := ta.app.RetryMessage(ctx, "owner-1", msg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.StatusSent || retried.Error != "" {
		t.Fatalf("retried message = %+v", retried)
	}
}

func TestSendMessageMarksFailedOnDispatchError(t *testing.T) {
	dispatchErr := fmt.Errorf("%w: boom", domain.ErrStreamFailed)
	gen := genFunc(func(ctx context.Context, _, _ string, onChunk func(string) error) error {
		return dispatchErr
	})
	ta := newTestApp(t, gen)
	ctx := context.Background()

	session, err := ta.app.CreateSession(ctx, "owner-1", "t")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	// Dispatch itself succeeds; the stream fails asynchronously and no
	// reply is ever committed.
	msg, err := ta.app.SendMessage(ctx, "owner-1", session.ID, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	msgs, err := ta.store.ListMessages(msg.SessionID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("failed stream committed a reply: %+v", msgs)
	}
}

func TestDeleteSessionCancelsAndRemoves(t *testing.T) {
	started := make(chan struct{}, 1)
	gen := genFunc(func(ctx context.Context, _, _ string, onChunk func(string) error) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	ta := newTestApp(t, gen)
	ctx := context.Background()

	msg, err := ta.app.SendMessage(ctx, "owner-1", "", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-started
	if err := ta.app.DeleteSession(ctx, "owner-1", msg.SessionID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := ta.app.Messages(ctx, "owner-1", msg.SessionID, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("messages after delete: %v", err)
	}
}

func TestExportSessionText(t *testing.T) {
	ta := newTestApp(t, echoGenerator("It was a good day indeed."))
	ctx := context.Background()

	msg, err := ta.app.SendMessage(ctx, "owner-1", "", "Today was good")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForMessages(t, ta.store, msg.SessionID, 2)

	text, err := ta.app.ExportSessionText(ctx, "owner-1", msg.SessionID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(text, "You:\nToday was good") {
		t.Fatalf("transcript missing user turn:\n%s", text)
	}
	if !strings.Contains(text, "AI:\nIt was a good day indeed.") {
		t.Fatalf("transcript missing AI turn:\n%s", text)
	}

	if _, err := ta.app.ExportSessionText(ctx, "owner-2", msg.SessionID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-owner export: %v", err)
	}
}

func TestAttachImageQueuesOnFailure(t *testing.T) {
	ta := newTestApp(t, echoGenerator("ok"))
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(src, []byte("jpeg"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	queued, err := ta.app.AttachImage(ctx, "owner-1", src, "images/owner-1/photo.jpg")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if queued {
		t.Fatalf("healthy upload was queued")
	}
	if _, ok := ta.objects.Get("images/owner-1/photo.jpg"); !ok {
		t.Fatalf("object missing after attach")
	}

	ta.objects.FailPuts = true
	queued, err = ta.app.AttachImage(ctx, "owner-1", src, "images/owner-1/photo2.jpg")
	if err != nil {
		t.Fatalf("attach during outage: %v", err)
	}
	if !queued {
		t.Fatalf("failed upload not queued")
	}
	rows, _ := ta.queue.PendingUploads(ctx)
	if len(rows) != 1 || rows[0].RemotePath != "images/owner-1/photo2.jpg" {
		t.Fatalf("journal rows = %+v", rows)
	}

	// Recovery drains the journal once the store is back.
	ta.objects.FailPuts = false
	if err := ta.app.RecoverPendingTransfers(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	rows, _ = ta.queue.PendingUploads(ctx)
	if len(rows) != 0 {
		t.Fatalf("journal not drained: %+v", rows)
	}
	if _, ok := ta.objects.Get("images/owner-1/photo2.jpg"); !ok {
		t.Fatalf("replayed object missing")
	}
}

func TestAttachImageEnforcesOwnerPrefix(t *testing.T) {
	ta := newTestApp(t, echoGenerator("ok"))
	ctx := context.Background()
	_, err := ta.app.AttachImage(ctx, "owner-1", "/tmp/x.jpg", "images/owner-2/x.jpg")
	if !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("foreign prefix accepted: %v", err)
	}
	_, err = ta.app.AttachImage(ctx, "owner-1", "/nowhere/missing.jpg", "images/owner-1/x.jpg")
	if !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("missing source accepted: %v", err)
	}
}

func TestRemoveImageQueuesOnFailure(t *testing.T) {
	ta := newTestApp(t, echoGenerator("ok"))
	ctx := context.Background()

	ta.objects.FailDeletes = true
	queued, err := ta.app.RemoveImage(ctx, "owner-1", "images/owner-1/old.jpg")
	if err != nil {
		t.Fatalf("remove during outage: %v", err)
	}
	if !queued {
		t.Fatalf("failed delete not queued")
	}
	rows, _ := ta.queue.PendingDeletes(ctx)
	if len(rows) != 1 {
		t.Fatalf("journal rows = %+v", rows)
	}
}

func TestDeriveTitleTruncates(t *testing.T) {
	long := strings.Repeat("words and more ", 10)
	title := deriveTitle(long)
	if len([]rune(title)) > maxDerivedTitleLen+1 {
		t.Fatalf("title too long: %q", title)
	}
	if deriveTitle("short note") != "short note" {
		t.Fatalf("short title altered")
	}
}
