package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"diaryai/internal/app"
	"diaryai/internal/ratelimit"
	"diaryai/internal/usertoken"
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

func newTestServer(t *testing.T, gen genFunc, limiter *ratelimit.FixedWindowLimiter) (*httptest.Server, *usertoken.Verifier) {
	t.Helper()
	db, err := store.OpenLocalDB(filepath.Join(t.TempDir(), "srv.db"))
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
	appCore, err := app.New(app.Config{
		Store:     chatStore,
		Generator: gen,
		Diary:     diary.NewAdapter(diary.NewMemoryDocumentStore()),
		Queue:     queue,
		Objects:   storage.NewMemoryStore(),
		AIModel:   "gemini-2.0-flash",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: appCore, TokenVerifier: verifier, Limiter: limiter}).Router())
	t.Cleanup(srv.Close)
	return srv, verifier
}

func authedRequest(t *testing.T, verifier *usertoken.Verifier, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	token, err := verifier.Issue("owner-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func echoGen(reply string) genFunc {
	return func(ctx context.Context, _, _ string, onChunk func(string) error) error {
		return onChunk(reply)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, echoGen("ok"), nil)
	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	srv, _ := newTestServer(t, echoGen("ok"), nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSendMessageFlow(t *testing.T) {
	srv, verifier := newTestServer(t, echoGen("Nice to hear."), nil)

	req := authedRequest(t, verifier, http.MethodPost, srv.URL+"/messages", map[string]string{"content": "Today was calm"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var msg domain.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.SessionID == "" || !msg.IsUser {
		t.Fatalf("message = %+v", msg)
	}

	// After the async reply commits, the session log has both turns.
	deadline := time.Now().Add(3 * time.Second)
	for {
		req = authedRequest(t, verifier, http.MethodGet, srv.URL+"/sessions/"+msg.SessionID+"/messages", nil)
		listResp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		var body struct {
			Messages []domain.ChatMessage `json:"messages"`
		}
		if err := json.NewDecoder(listResp.Body).Decode(&body); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		listResp.Body.Close()
		if len(body.Messages) == 2 {
			if body.Messages[1].Content != "Nice to hear." {
				t.Fatalf("reply = %+v", body.Messages[1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reply never committed, messages = %+v", body.Messages)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMissingSessionMapsToNotFound(t *testing.T) {
	srv, verifier := newTestServer(t, echoGen("ok"), nil)
	req := authedRequest(t, verifier, http.MethodGet, srv.URL+"/sessions/no-such/messages", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(redis.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	srv, verifier := newTestServer(t, echoGen("ok"), limiter)

	for i, wantStatus := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		req := authedRequest(t, verifier, http.MethodPost, srv.URL+"/messages", map[string]string{"content": "hi"})
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != wantStatus {
			t.Fatalf("request %d status = %d, want %d", i, resp.StatusCode, wantStatus)
		}
	}
}

func TestStreamRelaysUpdatesAsSSE(t *testing.T) {
	release := make(chan struct{})
	gen := genFunc(func(ctx context.Context, _, _ string, onChunk func(string) error) error {
		<-release
		for _, c := range []string{"Hel", "lo"} {
			if err := onChunk(c); err != nil {
				return err
			}
		}
		return nil
	})
	srv, verifier := newTestServer(t, gen, nil)

	req := authedRequest(t, verifier, http.MethodPost, srv.URL+"/messages", map[string]string{"content": "hi"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var msg domain.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	streamReq := authedRequest(t, verifier, http.MethodGet, srv.URL+"/sessions/"+msg.SessionID+"/stream", nil)
	streamResp, err := http.DefaultClient.Do(streamReq)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	close(release)

	buf := make([]byte, 16*1024)
	var events strings.Builder
	for {
		n, err := streamResp.Body.Read(buf)
		events.Write(buf[:n])
		if err != nil {
			break
		}
		if strings.Contains(events.String(), `"state":"completed"`) {
			break
		}
	}
	got := events.String()
	if !strings.Contains(got, `"state":"streaming"`) {
		t.Fatalf("no streaming event in:\n%s", got)
	}
	if !strings.Contains(got, `"content":"Hello"`) {
		t.Fatalf("accumulated content missing in:\n%s", got)
	}
}

func TestEntryCRUDOverHTTP(t *testing.T) {
	srv, verifier := newTestServer(t, echoGen("ok"), nil)

	req := authedRequest(t, verifier, http.MethodPost, srv.URL+"/entries", map[string]any{
		"title":       "Garden day",
		"description": "Planted herbs",
		"mood":        "happy",
	})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var entry domain.DiaryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	resp.Body.Close()
	if entry.ID == "" || entry.OwnerID != "owner-1" {
		t.Fatalf("entry = %+v", entry)
	}

	entry.Description = "Planted herbs and tomatoes"
	req = authedRequest(t, verifier, http.MethodPut, srv.URL+"/entries/"+entry.ID, entry)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update entry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}

	req = authedRequest(t, verifier, http.MethodGet, srv.URL+"/entries?group=day", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list grouped: %v", err)
	}
	var grouped struct {
		Days []diary.DayEntries `json:"days"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grouped); err != nil {
		t.Fatalf("decode grouped: %v", err)
	}
	resp.Body.Close()
	if len(grouped.Days) != 1 || len(grouped.Days[0].Entries) != 1 {
		t.Fatalf("grouped = %+v", grouped.Days)
	}
	if grouped.Days[0].Entries[0].Description != "Planted herbs and tomatoes" {
		t.Fatalf("update not visible: %+v", grouped.Days[0].Entries[0])
	}

	req = authedRequest(t, verifier, http.MethodDelete, srv.URL+"/entries/"+entry.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	req = authedRequest(t, verifier, http.MethodDelete, srv.URL+"/entries/"+entry.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestListEntriesRangeValidation(t *testing.T) {
	srv, verifier := newTestServer(t, echoGen("ok"), nil)
	req := authedRequest(t, verifier, http.MethodGet, srv.URL+"/entries?from=2026-03-05&to=2026-03-01", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d, want 400", resp.StatusCode)
	}
}

func TestExportEndpointReturnsPlainText(t *testing.T) {
	srv, verifier := newTestServer(t, echoGen("A fine day."), nil)

	req := authedRequest(t, verifier, http.MethodPost, srv.URL+"/messages", map[string]string{"content": "hello"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var msg domain.ChatMessage
	_ = json.NewDecoder(resp.Body).Decode(&msg)
	resp.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		req = authedRequest(t, verifier, http.MethodGet, srv.URL+"/sessions/"+msg.SessionID+"/export", nil)
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		body := readAll(t, resp)
		resp.Body.Close()
		if strings.Contains(body, "A fine day.") {
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Fatalf("content type = %q", ct)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reply never appeared in export:\n%s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			return b.String()
		}
	}
}
