package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewGeminiClient("test-key")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.baseURL = srv.URL
	return client
}

func sseChunk(text string) string {
	return fmt.Sprintf(`data: {"candidates":[{"content":{"parts":[{"text":%q}]}}]}`+"\n\n", text)
}

func TestStreamGenerateTextDeliversChunksInOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q, want sse", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hello", ", ", "world"} {
			fmt.Fprint(w, sseChunk(text))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var got []string
	err := client.StreamGenerateText(context.Background(), "gemini-2.0-flash", "persona", "hi", DefaultGenerationConfig(), func(text string) error {
		got = append(got, text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, "") != "Hello, world" {
		t.Fatalf("chunks = %q", got)
	}
}

func TestStreamGenerateTextSkipsEmptyChunks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "\n: keepalive comment\n\n")
		fmt.Fprint(w, `data: {"candidates":[]}`+"\n\n")
		fmt.Fprint(w, sseChunk("only"))
	})

	var got []string
	err := client.StreamGenerateText(context.Background(), "gemini-2.0-flash", "p", "u", DefaultGenerationConfig(), func(text string) error {
		got = append(got, text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 1 || got[0] != "only" {
		t.Fatalf("chunks = %q, want [only]", got)
	}
}

func TestStreamGenerateTextSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"quota exceeded"}}`)
	})

	err := client.StreamGenerateText(context.Background(), "gemini-2.0-flash", "p", "u", DefaultGenerationConfig(), func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestStreamGenerateTextSurfacesMidStreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("partial"))
		fmt.Fprint(w, `data: {"error":{"message":"internal"}}`+"\n\n")
	})

	var got []string
	err := client.StreamGenerateText(context.Background(), "gemini-2.0-flash", "p", "u", DefaultGenerationConfig(), func(text string) error {
		got = append(got, text)
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "internal") {
		t.Fatalf("expected mid-stream error, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("chunks before error = %q, want one", got)
	}
}

func TestStreamGenerateTextStopsWhenCallbackFails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 10; i++ {
			fmt.Fprint(w, sseChunk("x"))
		}
	})

	calls := 0
	err := client.StreamGenerateText(context.Background(), "gemini-2.0-flash", "p", "u", DefaultGenerationConfig(), func(string) error {
		calls++
		return fmt.Errorf("stop")
	})
	if err == nil || !strings.Contains(err.Error(), "stop") {
		t.Fatalf("callback error not propagated: %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback called %d times after aborting, want 1", calls)
	}
}

func TestGenerateText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "models/gemini-2.0-flash:generateContent") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"whole reply"}]}}]}`)
	})

	text, err := client.GenerateText(context.Background(), "models/gemini-2.0-flash", "p", "u", DefaultGenerationConfig())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "whole reply" {
		t.Fatalf("text = %q", text)
	}
}
