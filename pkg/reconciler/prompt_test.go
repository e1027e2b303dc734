package reconciler

import (
	"testing"

	"diaryai/pkg/domain"
)

func TestBuildPromptFormatsHistory(t *testing.T) {
	history := []domain.ChatMessage{
		{Content: "I had a rough day", IsUser: true},
		{Content: "Want to talk about it?", IsUser: false},
	}
	got := buildPrompt(history, "Work was stressful")
	want := "User: I had a rough day\nAssistant: Want to talk about it?\nUser: Work was stressful"
	if got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestBuildPromptSkipsTrailingDuplicateUserTurn(t *testing.T) {
	history := []domain.ChatMessage{
		{Content: "Hi", IsUser: true},
		{Content: "Hello!", IsUser: false},
		{Content: "Work was stressful", IsUser: true},
	}
	got := buildPrompt(history, "Work was stressful")
	want := "User: Hi\nAssistant: Hello!\nUser: Work was stressful"
	if got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestBuildPromptEmptyHistory(t *testing.T) {
	got := buildPrompt(nil, "First entry")
	if got != "User: First entry" {
		t.Fatalf("prompt = %q", got)
	}
}
