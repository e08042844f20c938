package generate

import (
	"strings"
	"testing"
	"time"

	"emberchat/internal/providers"
	"emberchat/internal/storage"
)

func strPtr(s string) *string { return &s }

func TestBuildSystemPrompt(t *testing.T) {
	character := storage.Character{
		Name:         "Lena",
		Instructions: "You are warm and teasing. You call {{user}} by name.",
	}
	facts := []storage.Fact{
		{Fact: "Works night shifts at a hospital"},
		{Fact: "Has a dog named Biscuit"},
	}

	prompt := buildSystemPrompt(character, "Sam", facts)

	if !strings.Contains(prompt, "You are Lena.") {
		t.Fatalf("missing identity line: %q", prompt)
	}
	if !strings.Contains(prompt, "You call Sam by name.") {
		t.Fatal("persona token must be substituted in instructions")
	}
	if !strings.Contains(prompt, "What you know about Sam:") {
		t.Fatal("missing memory section header")
	}
	if !strings.Contains(prompt, "- Has a dog named Biscuit") {
		t.Fatal("missing fact line")
	}
	if !strings.Contains(prompt, "Stay in character") {
		t.Fatal("missing style directive")
	}
}

func TestBuildSystemPromptNoFacts(t *testing.T) {
	prompt := buildSystemPrompt(storage.Character{Name: "Lena"}, "Sam", nil)

	if !strings.Contains(prompt, "You are talking to Sam.") {
		t.Fatalf("missing minimal memory fallback: %q", prompt)
	}
	if strings.Contains(prompt, "What you know about") {
		t.Fatal("fact section must be absent without facts")
	}
}

func TestBuildHistoryRoles(t *testing.T) {
	msgs := []storage.Message{
		{ID: "m1", Text: "hi {{user}} here"},
		{ID: "m2", CharacterID: strPtr("c1"), Text: "hello!"},
		{ID: "m3", Text: ""},
		{ID: "ph", CharacterID: strPtr("c1"), Text: ""},
	}

	history := buildHistory(msgs, "ph", false, storage.Message{}, "Sam")

	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Role != providers.RoleUser || history[0].Content != "hi Sam here" {
		t.Fatalf("unexpected first entry: %+v", history[0])
	}
	if history[1].Role != providers.RoleAssistant || history[1].Content != "hello!" {
		t.Fatalf("unexpected second entry: %+v", history[1])
	}
}

func TestBuildHistoryRegenerateTrimsTail(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	target := storage.Message{ID: "reply", CharacterID: strPtr("c1"), CreatedAt: base.Add(2 * time.Minute)}
	msgs := []storage.Message{
		{ID: "u1", Text: "tell me a story", CreatedAt: base},
		{ID: "a1", CharacterID: strPtr("c1"), Text: "once upon a time", CreatedAt: base.Add(time.Minute)},
		target,
		{ID: "u2", Text: "that was great", CreatedAt: base.Add(3 * time.Minute)},
	}

	history := buildHistory(msgs, target.ID, true, target, "Sam")

	if len(history) != 2 {
		t.Fatalf("expected conversation trimmed at regeneration target, got %d entries", len(history))
	}
	if history[1].Content != "once upon a time" {
		t.Fatalf("expected prior reply kept, got %q", history[1].Content)
	}
}

func TestCleanOutput(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello there ###", "hello there"},
		{"  hey {{user}}!  ", "hey Sam!"},
		{"no artifacts", "no artifacts"},
		{"trailing\n##\n", "trailing"},
	}
	for _, tc := range cases {
		if got := cleanOutput(tc.in, "Sam"); got != tc.want {
			t.Fatalf("cleanOutput(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCharacterGuard(t *testing.T) {
	owner := "u1"

	if got := characterGuard(storage.Character{Blacklisted: true}, "u1"); got != msgModeratedCharacter {
		t.Fatalf("expected moderation message, got %q", got)
	}
	if got := characterGuard(storage.Character{Archived: true}, "u1"); got != msgArchivedCharacter {
		t.Fatalf("expected archived message, got %q", got)
	}
	if got := characterGuard(storage.Character{IsPrivate: true, OwnerID: &owner}, "u2"); got != msgPrivateCharacter {
		t.Fatalf("expected private message, got %q", got)
	}
	if got := characterGuard(storage.Character{IsPrivate: true, OwnerID: &owner}, "u1"); got != "" {
		t.Fatalf("owner must pass the private guard, got %q", got)
	}
	if got := characterGuard(storage.Character{}, "u2"); got != "" {
		t.Fatalf("public character must pass, got %q", got)
	}
}

func TestStyleToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"photoreal, soft light, 85mm", "photoreal"},
		{"watercolor. pastel tones", "watercolor"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := styleToken(tc.in); got != tc.want {
			t.Fatalf("styleToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildImagePrompt(t *testing.T) {
	c := storage.Character{ImageInstructions: "photoreal, red hair"}
	got := buildImagePrompt(c, "reading in a cafe")
	want := "photoreal, red hair, reading in a cafe, " + realismSuffix
	if got != want {
		t.Fatalf("buildImagePrompt = %q, want %q", got, want)
	}

	got = buildImagePrompt(storage.Character{}, "reading in a cafe")
	if !strings.HasPrefix(got, "reading in a cafe") {
		t.Fatalf("expected scene first without instructions, got %q", got)
	}
}
