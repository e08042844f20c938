package translate

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"emberchat/internal/providers"
	"emberchat/internal/storage"
)

type fakeProvider struct {
	reply string
	calls int
	last  providers.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.calls++
	f.last = req
	return providers.ChatResponse{Text: f.reply}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestProcessTranslatesResolvedMessage(t *testing.T) {
	store := openTestStore(t)
	p := &fakeProvider{reply: "hallo, wie geht's"}
	s := NewService(store, NewLLM(p, "test-model"), zerolog.Nop())

	characterID := storage.NewID()
	m := storage.Message{ID: storage.NewID(), ChatID: storage.NewID(), CharacterID: &characterID, Text: "hey, how are you"}
	if err := store.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if err := s.Process(context.Background(), m.ID, "de"); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := store.GetMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.TranslatedText == nil || *got.TranslatedText != "hallo, wie geht's" {
		t.Fatalf("expected translation stored, got %v", got.TranslatedText)
	}
	if got.Text != "hey, how are you" {
		t.Fatalf("original must stay untouched, got %q", got.Text)
	}
	if !strings.Contains(p.last.Messages[0].Content, `"de"`) {
		t.Fatal("locale must reach the translator prompt")
	}
}

func TestProcessSkipsPendingAndTranslated(t *testing.T) {
	store := openTestStore(t)
	p := &fakeProvider{reply: "unused"}
	s := NewService(store, NewLLM(p, "test-model"), zerolog.Nop())
	ctx := context.Background()
	characterID := storage.NewID()

	pending := storage.Message{ID: storage.NewID(), ChatID: storage.NewID(), CharacterID: &characterID}
	if err := store.InsertMessage(ctx, pending); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if err := s.Process(ctx, pending.ID, "de"); err != nil {
		t.Fatalf("process pending: %v", err)
	}
	if p.calls != 0 {
		t.Fatal("pending messages must be skipped")
	}

	done := storage.Message{ID: storage.NewID(), ChatID: storage.NewID(), CharacterID: &characterID, Text: "hi"}
	if err := store.InsertMessage(ctx, done); err != nil {
		t.Fatalf("insert done: %v", err)
	}
	if err := store.SetMessageTranslation(ctx, done.ID, "salut"); err != nil {
		t.Fatalf("set translation: %v", err)
	}
	if err := s.Process(ctx, done.ID, "fr"); err != nil {
		t.Fatalf("process translated: %v", err)
	}
	if p.calls != 0 {
		t.Fatal("already translated messages must be skipped")
	}
}
