package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"emberchat/internal/providers"
)

func TestBuildPayload(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are Lena."},
			{Role: providers.RoleUser, Content: "hi"},
			{Role: providers.RoleAssistant, Content: ""},
		},
		MaxTokens: 123,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model     string              `json:"model"`
		Messages  []map[string]string `json:"messages"`
		MaxTokens int                 `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "gpt-4o-mini" {
		t.Fatalf("expected model gpt-4o-mini, got %q", payload.Model)
	}
	if payload.MaxTokens != 123 {
		t.Fatalf("expected max_tokens 123, got %d", payload.MaxTokens)
	}
	// The empty assistant turn is dropped.
	if len(payload.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(payload.Messages))
	}
	if payload.Messages[0]["role"] != providers.RoleSystem {
		t.Fatalf("expected system message first, got %q", payload.Messages[0]["role"])
	}
}

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestChatLiftsProviderErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"model is overloaded"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected providers.Error, got %T", err)
	}
	if perr.Status != http.StatusBadRequest || perr.Message != "model is overloaded" {
		t.Fatalf("unexpected provider error: %+v", perr)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"second try"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "second try" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call for a 401, got %d", got)
	}
}
