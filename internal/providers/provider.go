package providers

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type ChatRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

type ChatResponse struct {
	Text string
}

// Error is a terminal provider failure. Message is the provider-supplied,
// user-displayable error text when the provider returned one.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider status %d", e.Status)
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
