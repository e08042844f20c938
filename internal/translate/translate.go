// Package translate renders delivered character replies into the user's
// locale. Translation is additive: the original text stays untouched and the
// translation lands in its own column.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"emberchat/internal/providers"
	"emberchat/internal/storage"
)

// Translator turns text into the given BCP 47 locale.
type Translator interface {
	Translate(ctx context.Context, text, locale string) (string, error)
}

// LLMTranslator backs Translator with a chat-completions model.
type LLMTranslator struct {
	provider providers.Provider
	model    string
}

func NewLLM(provider providers.Provider, model string) *LLMTranslator {
	return &LLMTranslator{provider: provider, model: model}
}

func (t *LLMTranslator) Translate(ctx context.Context, text, locale string) (string, error) {
	resp, err := t.provider.Chat(ctx, providers.ChatRequest{
		Model: t.model,
		Messages: []providers.Message{
			{
				Role: providers.RoleSystem,
				Content: fmt.Sprintf("Translate the user's message into the language with locale code %q. "+
					"Keep the tone and register. Reply with only the translation.", locale),
			},
			{Role: providers.RoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	out := strings.TrimSpace(resp.Text)
	if out == "" {
		return "", fmt.Errorf("translator returned empty text")
	}
	return out, nil
}

// Service applies translations to stored messages.
type Service struct {
	store      *storage.Store
	translator Translator
	logger     zerolog.Logger
}

func NewService(store *storage.Store, translator Translator, logger zerolog.Logger) *Service {
	return &Service{store: store, translator: translator, logger: logger}
}

// Process translates one resolved message into the locale. Unresolved or
// text-less messages are skipped without error; the queue may deliver the
// task before or after an image-only resolution.
func (s *Service) Process(ctx context.Context, messageID, locale string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	if msg.TranslatedText != nil {
		return nil
	}

	translated, err := s.translator.Translate(ctx, msg.Text, locale)
	if err != nil {
		return err
	}
	if err := s.store.SetMessageTranslation(ctx, messageID, translated); err != nil {
		return fmt.Errorf("store translation: %w", err)
	}
	s.logger.Debug().Str("message_id", messageID).Str("locale", locale).Msg("message translated")
	return nil
}
