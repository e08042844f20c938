package generate

import (
	"context"
	"errors"
	"fmt"

	"emberchat/internal/providers"
	"emberchat/internal/providers/registry"
	"emberchat/internal/queue"
	"emberchat/internal/storage"
)

type ReplyParams struct {
	UserID    string
	ChatID    string
	PersonaID string
	// MessageID is set when regenerating an existing character reply.
	MessageID string
}

// RequestReply inserts (or resets) the placeholder for a character reply and
// enqueues the generation job. The placeholder is returned immediately; the
// rest of the pipeline runs in a worker and patches it in place.
func (s *Service) RequestReply(ctx context.Context, p ReplyParams) (storage.Message, error) {
	chat, err := s.store.GetChat(ctx, p.ChatID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("resolve chat: %w", err)
	}
	if chat.UserID != p.UserID {
		return storage.Message{}, storage.ErrNotFound
	}

	var placeholder storage.Message
	regenerate := p.MessageID != ""
	if regenerate {
		placeholder, err = s.store.GetMessage(ctx, p.MessageID)
		if err != nil {
			return storage.Message{}, fmt.Errorf("resolve regeneration target: %w", err)
		}
		if placeholder.ChatID != chat.ID || placeholder.CharacterID == nil {
			return storage.Message{}, storage.ErrNotFound
		}
		if err := s.store.ResetMessage(ctx, placeholder.ID); err != nil {
			return storage.Message{}, fmt.Errorf("reset regeneration target: %w", err)
		}
		placeholder.Text = ""
		placeholder.ImageURL = nil
		placeholder.TranslatedText = nil
	} else {
		characterID := chat.CharacterID
		placeholder = storage.Message{
			ID:          newID(),
			ChatID:      chat.ID,
			CharacterID: &characterID,
			Text:        "",
		}
		if err := s.store.InsertMessage(ctx, placeholder); err != nil {
			return storage.Message{}, fmt.Errorf("insert placeholder: %w", err)
		}
	}

	if _, err := s.queue.Enqueue(ctx, queue.Job{
		Kind:        queue.KindText,
		UserID:      p.UserID,
		ChatID:      chat.ID,
		CharacterID: chat.CharacterID,
		PersonaID:   p.PersonaID,
		MessageID:   placeholder.ID,
		Regenerate:  regenerate,
	}); err != nil {
		return storage.Message{}, fmt.Errorf("enqueue text job: %w", err)
	}

	s.metrics.TextRequests.Inc()
	s.metrics.EnqueuedJobs.Inc()
	return placeholder, nil
}

// ProcessText runs the charged text pipeline for one job. Every path through
// it leaves the placeholder in a terminal state, and every debit is paired
// with either a delivered reply or exactly one refund.
func (s *Service) ProcessText(ctx context.Context, job queue.Job) error {
	user, err := s.store.GetUser(ctx, job.UserID)
	if err != nil {
		s.resolveOrLog(ctx, job.MessageID, genericFailure(""), nil)
		return fmt.Errorf("resolve user: %w", err)
	}
	character, err := s.store.GetCharacter(ctx, job.CharacterID)
	if err != nil {
		s.resolveOrLog(ctx, job.MessageID, genericFailure(""), nil)
		return fmt.Errorf("resolve character: %w", err)
	}

	// Access and policy guards short-circuit before any charge.
	if guard := characterGuard(character, user.ID); guard != "" {
		s.resolveOrLog(ctx, job.MessageID, guard, nil)
		return nil
	}

	model, err := s.resolveModel(ctx, character)
	if err != nil {
		s.resolveOrLog(ctx, job.MessageID, genericFailure(""), nil)
		return fmt.Errorf("resolve model config: %w", err)
	}

	personaName := s.resolvePersonaName(ctx, user, job.PersonaID)

	if _, err := s.store.DebitCredits(ctx, user.ID, model.Cost); err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			s.resolveOrLog(ctx, job.MessageID, msgNoCredits, nil)
			return nil
		}
		s.resolveOrLog(ctx, job.MessageID, genericFailure(model.Model), nil)
		return fmt.Errorf("debit credits: %w", err)
	}
	s.metrics.CreditsDebited.Inc()

	// Single failure boundary for the charged section. The refund happens
	// here and nowhere else, so it runs at most once per debit.
	perr := s.runTextPipeline(ctx, job, user, character, model, personaName)
	if perr != nil {
		if err := s.store.RefundCredits(ctx, user.ID, model.Cost, perr.Kind); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Int64("amount", model.Cost).Msg("refund failed")
		} else {
			s.metrics.CreditsRefunds.Inc()
		}
		userMsg := perr.UserMessage
		if userMsg == "" {
			userMsg = genericFailure(model.Model)
		}
		s.resolveOrLog(ctx, job.MessageID, userMsg, nil)
		s.scheduleBackground(ctx, user, character.ID, job.ChatID, job.MessageID, false)
		return perr
	}

	s.scheduleBackground(ctx, user, character.ID, job.ChatID, job.MessageID, true)
	return nil
}

// runTextPipeline covers everything between the debit and the delivered
// reply: prompt assembly, the provider round-trip, output cleanup and the
// terminal placeholder write. Any error rolls up as a tagged failure for the
// boundary in ProcessText.
func (s *Service) runTextPipeline(ctx context.Context, job queue.Job, user storage.User, character storage.Character, model resolvedModel, personaName string) *PipelineError {
	facts, err := s.store.ListFacts(ctx, job.UserID, character.ID)
	if err != nil {
		return &PipelineError{Kind: FailProvider, Err: fmt.Errorf("list facts: %w", err)}
	}

	placeholder, err := s.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		return &PipelineError{Kind: FailProvider, Err: fmt.Errorf("resolve placeholder: %w", err)}
	}

	window := s.window.WindowFor(user.Tier)
	msgs, err := s.store.RecentMessages(ctx, job.ChatID, window)
	if err != nil {
		return &PipelineError{Kind: FailProvider, Err: fmt.Errorf("recent messages: %w", err)}
	}

	history := buildHistory(msgs, placeholder.ID, job.Regenerate, placeholder, personaName)
	system := buildSystemPrompt(character, personaName, facts)

	provider, err := registry.Build(registry.BuildOptions{
		Kind:        model.Kind,
		BaseURL:     model.BaseURL,
		APIKey:      model.APIKey,
		HTTPClient:  s.httpClient,
		MaxRetries:  s.providerRetries,
		BackoffBase: s.backoffBase,
	})
	if err != nil {
		return &PipelineError{Kind: FailProvider, Err: fmt.Errorf("build provider: %w", err)}
	}

	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: system})
	messages = append(messages, history...)

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model:     model.Model,
		Messages:  messages,
		MaxTokens: model.MaxTokens,
	})
	if err != nil {
		return providerFailure(fmt.Errorf("provider chat: %w", err))
	}

	text := cleanOutput(resp.Text, personaName)
	if text == "" {
		return &PipelineError{Kind: FailProvider, Err: fmt.Errorf("provider returned empty reply")}
	}

	if err := s.store.ResolveMessage(ctx, job.MessageID, text, nil); err != nil {
		return &PipelineError{Kind: FailProvider, Err: fmt.Errorf("resolve placeholder: %w", err)}
	}
	return nil
}

func (s *Service) resolvePersonaName(ctx context.Context, user storage.User, personaID string) string {
	if personaID != "" {
		if p, err := s.store.GetPersona(ctx, personaID); err == nil && p.UserID == user.ID {
			return p.Name
		}
	}
	if user.DefaultPersonaID != nil {
		if p, err := s.store.GetPersona(ctx, *user.DefaultPersonaID); err == nil {
			return p.Name
		}
	}
	if p, err := s.store.GetDefaultPersona(ctx, user.ID); err == nil {
		return p.Name
	}
	return user.Name
}

// characterGuard returns the fixed user-visible string for access and policy
// violations, or "" when the character may reply.
func characterGuard(c storage.Character, userID string) string {
	if c.Blacklisted {
		return msgModeratedCharacter
	}
	if c.Archived {
		return msgArchivedCharacter
	}
	if c.IsPrivate && (c.OwnerID == nil || *c.OwnerID != userID) {
		return msgPrivateCharacter
	}
	return ""
}

func genericFailure(model string) string {
	if model == "" {
		model = "The character"
	}
	return fmt.Sprintf("%s can't reply right now. Please try again in a moment.", model)
}
