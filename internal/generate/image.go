package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"emberchat/internal/imagegen"
	"emberchat/internal/poll"
	"emberchat/internal/providers"
	"emberchat/internal/providers/registry"
	"emberchat/internal/queue"
	"emberchat/internal/storage"
)

// imageRewriteSystem instructs the model to turn a conversational request
// ("show me what you're wearing") into a literal scene description the image
// provider can render. NONE marks requests with nothing to draw.
const imageRewriteSystem = "You turn a chat message into a short visual scene description " +
	"for an image generator. Reply with only the description: subject, setting, pose, " +
	"mood. Use the conversation for context. If the message does not describe or imply " +
	"a picture, reply with exactly NONE."

const unclearSentinel = "NONE"

const realismSuffix = "photorealistic, natural lighting, high detail"

// rewriteContextWindow is how many recent messages feed the prompt rewrite.
const rewriteContextWindow = 10

type ImageParams struct {
	UserID string
	ChatID string
	// Intent is the user's conversational request, stored verbatim as their
	// message and rewritten into a render prompt by the worker.
	Intent string
}

// RequestImage records the user's request in the chat, inserts the image
// placeholder and enqueues the generation job.
func (s *Service) RequestImage(ctx context.Context, p ImageParams) (storage.Message, error) {
	chat, err := s.store.GetChat(ctx, p.ChatID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("resolve chat: %w", err)
	}
	if chat.UserID != p.UserID {
		return storage.Message{}, storage.ErrNotFound
	}

	intent := strings.TrimSpace(p.Intent)
	if intent == "" {
		return storage.Message{}, fmt.Errorf("empty image request")
	}
	if err := s.store.InsertMessage(ctx, storage.Message{
		ID:     newID(),
		ChatID: chat.ID,
		Text:   intent,
	}); err != nil {
		return storage.Message{}, fmt.Errorf("insert request message: %w", err)
	}

	characterID := chat.CharacterID
	placeholder := storage.Message{
		ID:          newID(),
		ChatID:      chat.ID,
		CharacterID: &characterID,
		Text:        "",
	}
	if err := s.store.InsertMessage(ctx, placeholder); err != nil {
		return storage.Message{}, fmt.Errorf("insert placeholder: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, queue.Job{
		Kind:        queue.KindImage,
		UserID:      p.UserID,
		ChatID:      chat.ID,
		CharacterID: chat.CharacterID,
		MessageID:   placeholder.ID,
		Prompt:      intent,
	}); err != nil {
		return storage.Message{}, fmt.Errorf("enqueue image job: %w", err)
	}

	s.metrics.ImageRequests.Inc()
	s.metrics.EnqueuedJobs.Inc()
	return placeholder, nil
}

// ProcessImage runs the charged in-chat image pipeline for one job. Like the
// text pipeline, the debit pairs with either a delivered image or exactly one
// refund.
func (s *Service) ProcessImage(ctx context.Context, job queue.Job) error {
	user, err := s.store.GetUser(ctx, job.UserID)
	if err != nil {
		s.resolveOrLog(ctx, job.MessageID, msgImageFailed, nil)
		return fmt.Errorf("resolve user: %w", err)
	}
	character, err := s.store.GetCharacter(ctx, job.CharacterID)
	if err != nil {
		s.resolveOrLog(ctx, job.MessageID, msgImageFailed, nil)
		return fmt.Errorf("resolve character: %w", err)
	}

	if guard := characterGuard(character, user.ID); guard != "" {
		s.resolveOrLog(ctx, job.MessageID, guard, nil)
		return nil
	}

	// The rewrite runs before the debit so an unrenderable request never
	// charges the user.
	scene, err := s.rewriteImagePrompt(ctx, job)
	if err != nil {
		s.resolveOrLog(ctx, job.MessageID, msgImageFailed, nil)
		return fmt.Errorf("rewrite image prompt: %w", err)
	}
	if scene == "" {
		s.resolveOrLog(ctx, job.MessageID, msgImageUnclear, nil)
		return nil
	}

	if _, err := s.store.DebitCredits(ctx, user.ID, s.imageCost); err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			s.resolveOrLog(ctx, job.MessageID, msgNoCredits, nil)
			return nil
		}
		s.resolveOrLog(ctx, job.MessageID, msgImageFailed, nil)
		return fmt.Errorf("debit credits: %w", err)
	}
	s.metrics.CreditsDebited.Inc()

	url, perr := s.generateArtifact(ctx, user.ID, character, scene)
	if perr == nil {
		if err := s.store.ResolveMessage(ctx, job.MessageID, "", &url); err != nil {
			perr = &PipelineError{Kind: FailProvider, Err: fmt.Errorf("resolve placeholder: %w", err)}
		}
	}
	if perr != nil {
		if err := s.store.RefundCredits(ctx, user.ID, s.imageCost, perr.Kind); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Int64("amount", s.imageCost).Msg("refund failed")
		} else {
			s.metrics.CreditsRefunds.Inc()
		}
		s.resolveOrLog(ctx, job.MessageID, msgImageFailed, nil)
		return perr
	}
	return nil
}

type StandaloneImageParams struct {
	UserID      string
	CharacterID string
	// Prompt is used as the scene directly; no conversational rewrite.
	Prompt string
}

// GenerateStandalone runs the image pipeline synchronously, outside any chat.
// The caller blocks for the full poll duration. Returns the public artifact
// URL; failures come back as a tagged pipeline error whose UserMessage is
// safe to display.
func (s *Service) GenerateStandalone(ctx context.Context, p StandaloneImageParams) (string, error) {
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}
	character, err := s.store.GetCharacter(ctx, p.CharacterID)
	if err != nil {
		return "", fmt.Errorf("resolve character: %w", err)
	}

	if guard := characterGuard(character, user.ID); guard != "" {
		return "", &PipelineError{Kind: FailAccess, UserMessage: guard}
	}
	scene := strings.TrimSpace(p.Prompt)
	if scene == "" {
		return "", &PipelineError{Kind: FailAccess, UserMessage: msgImageUnclear}
	}

	if _, err := s.store.DebitCredits(ctx, user.ID, s.imageCost); err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			return "", &PipelineError{Kind: FailBalance, UserMessage: msgNoCredits, Err: err}
		}
		return "", fmt.Errorf("debit credits: %w", err)
	}
	s.metrics.CreditsDebited.Inc()
	s.metrics.ImageRequests.Inc()

	url, perr := s.generateArtifact(ctx, user.ID, character, scene)
	if perr != nil {
		if err := s.store.RefundCredits(ctx, user.ID, s.imageCost, perr.Kind); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Int64("amount", s.imageCost).Msg("refund failed")
		} else {
			s.metrics.CreditsRefunds.Inc()
		}
		return "", perr
	}
	return url, nil
}

// generateArtifact is the charged core shared by both image modes: submit the
// workflow, poll to a terminal status, extract and persist the artifact, and
// record it in the media library.
func (s *Service) generateArtifact(ctx context.Context, userID string, character storage.Character, scene string) (string, *PipelineError) {
	prompt := buildImagePrompt(character, scene)
	workflow := imagegen.BuildWorkflow(prompt, styleToken(character.ImageInstructions), imagegen.NewSeed())

	jobID, err := s.image.Submit(ctx, workflow)
	if err != nil {
		return "", &PipelineError{Kind: FailProvider, UserMessage: msgImageFailed, Err: fmt.Errorf("submit workflow: %w", err)}
	}

	var output json.RawMessage
	err = poll.Until(ctx, s.pollInterval, s.pollBudget, func(ctx context.Context) (bool, error) {
		st, err := s.image.Status(ctx, jobID)
		if err != nil {
			return false, err
		}
		switch st.Status {
		case imagegen.StatusCompleted:
			output = st.Output
			return true, nil
		case imagegen.StatusFailed, imagegen.StatusCancelled:
			return false, fmt.Errorf("job %s ended with status %s", jobID, st.Status)
		default:
			return false, nil
		}
	})
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			s.metrics.PollTimeouts.Inc()
			return "", &PipelineError{Kind: FailTimeout, UserMessage: msgImageFailed, Err: fmt.Errorf("poll job %s: %w", jobID, err)}
		}
		return "", &PipelineError{Kind: FailProvider, UserMessage: msgImageFailed, Err: err}
	}

	data, err := s.image.ExtractArtifact(ctx, output)
	if err != nil {
		return "", &PipelineError{Kind: FailProvider, UserMessage: msgImageFailed, Err: fmt.Errorf("extract artifact: %w", err)}
	}

	blobID, err := s.blobs.Store(data)
	if err != nil {
		return "", &PipelineError{Kind: FailProvider, UserMessage: msgImageFailed, Err: fmt.Errorf("store artifact: %w", err)}
	}
	url := s.blobs.URL(blobID)

	if err := s.store.InsertMedia(ctx, storage.Media{
		ID:          newID(),
		UserID:      userID,
		CharacterID: character.ID,
		URL:         url,
	}); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to record media entry")
	}
	return url, nil
}

// rewriteImagePrompt turns the conversational request into a render scene
// using the default text model. Returns "" when there is nothing to draw.
func (s *Service) rewriteImagePrompt(ctx context.Context, job queue.Job) (string, error) {
	provider, err := registry.Build(registry.BuildOptions{
		Kind:        "openai_compat",
		BaseURL:     s.llmDefault.BaseURL,
		APIKey:      s.llmDefault.APIKey,
		HTTPClient:  s.httpClient,
		MaxRetries:  s.providerRetries,
		BackoffBase: s.backoffBase,
	})
	if err != nil {
		return "", fmt.Errorf("build rewrite provider: %w", err)
	}

	var b strings.Builder
	if msgs, err := s.store.RecentMessages(ctx, job.ChatID, rewriteContextWindow); err == nil {
		for _, m := range msgs {
			if strings.TrimSpace(m.Text) == "" {
				continue
			}
			if m.CharacterID != nil {
				b.WriteString("Character: ")
			} else {
				b.WriteString("User: ")
			}
			b.WriteString(m.Text)
			b.WriteString("\n")
		}
	}
	b.WriteString("Request: ")
	b.WriteString(job.Prompt)

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model: s.llmDefault.Model,
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: imageRewriteSystem},
			{Role: providers.RoleUser, Content: b.String()},
		},
		MaxTokens: 200,
	})
	if err != nil {
		return "", err
	}

	scene := strings.TrimSpace(resp.Text)
	if scene == "" || strings.EqualFold(scene, unclearSentinel) {
		return "", nil
	}
	return scene, nil
}

func buildImagePrompt(character storage.Character, scene string) string {
	parts := make([]string, 0, 3)
	if inst := strings.TrimSpace(character.ImageInstructions); inst != "" {
		parts = append(parts, inst)
	}
	parts = append(parts, scene, realismSuffix)
	return strings.Join(parts, ", ")
}

// styleToken is the leading keyword of a character's image instructions,
// used as the workflow's style adapter name.
func styleToken(instructions string) string {
	fields := strings.Fields(instructions)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,;:!?")
}
