// Package generate is the metered generation-orchestration core: it accepts
// text and image requests, charges the credit ledger, drives the external
// providers, and reconciles every outcome against the ledger and the
// conversation store.
package generate

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"emberchat/internal/blob"
	"emberchat/internal/config"
	"emberchat/internal/crypto"
	"emberchat/internal/imagegen"
	"emberchat/internal/metrics"
	"emberchat/internal/queue"
	"emberchat/internal/storage"
)

const defaultLocale = "en"

type Service struct {
	store           *storage.Store
	queue           *queue.StreamQueue
	dedupe          *queue.TaskDeduplicator
	crypto          *crypto.Manager
	image           *imagegen.Client
	blobs           *blob.Store
	httpClient      *http.Client
	logger          zerolog.Logger
	metrics         *metrics.Metrics
	llmDefault      config.LLMConfig
	window          config.ContextConfig
	imageCost       int64
	pollInterval    time.Duration
	pollBudget      time.Duration
	providerRetries int
	backoffBase     time.Duration
}

type Config struct {
	Store           *storage.Store
	Queue           *queue.StreamQueue
	Dedupe          *queue.TaskDeduplicator
	Crypto          *crypto.Manager
	Image           *imagegen.Client
	Blobs           *blob.Store
	HTTPClient      *http.Client
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	LLMDefault      config.LLMConfig
	Window          config.ContextConfig
	ImageCost       int64
	PollInterval    time.Duration
	PollBudget      time.Duration
	ProviderRetries int
	BackoffBase     time.Duration
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = 4 * time.Minute
	}
	if cfg.Window.WindowFree <= 0 {
		cfg.Window.WindowFree = 15
	}
	if cfg.Window.WindowPlus <= 0 {
		cfg.Window.WindowPlus = 30
	}
	if cfg.ImageCost <= 0 {
		cfg.ImageCost = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	return &Service{
		store:           cfg.Store,
		queue:           cfg.Queue,
		dedupe:          cfg.Dedupe,
		crypto:          cfg.Crypto,
		image:           cfg.Image,
		blobs:           cfg.Blobs,
		httpClient:      cfg.HTTPClient,
		logger:          cfg.Logger,
		metrics:         m,
		llmDefault:      cfg.LLMDefault,
		window:          cfg.Window,
		imageCost:       cfg.ImageCost,
		pollInterval:    cfg.PollInterval,
		pollBudget:      cfg.PollBudget,
		providerRetries: cfg.ProviderRetries,
		backoffBase:     cfg.BackoffBase,
	}
}

// resolvedModel is the provider configuration one text generation runs with.
type resolvedModel struct {
	Kind      string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Cost      int64
}

// resolveModel picks the character's model config when it has one, falling
// back to the system default. API keys at rest are crypto envelopes.
func (s *Service) resolveModel(ctx context.Context, character storage.Character) (resolvedModel, error) {
	if character.ModelConfigID == nil {
		return resolvedModel{
			Kind:      "openai_compat",
			BaseURL:   s.llmDefault.BaseURL,
			APIKey:    s.llmDefault.APIKey,
			Model:     s.llmDefault.Model,
			MaxTokens: s.llmDefault.MaxTokens,
			Cost:      s.llmDefault.CreditCost,
		}, nil
	}

	mc, err := s.store.GetModelConfig(ctx, *character.ModelConfigID)
	if err != nil {
		return resolvedModel{}, err
	}
	apiKey := ""
	if mc.EncAPIKey != nil {
		apiKey, err = s.crypto.UnmarshalEncryptedString(*mc.EncAPIKey)
		if err != nil {
			return resolvedModel{}, err
		}
	}
	return resolvedModel{
		Kind:      mc.Kind,
		BaseURL:   mc.BaseURL,
		APIKey:    apiKey,
		Model:     mc.Model,
		MaxTokens: mc.MaxTokens,
		Cost:      mc.CreditCost,
	}, nil
}

// scheduleBackground enqueues the post-generation tasks. Memory extraction
// runs after every completed text exchange; translation only after a
// delivered reply for users whose locale needs it. Both are fire-and-forget:
// enqueue failures are logged, never surfaced.
func (s *Service) scheduleBackground(ctx context.Context, user storage.User, characterID, chatID, messageID string, delivered bool) {
	first, err := s.dedupe.MarkFirst(ctx, queue.KindMemory, chatID)
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", chatID).Msg("memory task dedupe failed")
		first = true
	}
	if first {
		if _, err := s.queue.Enqueue(ctx, queue.Job{
			Kind:        queue.KindMemory,
			UserID:      user.ID,
			ChatID:      chatID,
			CharacterID: characterID,
		}); err != nil {
			s.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to enqueue memory task")
		} else {
			s.metrics.EnqueuedJobs.Inc()
		}
	}

	if delivered && user.AutoTranslate && user.Locale != "" && user.Locale != defaultLocale {
		if _, err := s.queue.Enqueue(ctx, queue.Job{
			Kind:        queue.KindTranslate,
			UserID:      user.ID,
			ChatID:      chatID,
			CharacterID: characterID,
			MessageID:   messageID,
			Locale:      user.Locale,
		}); err != nil {
			s.logger.Error().Err(err).Str("message_id", messageID).Msg("failed to enqueue translate task")
		} else {
			s.metrics.EnqueuedJobs.Inc()
		}
	}
}

// resolveOrLog writes a terminal value into a placeholder; failures here are
// unrecoverable, so they are logged rather than propagated.
func (s *Service) resolveOrLog(ctx context.Context, messageID, text string, imageURL *string) {
	if err := s.store.ResolveMessage(ctx, messageID, text, imageURL); err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID).Msg("failed to resolve placeholder")
	}
}

func newID() string {
	return uuid.NewString()
}
