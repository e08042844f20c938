// Package api is the JSON ingress: account and catalog management plus the
// generation endpoints. Identity arrives as a verified user id header set by
// the edge proxy; authentication itself happens upstream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"emberchat/internal/crypto"
	"emberchat/internal/generate"
	"emberchat/internal/queue"
	"emberchat/internal/storage"
)

const userIDHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

type Service struct {
	store     *storage.Store
	generator *generate.Service
	limiter   *queue.RateLimiter
	crypto    *crypto.Manager
	logger    zerolog.Logger
}

type Config struct {
	Store     *storage.Store
	Generator *generate.Service
	Limiter   *queue.RateLimiter
	Crypto    *crypto.Manager
	Logger    zerolog.Logger
}

func New(cfg Config) *Service {
	return &Service{
		store:     cfg.Store,
		generator: cfg.Generator,
		limiter:   cfg.Limiter,
		crypto:    cfg.Crypto,
		logger:    cfg.Logger,
	}
}

// Register mounts all API routes on the mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/users", s.handleCreateUser)
	mux.HandleFunc("GET /v1/credits", s.handleCredits)
	mux.HandleFunc("POST /v1/personas", s.handleCreatePersona)
	mux.HandleFunc("POST /v1/characters", s.handleCreateCharacter)
	mux.HandleFunc("GET /v1/characters/{characterID}/media", s.handleCharacterMedia)
	mux.HandleFunc("POST /v1/model-configs", s.handleUpsertModelConfig)
	mux.HandleFunc("POST /v1/chats", s.handleCreateChat)
	mux.HandleFunc("GET /v1/chats/{chatID}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/chats/{chatID}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /v1/chats/{chatID}/messages/{messageID}/regenerate", s.handleRegenerate)
	mux.HandleFunc("POST /v1/chats/{chatID}/images", s.handleChatImage)
	mux.HandleFunc("POST /v1/images", s.handleStandaloneImage)
}

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		Tier          string `json:"tier"`
		Locale        string `json:"locale"`
		AutoTranslate bool   `json:"auto_translate"`
		Credits       int64  `json:"credits"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	u := storage.User{
		ID:            storage.NewID(),
		Name:          strings.TrimSpace(req.Name),
		Tier:          req.Tier,
		Locale:        req.Locale,
		AutoTranslate: req.AutoTranslate,
		Credits:       req.Credits,
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		s.internal(w, err, "create user")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": u.ID})
}

func (s *Service) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	credits, err := s.store.GetCredits(r.Context(), userID)
	if err != nil {
		s.storeError(w, err, "get credits")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"credits": credits})
}

func (s *Service) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name      string `json:"name"`
		IsDefault bool   `json:"is_default"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	p := storage.Persona{
		ID:        storage.NewID(),
		UserID:    userID,
		Name:      strings.TrimSpace(req.Name),
		IsDefault: req.IsDefault,
	}
	if err := s.store.CreatePersona(r.Context(), p); err != nil {
		s.internal(w, err, "create persona")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": p.ID})
}

func (s *Service) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name              string  `json:"name"`
		Instructions      string  `json:"instructions"`
		ImageInstructions string  `json:"image_instructions"`
		IsPrivate         bool    `json:"is_private"`
		ModelConfigID     *string `json:"model_config_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ModelConfigID != nil {
		if _, err := s.store.GetModelConfig(r.Context(), *req.ModelConfigID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.writeError(w, http.StatusBadRequest, "unknown model config")
				return
			}
			s.internal(w, err, "resolve model config")
			return
		}
	}

	c := storage.Character{
		ID:                storage.NewID(),
		Name:              strings.TrimSpace(req.Name),
		OwnerID:           &userID,
		Instructions:      req.Instructions,
		ImageInstructions: req.ImageInstructions,
		IsPrivate:         req.IsPrivate,
		ModelConfigID:     req.ModelConfigID,
	}
	if err := s.store.CreateCharacter(r.Context(), c); err != nil {
		s.internal(w, err, "create character")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": c.ID})
}

// handleCharacterMedia returns the caller's generated images for one
// character, newest first.
func (s *Service) handleCharacterMedia(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetCharacter(r.Context(), r.PathValue("characterID")); err != nil {
		s.storeError(w, err, "resolve character")
		return
	}

	media, err := s.store.ListMedia(r.Context(), userID, r.PathValue("characterID"))
	if err != nil {
		s.internal(w, err, "list media")
		return
	}
	out := make([]apiMedia, 0, len(media))
	for _, m := range media {
		out = append(out, apiMedia{ID: m.ID, URL: m.URL, CreatedAt: m.CreatedAt})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"media": out})
}

// handleUpsertModelConfig registers a provider model configuration. The API
// key is sealed with the current master key before it is stored; plaintext
// never reaches the database.
func (s *Service) handleUpsertModelConfig(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	var req struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Kind       string `json:"kind"`
		BaseURL    string `json:"base_url"`
		APIKey     string `json:"api_key"`
		Model      string `json:"model"`
		MaxTokens  int    `json:"max_tokens"`
		CreditCost int64  `json:"credit_cost"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BaseURL) == "" || strings.TrimSpace(req.Model) == "" {
		s.writeError(w, http.StatusBadRequest, "base_url and model are required")
		return
	}

	mc := storage.ModelConfig{
		ID:         req.ID,
		Name:       req.Name,
		Kind:       req.Kind,
		BaseURL:    strings.TrimSpace(req.BaseURL),
		Model:      strings.TrimSpace(req.Model),
		MaxTokens:  req.MaxTokens,
		CreditCost: req.CreditCost,
	}
	if mc.ID == "" {
		mc.ID = storage.NewID()
	}
	if mc.Kind == "" {
		mc.Kind = "openai_compat"
	}
	if mc.CreditCost <= 0 {
		mc.CreditCost = 1
	}
	if req.APIKey != "" {
		if s.crypto == nil {
			s.writeError(w, http.StatusBadRequest, "api keys are not supported on this deployment")
			return
		}
		sealed, err := s.crypto.MarshalEncryptedString(req.APIKey)
		if err != nil {
			s.internal(w, err, "encrypt api key")
			return
		}
		mc.EncAPIKey = &sealed
	}

	if err := s.store.UpsertModelConfig(r.Context(), mc); err != nil {
		s.internal(w, err, "upsert model config")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": mc.ID})
}

func (s *Service) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		CharacterID string `json:"character_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.store.GetCharacter(r.Context(), req.CharacterID); err != nil {
		s.storeError(w, err, "resolve character")
		return
	}

	c := storage.Chat{
		ID:          storage.NewID(),
		UserID:      userID,
		CharacterID: req.CharacterID,
	}
	if err := s.store.CreateChat(r.Context(), c); err != nil {
		s.internal(w, err, "create chat")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": c.ID})
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	chat, err := s.store.GetChat(r.Context(), r.PathValue("chatID"))
	if err != nil {
		s.storeError(w, err, "resolve chat")
		return
	}
	if chat.UserID != userID {
		s.writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	msgs, err := s.store.RecentMessages(r.Context(), chat.ID, limit)
	if err != nil {
		s.internal(w, err, "list messages")
		return
	}

	out := make([]apiMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toAPIMessage(m))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, userID) {
		return
	}
	var req struct {
		Text      string `json:"text"`
		PersonaID string `json:"persona_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	chat, err := s.store.GetChat(r.Context(), r.PathValue("chatID"))
	if err != nil || chat.UserID != userID {
		s.storeError(w, storage.ErrNotFound, "resolve chat")
		return
	}
	if err := s.store.InsertMessage(r.Context(), storage.Message{
		ID:     storage.NewID(),
		ChatID: chat.ID,
		Text:   text,
	}); err != nil {
		s.internal(w, err, "insert message")
		return
	}

	placeholder, err := s.generator.RequestReply(r.Context(), generate.ReplyParams{
		UserID:    userID,
		ChatID:    chat.ID,
		PersonaID: req.PersonaID,
	})
	if err != nil {
		s.storeError(w, err, "request reply")
		return
	}
	s.writeJSON(w, http.StatusAccepted, toAPIMessage(placeholder))
}

func (s *Service) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, userID) {
		return
	}
	var req struct {
		PersonaID string `json:"persona_id"`
	}
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	placeholder, err := s.generator.RequestReply(r.Context(), generate.ReplyParams{
		UserID:    userID,
		ChatID:    r.PathValue("chatID"),
		PersonaID: req.PersonaID,
		MessageID: r.PathValue("messageID"),
	})
	if err != nil {
		s.storeError(w, err, "request regeneration")
		return
	}
	s.writeJSON(w, http.StatusAccepted, toAPIMessage(placeholder))
}

func (s *Service) handleChatImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, userID) {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	placeholder, err := s.generator.RequestImage(r.Context(), generate.ImageParams{
		UserID: userID,
		ChatID: r.PathValue("chatID"),
		Intent: req.Text,
	})
	if err != nil {
		s.storeError(w, err, "request image")
		return
	}
	s.writeJSON(w, http.StatusAccepted, toAPIMessage(placeholder))
}

// handleStandaloneImage runs the image pipeline synchronously; the response
// blocks until the provider finishes or the poll budget runs out.
func (s *Service) handleStandaloneImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, userID) {
		return
	}
	var req struct {
		CharacterID string `json:"character_id"`
		Prompt      string `json:"prompt"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	url, err := s.generator.GenerateStandalone(r.Context(), generate.StandaloneImageParams{
		UserID:      userID,
		CharacterID: req.CharacterID,
		Prompt:      req.Prompt,
	})
	if err != nil {
		var perr *generate.PipelineError
		if errors.As(err, &perr) {
			s.logger.Warn().Err(perr).Str("user_id", userID).Msg("standalone image failed")
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": perr.UserMessage})
			return
		}
		s.storeError(w, err, "generate image")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

type apiMedia struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

type apiMessage struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chat_id"`
	CharacterID    *string   `json:"character_id,omitempty"`
	Text           string    `json:"text"`
	ImageURL       *string   `json:"image_url,omitempty"`
	TranslatedText *string   `json:"translated_text,omitempty"`
	Pending        bool      `json:"pending"`
	CreatedAt      time.Time `json:"created_at"`
}

func toAPIMessage(m storage.Message) apiMessage {
	return apiMessage{
		ID:             m.ID,
		ChatID:         m.ChatID,
		CharacterID:    m.CharacterID,
		Text:           m.Text,
		ImageURL:       m.ImageURL,
		TranslatedText: m.TranslatedText,
		Pending:        m.Text == "" && m.ImageURL == nil,
		CreatedAt:      m.CreatedAt,
	}
}

func (s *Service) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return userID, true
}

// allow applies the per-user hourly cap to generation endpoints.
func (s *Service) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, resetAt, err := s.limiter.Allow(r.Context(), userID, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("rate limit check failed")
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds())+1, 10))
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Service) storeError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.internal(w, err, op)
}

func (s *Service) internal(w http.ResponseWriter, err error, op string) {
	s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
