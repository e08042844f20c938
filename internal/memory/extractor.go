// Package memory distills durable user facts out of recent conversation and
// persists them for prompt assembly. Extraction is best effort: it runs in
// the background and a failed pass costs nothing but a delayed memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"emberchat/internal/metrics"
	"emberchat/internal/providers"
	"emberchat/internal/storage"
)

const extractSystem = "You extract durable facts about the user from a chat transcript. " +
	"A durable fact is something worth remembering across conversations: their name, " +
	"job, relationships, preferences, plans. Ignore small talk and anything about the " +
	"character. Reply with a JSON array of short fact strings, excluding facts already " +
	"known. Reply with [] when there is nothing new."

const (
	// transcriptWindow is how many recent messages feed one extraction pass.
	transcriptWindow = 10
	// minUserTextLen gates extraction on at least one substantial user
	// message being present.
	minUserTextLen = 20
	// minFactLen drops fragments the model sometimes emits.
	minFactLen = 8
)

type Extractor struct {
	store    *storage.Store
	provider providers.Provider
	model    string
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func New(store *storage.Store, provider providers.Provider, model string, logger zerolog.Logger, m *metrics.Metrics) *Extractor {
	if m == nil {
		m = metrics.Global()
	}
	return &Extractor{store: store, provider: provider, model: model, logger: logger, metrics: m}
}

// Process runs one extraction pass over a chat. Chats too short or without
// substantial user input are skipped silently.
func (e *Extractor) Process(ctx context.Context, userID, characterID, chatID string) error {
	msgs, err := e.store.RecentMessages(ctx, chatID, transcriptWindow)
	if err != nil {
		return fmt.Errorf("recent messages: %w", err)
	}
	if !worthExtracting(msgs) {
		return nil
	}

	known, err := e.store.ListFacts(ctx, userID, characterID)
	if err != nil {
		return fmt.Errorf("list facts: %w", err)
	}

	resp, err := e.provider.Chat(ctx, providers.ChatRequest{
		Model: e.model,
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: extractSystem},
			{Role: providers.RoleUser, Content: buildExtractInput(msgs, known)},
		},
		MaxTokens: 400,
	})
	if err != nil {
		return fmt.Errorf("extract facts: %w", err)
	}

	facts, err := parseFacts(resp.Text)
	if err != nil {
		return fmt.Errorf("parse extracted facts: %w", err)
	}

	seen := make(map[string]struct{}, len(known))
	for _, f := range known {
		seen[strings.ToLower(strings.TrimSpace(f.Fact))] = struct{}{}
	}

	for _, fact := range facts {
		fact = strings.TrimSpace(fact)
		if len(fact) < minFactLen {
			continue
		}
		key := strings.ToLower(fact)
		if _, ok := seen[key]; ok {
			continue
		}
		inserted, err := e.store.InsertFactIfNew(ctx, storage.Fact{
			ID:          storage.NewID(),
			UserID:      userID,
			CharacterID: characterID,
			Fact:        fact,
		})
		if err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
		if inserted {
			seen[key] = struct{}{}
			e.metrics.FactsInserted.Inc()
			e.logger.Debug().Str("user_id", userID).Str("character_id", characterID).Msg("new fact recorded")
		}
	}
	return nil
}

// worthExtracting requires at least two messages and one substantial
// user-authored message.
func worthExtracting(msgs []storage.Message) bool {
	if len(msgs) < 2 {
		return false
	}
	for _, m := range msgs {
		if m.CharacterID == nil && len(strings.TrimSpace(m.Text)) >= minUserTextLen {
			return true
		}
	}
	return false
}

func buildExtractInput(msgs []storage.Message, known []storage.Fact) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
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

	b.WriteString("\nAlready known:\n")
	if len(known) == 0 {
		b.WriteString("(nothing)\n")
	}
	for _, f := range known {
		b.WriteString("- ")
		b.WriteString(f.Fact)
		b.WriteString("\n")
	}
	return b.String()
}

// parseFacts decodes the model's JSON array, tolerating markdown code fences
// around it.
func parseFacts(text string) ([]string, error) {
	t := strings.TrimSpace(text)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	t = strings.TrimSpace(t)
	if t == "" {
		return nil, nil
	}

	var facts []string
	if err := json.Unmarshal([]byte(t), &facts); err != nil {
		return nil, err
	}
	return facts, nil
}
