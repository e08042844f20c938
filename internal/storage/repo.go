package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.Tier == "" {
		u.Tier = "free"
	}
	if u.Locale == "" {
		u.Locale = "en"
	}
	q := s.sql.Insert("users").
		Columns("id", "name", "tier", "locale", "auto_translate", "credits", "default_persona_id").
		Values(u.ID, u.Name, u.Tier, u.Locale, u.AutoTranslate, u.Credits, u.DefaultPersonaID)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	q := s.sql.Select("id", "name", "tier", "locale", "auto_translate", "credits", "default_persona_id", "created_at").
		From("users").
		Where(sq.Eq{"id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	var defaultPersona sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID,
		&u.Name,
		&u.Tier,
		&u.Locale,
		&u.AutoTranslate,
		&u.Credits,
		&defaultPersona,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if defaultPersona.Valid {
		u.DefaultPersonaID = &defaultPersona.String
	}
	return u, nil
}

func (s *Store) CreatePersona(ctx context.Context, p Persona) error {
	q := s.sql.Insert("personas").
		Columns("id", "user_id", "name", "is_default").
		Values(p.ID, p.UserID, p.Name, p.IsDefault)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create persona query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create persona: %w", err)
	}
	return nil
}

func (s *Store) GetPersona(ctx context.Context, personaID string) (Persona, error) {
	return s.getPersona(ctx, sq.Eq{"id": personaID})
}

func (s *Store) GetDefaultPersona(ctx context.Context, userID string) (Persona, error) {
	return s.getPersona(ctx, sq.Eq{"user_id": userID, "is_default": true})
}

func (s *Store) getPersona(ctx context.Context, where sq.Sqlizer) (Persona, error) {
	q := s.sql.Select("id", "user_id", "name", "is_default", "created_at").
		From("personas").
		Where(where).
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Persona{}, fmt.Errorf("build persona query: %w", err)
	}

	var p Persona
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.UserID, &p.Name, &p.IsDefault, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Persona{}, ErrNotFound
		}
		return Persona{}, fmt.Errorf("get persona: %w", err)
	}
	return p, nil
}

func (s *Store) CreateCharacter(ctx context.Context, c Character) error {
	q := s.sql.Insert("characters").
		Columns("id", "name", "owner_id", "instructions", "image_instructions", "is_private", "archived", "blacklisted", "model_config_id").
		Values(c.ID, c.Name, c.OwnerID, c.Instructions, c.ImageInstructions, c.IsPrivate, c.Archived, c.Blacklisted, c.ModelConfigID)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create character query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create character: %w", err)
	}
	return nil
}

func (s *Store) GetCharacter(ctx context.Context, characterID string) (Character, error) {
	q := s.sql.Select("id", "name", "owner_id", "instructions", "image_instructions", "is_private", "archived", "blacklisted", "model_config_id", "created_at").
		From("characters").
		Where(sq.Eq{"id": characterID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Character{}, fmt.Errorf("build get character query: %w", err)
	}

	var c Character
	var ownerID, modelConfigID sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.Name,
		&ownerID,
		&c.Instructions,
		&c.ImageInstructions,
		&c.IsPrivate,
		&c.Archived,
		&c.Blacklisted,
		&modelConfigID,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Character{}, ErrNotFound
		}
		return Character{}, fmt.Errorf("get character: %w", err)
	}
	if ownerID.Valid {
		c.OwnerID = &ownerID.String
	}
	if modelConfigID.Valid {
		c.ModelConfigID = &modelConfigID.String
	}
	return c, nil
}

func (s *Store) UpsertModelConfig(ctx context.Context, m ModelConfig) error {
	q := s.sql.Insert("model_configs").
		Columns("id", "name", "kind", "base_url", "enc_api_key", "model", "max_tokens", "credit_cost").
		Values(m.ID, m.Name, m.Kind, m.BaseURL, m.EncAPIKey, m.Model, m.MaxTokens, m.CreditCost).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, base_url=excluded.base_url, enc_api_key=excluded.enc_api_key, model=excluded.model, max_tokens=excluded.max_tokens, credit_cost=excluded.credit_cost")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build model config upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert model config: %w", err)
	}
	return nil
}

func (s *Store) GetModelConfig(ctx context.Context, id string) (ModelConfig, error) {
	q := s.sql.Select("id", "name", "kind", "base_url", "enc_api_key", "model", "max_tokens", "credit_cost", "created_at").
		From("model_configs").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ModelConfig{}, fmt.Errorf("build get model config query: %w", err)
	}

	var m ModelConfig
	var encAPIKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.ID,
		&m.Name,
		&m.Kind,
		&m.BaseURL,
		&encAPIKey,
		&m.Model,
		&m.MaxTokens,
		&m.CreditCost,
		&m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelConfig{}, ErrNotFound
		}
		return ModelConfig{}, fmt.Errorf("get model config: %w", err)
	}
	if encAPIKey.Valid {
		m.EncAPIKey = &encAPIKey.String
	}
	return m, nil
}

func (s *Store) CreateChat(ctx context.Context, c Chat) error {
	q := s.sql.Insert("chats").
		Columns("id", "user_id", "character_id").
		Values(c.ID, c.UserID, c.CharacterID)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (Chat, error) {
	q := s.sql.Select("id", "user_id", "character_id", "created_at").
		From("chats").
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}

	var c Chat
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.UserID, &c.CharacterID, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("messages").
		Columns("id", "chat_id", "character_id", "text", "image_url", "created_at").
		Values(m.ID, m.ChatID, m.CharacterID, m.Text, m.ImageURL, m.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	q := s.sql.Select("id", "chat_id", "character_id", "text", "image_url", "translated_text", "created_at").
		From("messages").
		Where(sq.Eq{"id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build get message query: %w", err)
	}

	m, err := scanMessage(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// RecentMessages returns up to limit messages of a chat in chronological
// order (oldest first).
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 1
	}
	q := s.sql.Select("id", "chat_id", "character_id", "text", "image_url", "translated_text", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ResolveMessage writes the terminal text (and optional image URL) into a
// pending placeholder. Only unresolved placeholders match, so a message is
// resolved at most once.
func (s *Store) ResolveMessage(ctx context.Context, messageID, text string, imageURL *string) error {
	q := s.sql.Update("messages").
		Set("text", text).
		Set("image_url", imageURL).
		Where(sq.Eq{"id": messageID, "text": "", "image_url": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build resolve message query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("resolve message: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetMessage returns an already-resolved reply to the pending placeholder
// state so a regeneration can resolve it again.
func (s *Store) ResetMessage(ctx context.Context, messageID string) error {
	q := s.sql.Update("messages").
		Set("text", "").
		Set("image_url", nil).
		Set("translated_text", nil).
		Where(sq.Eq{"id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build reset message query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("reset message: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetMessageTranslation(ctx context.Context, messageID, translated string) error {
	q := s.sql.Update("messages").
		Set("translated_text", translated).
		Where(sq.Eq{"id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set translation query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set translation: %w", err)
	}
	return nil
}

func (s *Store) ListFacts(ctx context.Context, userID, characterID string) ([]Fact, error) {
	q := s.sql.Select("id", "user_id", "character_id", "fact", "category", "created_at").
		From("facts").
		Where(sq.Eq{"user_id": userID, "character_id": characterID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list facts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	out := make([]Fact, 0)
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.UserID, &f.CharacterID, &f.Fact, &f.Category, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return out, nil
}

// InsertFactIfNew appends a fact unless the same text already exists for the
// (user, character) pair, compared case-insensitively. Dedup rides on the
// unique (user_id, character_id, LOWER(fact)) index. Returns whether a row
// was inserted.
func (s *Store) InsertFactIfNew(ctx context.Context, f Fact) (bool, error) {
	q := s.sql.Insert("facts").
		Columns("id", "user_id", "character_id", "fact", "category").
		Values(f.ID, f.UserID, f.CharacterID, f.Fact, f.Category).
		Suffix("ON CONFLICT DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert fact query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fact rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertMedia(ctx context.Context, m Media) error {
	q := s.sql.Insert("media").
		Columns("id", "user_id", "character_id", "url").
		Values(m.ID, m.UserID, m.CharacterID, m.URL)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert media query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

func (s *Store) ListMedia(ctx context.Context, userID, characterID string) ([]Media, error) {
	q := s.sql.Select("id", "user_id", "character_id", "url", "created_at").
		From("media").
		Where(sq.Eq{"user_id": userID, "character_id": characterID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list media query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	out := make([]Media, 0)
	for rows.Next() {
		var m Media
		if err := rows.Scan(&m.ID, &m.UserID, &m.CharacterID, &m.URL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan media row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media rows: %w", err)
	}
	return out, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("user_id", "action", "amount", "meta_json").
		Values(e.UserID, e.Action, e.Amount, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var characterID, imageURL, translated sql.NullString
	if err := r.Scan(&m.ID, &m.ChatID, &characterID, &m.Text, &imageURL, &translated, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	if characterID.Valid {
		m.CharacterID = &characterID.String
	}
	if imageURL.Valid {
		m.ImageURL = &imageURL.String
	}
	if translated.Valid {
		m.TranslatedText = &translated.String
	}
	return m, nil
}
