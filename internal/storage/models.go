package storage

import "time"

type User struct {
	ID               string
	Name             string
	Tier             string
	Locale           string
	AutoTranslate    bool
	Credits          int64
	DefaultPersonaID *string
	CreatedAt        time.Time
}

type Persona struct {
	ID        string
	UserID    string
	Name      string
	IsDefault bool
	CreatedAt time.Time
}

type Character struct {
	ID                string
	Name              string
	OwnerID           *string
	Instructions      string
	ImageInstructions string
	IsPrivate         bool
	Archived          bool
	Blacklisted       bool
	ModelConfigID     *string
	CreatedAt         time.Time
}

// ModelConfig binds a character to a text provider. The API key is stored as
// a crypto envelope JSON string and decrypted only in the worker.
type ModelConfig struct {
	ID         string
	Name       string
	Kind       string
	BaseURL    string
	EncAPIKey  *string
	Model      string
	MaxTokens  int
	CreditCost int64
	CreatedAt  time.Time
}

type Chat struct {
	ID          string
	UserID      string
	CharacterID string
	CreatedAt   time.Time
}

// Message lifecycle: inserted as an empty-text placeholder, then resolved
// exactly once with final text or an image URL. A nil CharacterID means the
// message was authored by the human user.
type Message struct {
	ID             string
	ChatID         string
	CharacterID    *string
	Text           string
	ImageURL       *string
	TranslatedText *string
	CreatedAt      time.Time
}

type Fact struct {
	ID          string
	UserID      string
	CharacterID string
	Fact        string
	Category    string
	CreatedAt   time.Time
}

type Media struct {
	ID          string
	UserID      string
	CharacterID string
	URL         string
	CreatedAt   time.Time
}

type AuditEntry struct {
	UserID   string
	Action   string
	Amount   int64
	MetaJSON string
}
