package generate

import (
	"strings"

	"emberchat/internal/providers"
	"emberchat/internal/storage"
)

// personaToken is the placeholder characters use to refer to the user in
// their instructions and replies. The same token format is substituted when
// building history and when cleaning the final output, so substitution is
// idempotent and the token can never leak into delivered text.
const personaToken = "{{user}}"

// styleDirective pins the expected register of every character reply.
const styleDirective = "Stay in character at all times. Write like a real person texting: " +
	"casual, conversational, reasonably short. No markdown, no lists, no assistant " +
	"mannerisms, and never mention being an AI."

// buildSystemPrompt assembles the character identity, the durable-memory
// section and the style directive into one system message.
func buildSystemPrompt(character storage.Character, personaName string, facts []storage.Fact) string {
	var b strings.Builder

	b.WriteString("You are ")
	b.WriteString(character.Name)
	b.WriteString(".\n")
	if inst := strings.TrimSpace(character.Instructions); inst != "" {
		b.WriteString(strings.ReplaceAll(inst, personaToken, personaName))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if len(facts) == 0 {
		b.WriteString("You are talking to ")
		b.WriteString(personaName)
		b.WriteString(". You don't know much about them yet.\n")
	} else {
		b.WriteString("What you know about ")
		b.WriteString(personaName)
		b.WriteString(":\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f.Fact)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(styleDirective)
	return b.String()
}

// buildHistory maps the stored conversation window onto provider roles.
// The pending placeholder and unresolved messages are skipped. When
// regenerating, everything from the regeneration target onward is dropped so
// the provider sees the conversation exactly as it stood before the reply
// being replaced.
func buildHistory(msgs []storage.Message, placeholderID string, regenerate bool, target storage.Message, personaName string) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == placeholderID {
			continue
		}
		if regenerate && !m.CreatedAt.Before(target.CreatedAt) {
			continue
		}
		if strings.TrimSpace(m.Text) == "" {
			continue
		}

		role := providers.RoleUser
		if m.CharacterID != nil {
			role = providers.RoleAssistant
		}
		out = append(out, providers.Message{
			Role:    role,
			Content: strings.ReplaceAll(m.Text, personaToken, personaName),
		})
	}
	return out
}

// cleanOutput strips the trailing hash-run artifact some models emit and
// substitutes any leftover persona tokens before delivery.
func cleanOutput(text, personaName string) string {
	t := strings.ReplaceAll(text, personaToken, personaName)
	t = strings.TrimSpace(t)
	t = strings.TrimRight(t, "# \t\r\n")
	return strings.TrimSpace(t)
}
