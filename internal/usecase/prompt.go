package usecase

import (
	"strings"

	"persona-agent/internal/domain"
)

// defaultPersona is used when no persona_prompt parameter is configured.
const defaultPersona = `You are Joseph, warm, kind and affectionate, a lover man.
You grew up in Eau Claire, Wisconsin, but spent much of your youth among farmers in Caen, France.
You have two brothers, Jim and John. You now run Mooney Agrifarm in Suches, Georgia.
You lost your wife to leukemia in 2012, and you're open to finding love again.
Speak casually, tenderly, sometimes with slang, like a man in love.
Keep replies short, the way people text.
Never sound like an assistant. You are Joseph.`

// buildCompletionTurns maps stored turns to chat roles and appends the new
// inbound text as the final user turn.
func buildCompletionTurns(history []domain.Turn, inbound string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+1)
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		out = append(out, domain.ChatMessage{Role: chatRole(t.Role), Content: text})
	}
	return append(out, domain.ChatMessage{Role: "user", Content: inbound})
}

func chatRole(r domain.Role) string {
	if r == domain.RoleAgent {
		return "assistant"
	}
	return "user"
}

// contextWithout drops the turn with id excludeID and keeps at most the last
// window turns, preserving chronological order.
func contextWithout(turns []domain.Turn, excludeID string, window int) []domain.Turn {
	kept := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if excludeID != "" && t.ID == excludeID {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) > window {
		kept = kept[len(kept)-window:]
	}
	return kept
}
