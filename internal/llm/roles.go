package llm

import (
	"strings"

	"github.com/klint-ai/klint-gpt/internal/model"
)

// MergeSystem folds every system message into the next user message,
// or into the last preceding user message when no user follows. Relative
// order of the folded texts is preserved. When the sequence has no user
// message at all the system text becomes a new user message.
func MergeSystem(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	var pending []string

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if text := m.Text(); strings.TrimSpace(text) != "" {
				pending = append(pending, text)
			}
		case model.RoleUser:
			if len(pending) > 0 {
				m = m.WithPrefix(strings.Join(pending, "\n\n"))
				pending = nil
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}

	if len(pending) == 0 {
		return out
	}
	text := strings.Join(pending, "\n\n")
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == model.RoleUser {
			out[i] = out[i].WithSuffix(text)
			return out
		}
	}
	return append(out, model.NewMessage(model.RoleUser, text))
}
