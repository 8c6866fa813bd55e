package llm

import (
	"unicode/utf8"

	"github.com/klint-ai/klint-gpt/internal/model"
)

// imageTokenCost approximates the prompt cost of one image part.
const imageTokenCost = 765

// EstimateTokens approximates the token count of a text (about four characters per token).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateMessages approximates the prompt tokens of a message sequence.
func EstimateMessages(msgs []model.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 // role and framing
		if len(m.Parts) == 0 {
			total += EstimateTokens(m.Content)
			continue
		}
		for _, p := range m.Parts {
			switch p.Type {
			case model.PartImage:
				total += imageTokenCost
			default:
				total += EstimateTokens(p.Text)
			}
		}
	}
	return total
}
