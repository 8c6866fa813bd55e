package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/klint-ai/klint-gpt/internal/model"
)

func TestMergeSystem(t *testing.T) {
	sys := func(s string) model.Message { return model.NewMessage(model.RoleSystem, s) }
	user := func(s string) model.Message { return model.NewMessage(model.RoleUser, s) }
	asst := func(s string) model.Message { return model.NewMessage(model.RoleAssistant, s) }

	tests := []struct {
		name string
		in   []model.Message
		want []model.Message
	}{
		{
			name: "system before user",
			in:   []model.Message{sys("A"), user("B")},
			want: []model.Message{user("A\n\nB")},
		},
		{
			name: "consecutive systems keep order",
			in:   []model.Message{sys("A"), sys("B"), asst("hello"), user("C")},
			want: []model.Message{asst("hello"), user("A\n\nB\n\nC")},
		},
		{
			name: "trailing system folds into preceding user",
			in:   []model.Message{user("Q"), asst("R"), sys("S")},
			want: []model.Message{user("Q\n\nS"), asst("R")},
		},
		{
			name: "no user at all",
			in:   []model.Message{asst("R"), sys("S")},
			want: []model.Message{asst("R"), user("S")},
		},
		{
			name: "no system is unchanged",
			in:   []model.Message{user("Q"), asst("R")},
			want: []model.Message{user("Q"), asst("R")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeSystem(tt.in))
		})
	}
}

func TestMergeSystem_PartsMessage(t *testing.T) {
	in := []model.Message{
		model.NewMessage(model.RoleSystem, "A"),
		model.NewPartsMessage(model.RoleUser, model.TextPart("B"), model.ImagePart("data:image/png;base64,AA")),
	}
	out := MergeSystem(in)

	assert.Len(t, out, 1)
	assert.Equal(t, []model.ContentPart{
		model.TextPart("A"),
		model.TextPart("B"),
		model.ImagePart("data:image/png;base64,AA"),
	}, out[0].Parts)
	// The input is not mutated.
	assert.Len(t, in[1].Parts, 2)
}
