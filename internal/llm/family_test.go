package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klint-ai/klint-gpt/internal/model"
)

func TestDeploymentName(t *testing.T) {
	tests := map[string]string{
		"https://r.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-15": "gpt-4o",
		"https://r.openai.azure.com/openai/deployments/o1-mini-2/chat/completions":                     "o1-mini-2",
		"https://api.example.com/v1/mymodel/chat/completions":                                          "mymodel",
		"https://api.example.com/chat":                                                                 "api.example.com",
	}
	for endpoint, want := range tests {
		assert.Equal(t, want, DeploymentName(endpoint), endpoint)
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	valid := testFamily("X", testSlot("https://x"))
	vision := testFamily("V", testSlot("https://v"))
	vision.Vision = true

	_, err := NewRegistry(RegistryConfig{Families: []ModelFamily{vision, valid, valid}, Vision: "V", Default: "X"})
	assert.ErrorContains(t, err, "duplicate")

	noSlots := testFamily("N")
	_, err = NewRegistry(RegistryConfig{Families: []ModelFamily{vision, noSlots}, Vision: "V", Default: "V"})
	assert.ErrorContains(t, err, "no credential slots")

	badField := testFamily("B", testSlot("https://b"))
	badField.TokenField = "max_output"
	_, err = NewRegistry(RegistryConfig{Families: []ModelFamily{vision, badField}, Vision: "V", Default: "V"})
	assert.ErrorContains(t, err, "token field")

	_, err = NewRegistry(RegistryConfig{Families: []ModelFamily{vision, valid}, Vision: "X", Default: "X"})
	assert.ErrorContains(t, err, "not vision-capable")

	_, err = NewRegistry(RegistryConfig{Families: []ModelFamily{vision}, Vision: "V", Default: "missing"})
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestNewRegistry_Defaults(t *testing.T) {
	claude := testFamily("C", testSlot("https://api.anthropic.com"))
	claude.Provider = ProviderAnthropic
	reg := testRegistry(t, claude, testFamily("X", testSlot("https://x")))

	c, err := reg.Get("C")
	require.NoError(t, err)
	assert.True(t, c.MergeSystemIntoUser)

	x, err := reg.Get("X")
	require.NoError(t, err)
	assert.Equal(t, ProviderAzure, x.Provider)

	ids := []FamilyID{}
	for _, f := range reg.Families() {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []FamilyID{"V", "C", "X"}, ids)
	assert.Equal(t, FamilyID("V"), reg.Vision().ID)
	assert.Equal(t, FamilyID("V"), reg.Default().ID)
}

func TestEstimateMessages(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("héllo"))

	msgs := []model.Message{
		model.NewMessage(model.RoleUser, "12345678"),
		imageTurn("abcd"),
	}
	assert.Equal(t, (4+2)+(4+1+imageTokenCost), EstimateMessages(msgs))
}
