package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AdvanceWrapsAround(t *testing.T) {
	reg := testRegistry(t, testFamily("X",
		testSlot("https://a.example.com/openai/deployments/a/chat/completions"),
		testSlot("https://b.example.com/openai/deployments/b/chat/completions"),
		testSlot("https://c.example.com/openai/deployments/c/chat/completions"),
	))
	pool := NewPool(reg)

	slot, idx, err := pool.Current("X")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "a", slot.Deployment())

	pool.Advance("X")
	slot, idx, err = pool.Current("X")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "b", slot.Deployment())

	pool.Advance("X")
	pool.Advance("X")
	assert.Equal(t, 0, pool.Pointer("X"))
}

func TestPool_UnprovisionedSlot(t *testing.T) {
	reg := testRegistry(t, testFamily("X",
		CredentialSlot{APIKeyEnv: "AZ_KEY_X", Endpoint: "https://x.example.com", EndpointEnv: "AZ_ENDPOINT_X"},
		CredentialSlot{APIKey: "k", APIKeyEnv: "AZ_KEY_X", EndpointEnv: "AZ_ENDPOINT_X_2"},
	))
	pool := NewPool(reg)

	_, _, err := pool.Current("X")
	require.ErrorIs(t, err, ErrConfiguration)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "AZ_KEY_X", cfgErr.Env)

	pool.Advance("X")
	_, _, err = pool.Current("X")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "AZ_ENDPOINT_X_2", cfgErr.Env)
	assert.Equal(t, 1, cfgErr.Slot)
}

func TestPool_UnknownFamily(t *testing.T) {
	pool := NewPool(testRegistry(t))
	_, _, err := pool.Current("nope")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}
