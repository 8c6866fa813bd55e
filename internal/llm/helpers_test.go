package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klint-ai/klint-gpt/pkg/logger"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

func newTestTracker(clock *fakeClock) *Tracker {
	t := NewTracker(logger.NewNop())
	t.now = clock.Now
	t.sleep = clock.Sleep
	return t
}

func testSlot(endpoint string) CredentialSlot {
	return CredentialSlot{APIKey: "test-key", Endpoint: endpoint}
}

func testFamily(id FamilyID, slots ...CredentialSlot) ModelFamily {
	return ModelFamily{
		ID:         id,
		Slots:      slots,
		MaxTokens:  512,
		RPM:        1000,
		TPM:        1_000_000,
		TokenField: TokenFieldMaxTokens,
	}
}

// testRegistry registers a vision family "V" followed by fams.
func testRegistry(t *testing.T, fams ...ModelFamily) *Registry {
	t.Helper()
	vision := testFamily("V", testSlot("https://vision.example.com/openai/deployments/vision-dep/chat/completions"))
	vision.Vision = true
	reg, err := NewRegistry(RegistryConfig{
		Families: append([]ModelFamily{vision}, fams...),
		Vision:   "V",
		Default:  "V",
	})
	require.NoError(t, err)
	return reg
}

func noSleep() ClientOption {
	return withSleep(func(context.Context, time.Duration) error { return nil }, func() time.Duration { return 0 })
}
