package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "conv.YWxpY2VAZXhhbXBsZS5jb20.c1", ConversationKey("alice@example.com", "c1"))
	assert.Equal(t, "proj.YWxpY2VAZXhhbXBsZS5jb20.p1", ProjectKey("alice@example.com", "p1"))
	assert.Equal(t, "conv.Ym9i.*", ownerFilter(conversationPrefix, "bob"))
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "events.Ym9i.c1.capacity_exhausted", EventSubject("bob", "c1", model.EventTypeCapacity))
	assert.Equal(t, "events.Ym9i.none.error", EventSubject("bob", "", model.EventTypeError))
	assert.Equal(t, "events.Ym9i.c1.>", ConversationFilter("bob", "c1"))
}

func TestConnectOptions(t *testing.T) {
	log := logger.NewNop()
	base := len(connectOptions(Config{URL: "nats://localhost:4222"}, log))

	assert.Len(t, connectOptions(Config{CAFile: "ca.pem"}, log), base+1)
	// A cert without its key is ignored.
	assert.Len(t, connectOptions(Config{CertFile: "c.pem"}, log), base)
	assert.Len(t, connectOptions(Config{CAFile: "ca.pem", CertFile: "c.pem", KeyFile: "k.pem", Token: "t"}, log), base+3)
}
