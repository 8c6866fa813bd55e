package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

type fakeCall struct {
	Family   FamilyID
	Endpoint string
	Messages []model.Message
}

type fakeCompleter struct {
	mu       sync.Mutex
	calls    []fakeCall
	complete func(fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*Completion, error)
	stream   func(fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*DeltaStream, error)
}

func (f *fakeCompleter) record(fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{Family: fam.ID, Endpoint: slot.Endpoint, Messages: req.Messages})
}

func (f *fakeCompleter) Complete(_ context.Context, fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*Completion, error) {
	f.record(fam, slot, req)
	if f.complete != nil {
		return f.complete(fam, slot, req)
	}
	return &Completion{Content: "ok", Attempts: 1}, nil
}

func (f *fakeCompleter) Stream(_ context.Context, fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*DeltaStream, error) {
	f.record(fam, slot, req)
	if f.stream != nil {
		return f.stream(fam, slot, req)
	}
	return SliceStream([]string{"ok"}, nil), nil
}

func (f *fakeCompleter) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func newTestRouter(reg *Registry, c Completer, opts ...RouterOption) *Router {
	return NewRouter(reg, NewPool(reg), NewTracker(logger.NewNop()), c, logger.NewNop(), opts...)
}

func twoSlotFamily(id FamilyID) ModelFamily {
	return testFamily(id,
		testSlot("https://a.example.com/openai/deployments/"+strings.ToLower(string(id))+"-a/chat/completions"),
		testSlot("https://b.example.com/openai/deployments/"+strings.ToLower(string(id))+"-b/chat/completions"),
	)
}

func imageTurn(text string) model.Message {
	return model.NewPartsMessage(model.RoleUser, model.TextPart(text), model.ImagePart("data:image/png;base64,AAAA"))
}

func TestRouter_ExhaustedCapacityAfterEverySlot(t *testing.T) {
	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fam := testFamily("X",
		testSlot(srv.URL+"/openai/deployments/x-a/chat/completions"),
		testSlot(srv.URL+"/openai/deployments/x-b/chat/completions"),
	)
	reg := testRegistry(t, fam)

	var events []EventType
	router := newTestRouter(reg, NewClient(logger.NewNop(), noSleep()), WithObserver(func(ev Event) {
		events = append(events, ev.Type)
	}))

	_, meta, err := router.Chat(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "X")
	require.ErrorIs(t, err, ErrExhaustedCapacity)
	assert.Equal(t, int32(6), sends.Load())

	var exhausted *ExhaustedCapacityError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 6, exhausted.Attempts)
	assert.Equal(t, 6, meta.Attempts)
	assert.ErrorIs(t, err, ErrTransient)

	assert.Contains(t, events, EventLocalRetryExhausted)
	assert.Equal(t, EventSlotExhausted, events[len(events)-1])
}

func TestRouter_FailsOverToNextSlot(t *testing.T) {
	fake := &fakeCompleter{complete: func(fam *ModelFamily, slot CredentialSlot, _ *CompletionRequest) (*Completion, error) {
		if slot.Deployment() == "x-a" {
			return nil, &ProviderError{StatusCode: 429, Transient: true, Attempts: 3}
		}
		return &Completion{Content: "from b", Attempts: 1}, nil
	}}
	reg := testRegistry(t, twoSlotFamily("X"))
	router := newTestRouter(reg, fake)

	text, meta, err := router.Chat(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "X")
	require.NoError(t, err)
	assert.Equal(t, "from b", text)
	assert.Equal(t, FamilyID("X"), meta.Family)
	assert.Equal(t, "x-b", meta.Deployment)
	assert.Equal(t, 1, meta.Slot)
	assert.Equal(t, 4, meta.Attempts)
	assert.Equal(t, 1, router.pool.Pointer("X"))
}

func TestRouter_PermanentErrorDoesNotRotate(t *testing.T) {
	fake := &fakeCompleter{complete: func(*ModelFamily, CredentialSlot, *CompletionRequest) (*Completion, error) {
		return nil, &ProviderError{StatusCode: 400, Body: "invalid"}
	}}
	reg := testRegistry(t, twoSlotFamily("X"))
	router := newTestRouter(reg, fake)

	_, _, err := router.Chat(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "X")
	require.ErrorIs(t, err, ErrPermanent)
	assert.NotErrorIs(t, err, ErrExhaustedCapacity)
	assert.Len(t, fake.Calls(), 1)
	assert.Equal(t, 0, router.pool.Pointer("X"))
}

func TestRouter_ConfigurationErrorIsFatal(t *testing.T) {
	fam := testFamily("X", CredentialSlot{Endpoint: "https://x.example.com", APIKeyEnv: "AZ_OPENAI_API_X"})
	reg := testRegistry(t, fam)
	fake := &fakeCompleter{}
	router := newTestRouter(reg, fake)

	_, _, err := router.Chat(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "X")
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, fake.Calls())
}

func TestRouter_UnknownFamily(t *testing.T) {
	router := newTestRouter(testRegistry(t), &fakeCompleter{})
	_, _, err := router.Chat(context.Background(), nil, "GPT 9")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestRouter_EmptyFamilyUsesDefault(t *testing.T) {
	fake := &fakeCompleter{}
	router := newTestRouter(testRegistry(t), fake)

	_, meta, err := router.Chat(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "")
	require.NoError(t, err)
	assert.Equal(t, FamilyID("V"), meta.Family)
}

func TestRouter_VisionOverride(t *testing.T) {
	fake := &fakeCompleter{}
	reg := testRegistry(t, twoSlotFamily("F-text-only"))
	router := newTestRouter(reg, fake)

	_, meta, err := router.Chat(context.Background(), []model.Message{imageTurn("what is this?")}, "F-text-only")
	require.NoError(t, err)
	assert.Equal(t, FamilyID("V"), meta.Family)
	assert.Equal(t, FamilyID("F-text-only"), meta.RequestedFamily)
	assert.True(t, meta.VisionOverride)
	assert.Equal(t, "vision-dep", meta.Deployment)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, FamilyID("V"), calls[0].Family)
	assert.True(t, calls[0].Messages[0].HasImage())
}

func TestRouter_EffectiveFamily(t *testing.T) {
	bridged := twoSlotFamily("R")
	bridged.VisionBridge = true
	reg := testRegistry(t, twoSlotFamily("F-text-only"), bridged)
	router := newTestRouter(reg, &fakeCompleter{})
	text := []model.Message{model.NewMessage(model.RoleUser, "hi")}
	image := []model.Message{imageTurn("what is this?")}

	got, err := router.EffectiveFamily(image, "F-text-only")
	require.NoError(t, err)
	assert.Equal(t, FamilyID("V"), got)

	got, err = router.EffectiveFamily(text, "F-text-only")
	require.NoError(t, err)
	assert.Equal(t, FamilyID("F-text-only"), got)

	// A bridging family keeps the turn and only borrows the vision family.
	got, err = router.EffectiveFamily(image, "R")
	require.NoError(t, err)
	assert.Equal(t, FamilyID("R"), got)

	_, err = router.EffectiveFamily(text, "missing")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestRouter_VisionBridge(t *testing.T) {
	fake := &fakeCompleter{complete: func(fam *ModelFamily, _ CredentialSlot, _ *CompletionRequest) (*Completion, error) {
		if fam.ID == "V" {
			return &Completion{Content: "a red square", Attempts: 1}, nil
		}
		return &Completion{Content: "It is a red square.", Attempts: 1}, nil
	}}
	reasoning := twoSlotFamily("R")
	reasoning.VisionBridge = true
	reasoning.MergeSystemIntoUser = true
	reg := testRegistry(t, reasoning)
	router := newTestRouter(reg, fake)

	msgs := []model.Message{
		model.NewMessage(model.RoleSystem, "Answer in English."),
		imageTurn("what is this?"),
	}
	text, meta, err := router.Chat(context.Background(), msgs, "R")
	require.NoError(t, err)
	assert.Equal(t, "It is a red square.", text)
	assert.Equal(t, FamilyID("R"), meta.Family)
	assert.True(t, meta.VisionBridge)
	assert.False(t, meta.VisionOverride)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, FamilyID("V"), calls[0].Family)
	assert.True(t, calls[0].Messages[len(calls[0].Messages)-1].HasImage())

	assert.Equal(t, FamilyID("R"), calls[1].Family)
	require.Len(t, calls[1].Messages, 1)
	final := calls[1].Messages[0]
	assert.Equal(t, model.RoleUser, final.Role)
	assert.False(t, final.HasImage())
	assert.Equal(t, "Answer in English.\n\nwhat is this?\n\nImage description:\na red square", final.Content)
}

func TestRouter_RoleMergeForQuirkyFamily(t *testing.T) {
	fake := &fakeCompleter{}
	fam := twoSlotFamily("O1")
	fam.MergeSystemIntoUser = true
	router := newTestRouter(testRegistry(t, fam), fake)

	_, _, err := router.Chat(context.Background(), []model.Message{
		model.NewMessage(model.RoleSystem, "A"),
		model.NewMessage(model.RoleUser, "B"),
	}, "O1")
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []model.Message{{Role: model.RoleUser, Content: "A\n\nB"}}, calls[0].Messages)
}

func TestRouter_ChatStreamRetriesBeforeFirstDelta(t *testing.T) {
	fake := &fakeCompleter{stream: func(_ *ModelFamily, slot CredentialSlot, _ *CompletionRequest) (*DeltaStream, error) {
		if slot.Deployment() == "x-a" {
			return SliceStream(nil, &ProviderError{Transient: true, Err: errors.New("reset")}), nil
		}
		return SliceStream([]string{"Hello", " there"}, nil), nil
	}}
	router := newTestRouter(testRegistry(t, twoSlotFamily("X")), fake)

	s, meta, err := router.ChatStream(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "X")
	require.NoError(t, err)
	assert.Equal(t, "x-b", meta.Deployment)
	assert.Equal(t, 2, meta.Attempts)

	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)
}

func TestRouter_ChatStreamMidStreamFailureRotates(t *testing.T) {
	fake := &fakeCompleter{stream: func(*ModelFamily, CredentialSlot, *CompletionRequest) (*DeltaStream, error) {
		return SliceStream([]string{"partial"}, errors.New("connection reset")), nil
	}}
	var events []EventType
	router := newTestRouter(testRegistry(t, twoSlotFamily("X")), fake, WithObserver(func(ev Event) {
		events = append(events, ev.Type)
	}))

	s, _, err := router.ChatStream(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "X")
	require.NoError(t, err)

	text, err := Collect(s)
	assert.Equal(t, "partial", text)
	require.ErrorIs(t, err, ErrStreamAborted)
	assert.Equal(t, 1, router.pool.Pointer("X"))
	assert.Contains(t, events, EventStreamAborted)
	assert.Len(t, fake.Calls(), 1)
}

func TestRouter_ChatStreamExhausted(t *testing.T) {
	fake := &fakeCompleter{stream: func(*ModelFamily, CredentialSlot, *CompletionRequest) (*DeltaStream, error) {
		return nil, &ProviderError{StatusCode: 503, Transient: true, Attempts: 1}
	}}
	router := newTestRouter(testRegistry(t, twoSlotFamily("X")), fake)

	_, meta, err := router.ChatStream(context.Background(), []model.Message{model.NewMessage(model.RoleUser, "hi")}, "X")
	require.ErrorIs(t, err, ErrExhaustedCapacity)
	assert.Equal(t, 2, meta.Attempts)
	assert.Equal(t, 0, router.pool.Pointer("X"))
}

func TestRouter_OCR(t *testing.T) {
	fake := &fakeCompleter{complete: func(*ModelFamily, CredentialSlot, *CompletionRequest) (*Completion, error) {
		return &Completion{Content: "  INVOICE 42\n", Attempts: 1}, nil
	}}
	router := newTestRouter(testRegistry(t), fake)

	text, meta, err := router.OCR(context.Background(), []byte{0x89, 0x50}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "INVOICE 42", text)
	assert.Equal(t, FamilyID("V"), meta.Family)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	parts := calls[0].Messages[0].Parts
	require.Len(t, parts, 2)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL, "data:image/png;base64,"))

	_, _, err = router.OCR(context.Background(), nil, "image/png")
	assert.Error(t, err)
}
