package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

func completionBody(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`, content)
}

type sleepRecorder struct {
	slept []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

func (r *sleepRecorder) total() time.Duration {
	var sum time.Duration
	for _, d := range r.slept {
		sum += d
	}
	return sum
}

func TestClient_RetryAfterThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"code":"429"}}`)
			return
		}
		_, _ = io.WriteString(w, completionBody(fmt.Sprintf("response %d", n)))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := NewClient(logger.NewNop(), withSleep(rec.sleep, func() time.Duration { return 100 * time.Millisecond }))
	fam := testFamily("X", testSlot(srv.URL+"/openai/deployments/x0/chat/completions"))

	comp, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{
		Messages: []model.Message{model.NewMessage(model.RoleUser, "hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "response 3", comp.Content)
	assert.Equal(t, 3, comp.Attempts)
	assert.Equal(t, 15, comp.Usage.TotalTokens)
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, rec.total(), 2*time.Second+1400*time.Millisecond)
	assert.Equal(t, []time.Duration{2100 * time.Millisecond, 2100 * time.Millisecond}, rec.slept)
}

func TestClient_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad request"}}`)
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL))

	_, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.ErrorIs(t, err, ErrPermanent)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
	assert.Contains(t, perr.Body, "bad request")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetryAfterWithoutErrorMessage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"Too Many Requests"}`)
			return
		}
		_, _ = io.WriteString(w, completionBody("ok"))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := NewClient(logger.NewNop(), withSleep(rec.sleep, func() time.Duration { return 0 }))
	fam := testFamily("X", testSlot(srv.URL))

	comp, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", comp.Content)
	assert.Equal(t, []time.Duration{3 * time.Second}, rec.slept)
}

func TestClient_UndecodableRejectionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Unauthorized"}`)
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL))

	_, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.ErrorIs(t, err, ErrPermanent)
	assert.NotErrorIs(t, err, ErrTransient)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	assert.Contains(t, perr.Body, "Unauthorized")
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.Stream(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_TransientExhaustsLocalBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := NewClient(logger.NewNop(), withSleep(rec.sleep, func() time.Duration { return 0 }))
	fam := testFamily("X", testSlot(srv.URL))

	_, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.ErrorIs(t, err, ErrTransient)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	// base^attempt without a hint: 1.4s then 1.96s
	require.Len(t, rec.slept, 2)
	assert.InDelta(t, 1.4, rec.slept[0].Seconds(), 0.001)
	assert.InDelta(t, 1.96, rec.slept[1].Seconds(), 0.001)
}

func TestClient_WirePayload(t *testing.T) {
	var got map[string]any
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, completionBody("ok"))
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL))

	msgs := []model.Message{
		model.NewMessage(model.RoleSystem, "be brief"),
		model.NewPartsMessage(model.RoleUser, model.TextPart("what is this?"), model.ImagePart("data:image/png;base64,AAAA")),
	}
	_, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{
		Messages:   msgs,
		Model:      "o3-mini",
		MaxTokens:  2048,
		TokenField: TokenFieldMaxCompletionTokens,
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", header.Get("api-key"))
	assert.Empty(t, header.Get("Authorization"))
	assert.Equal(t, "o3-mini", got["model"])
	assert.Equal(t, float64(2048), got["max_completion_tokens"])
	assert.NotContains(t, got, "max_tokens")
	assert.NotContains(t, got, "stream")

	wire := got["messages"].([]any)
	require.Len(t, wire, 2)
	assert.Equal(t, "be brief", wire[0].(map[string]any)["content"])
	parts := wire[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])
	image := parts[1].(map[string]any)
	assert.Equal(t, "image_url", image["type"])
	assert.Equal(t, "data:image/png;base64,AAAA", image["image_url"].(map[string]any)["url"])
}

func TestClient_UnsetProviderUsesAzure(t *testing.T) {
	var path, version, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, version, key = r.URL.Path, r.URL.Query().Get("api-version"), r.Header.Get("api-key")
		_, _ = io.WriteString(w, completionBody("ok"))
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL+"/openai/deployments/gpt-4o-eu/chat/completions?api-version=2024-06-01"))
	require.Empty(t, fam.Provider)

	comp, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "ok", comp.Content)
	assert.Equal(t, "/openai/deployments/gpt-4o-eu/chat/completions", path)
	assert.Equal(t, "2024-06-01", version)
	assert.Equal(t, "test-key", key)
}

func TestClient_BearerAuthForOpenAI(t *testing.T) {
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, path = r.Header.Get("Authorization"), r.URL.Path
		_, _ = io.WriteString(w, completionBody("ok"))
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL))
	fam.Provider = ProviderOpenAI

	_, err := client.Complete(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "/chat/completions", path)
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: {\"choices\":[]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL))

	s, err := client.Stream(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.NoError(t, err)
	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, 3, s.Delivered())

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClient_StreamOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL))

	_, err := client.Stream(context.Background(), &fam, fam.Slots[0], &CompletionRequest{})
	require.ErrorIs(t, err, ErrTransient)
}

func TestClient_StreamSendsCompletionTokenField(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop(), noSleep())
	fam := testFamily("X", testSlot(srv.URL))

	s, err := client.Stream(context.Background(), &fam, fam.Slots[0], &CompletionRequest{
		MaxTokens:  40000,
		TokenField: TokenFieldMaxCompletionTokens,
	})
	require.NoError(t, err)
	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, float64(40000), body["max_completion_tokens"])
	assert.NotContains(t, body, "max_tokens")
	assert.Equal(t, true, body["stream"])
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 2*time.Second, parseRetryAfter("2", now))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5", now))
	assert.Equal(t, 5*time.Second, parseRetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-3", now))
}
