package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/klint-ai/klint-gpt/internal/model"
)

const (
	maxErrorBody           = 4 << 10
	defaultAzureAPIVersion = "2024-10-21"
)

// openaiTransport drives chat completions through go-openai. The slot
// endpoint is the full completions URL; one client is kept per slot and mode.
type openaiTransport struct {
	azure  bool
	sync   *http.Client
	stream *http.Client

	mu      sync.Mutex
	clients map[clientKey]*openai.Client
}

type clientKey struct {
	slot   CredentialSlot
	stream bool
}

func newOpenAITransport(azure bool, syncTimeout, streamHeaderTimeout time.Duration) *openaiTransport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	streaming := base.Clone()
	streaming.ResponseHeaderTimeout = streamHeaderTimeout
	return &openaiTransport{
		azure:   azure,
		sync:    &http.Client{Timeout: syncTimeout, Transport: &wireRoundTripper{base: base}},
		stream:  &http.Client{Transport: &wireRoundTripper{base: streaming}},
		clients: make(map[clientKey]*openai.Client),
	}
}

func (t *openaiTransport) client(slot CredentialSlot, stream bool) *openai.Client {
	key := clientKey{slot: slot, stream: stream}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c
	}

	var cfg openai.ClientConfig
	if t.azure {
		base, version := splitAzureEndpoint(slot.Endpoint)
		cfg = openai.DefaultAzureConfig(slot.APIKey, base)
		cfg.APIVersion = version
		deployment := slot.Deployment()
		cfg.AzureModelMapperFunc = func(string) string { return deployment }
	} else {
		cfg = openai.DefaultConfig(slot.APIKey)
		cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(slot.Endpoint, "/"), "/chat/completions")
	}
	cfg.HTTPClient = t.sync
	if stream {
		cfg.HTTPClient = t.stream
	}
	c := openai.NewClientWithConfig(cfg)
	t.clients[key] = c
	return c
}

// splitAzureEndpoint turns https://host/openai/deployments/x/chat/completions?api-version=v
// into the resource base URL and the api version.
func splitAzureEndpoint(endpoint string) (base, version string) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint, defaultAzureAPIVersion
	}
	version = u.Query().Get("api-version")
	if version == "" {
		version = defaultAzureAPIVersion
	}
	if i := strings.Index(u.Path, "/openai/"); i >= 0 {
		u.Path = u.Path[:i]
	}
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), version
}

func (t *openaiTransport) send(ctx context.Context, slot CredentialSlot, req *CompletionRequest) (*Completion, error) {
	ctx, hints := withWireHints(ctx, req.TokenField)
	resp, err := t.client(slot, false).CreateChatCompletion(ctx, wireRequest(req))
	if err != nil {
		return nil, openaiError(err, hints)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{StatusCode: http.StatusOK, Body: "response carried no choices"}
	}
	choice := resp.Choices[0]
	return &Completion{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (t *openaiTransport) open(ctx context.Context, slot CredentialSlot, req *CompletionRequest) (*DeltaStream, error) {
	wctx, hints := withWireHints(ctx, req.TokenField)
	stream, err := t.client(slot, true).CreateChatCompletionStream(wctx, wireRequest(req))
	if err != nil {
		return nil, openaiError(err, hints)
	}

	next := func() (string, error) {
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			if err != nil {
				return "", networkError(err)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				return delta, nil
			}
		}
	}
	return newDeltaStream(ctx, next, stream.Close), nil
}

func wireRequest(req *CompletionRequest) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  toWireMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
}

func toWireMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		wire := openai.ChatCompletionMessage{Role: string(m.Role)}
		if len(m.Parts) == 0 {
			wire.Content = m.Content
			out = append(out, wire)
			continue
		}
		for _, part := range m.Parts {
			switch part.Type {
			case model.PartImage:
				wire.MultiContent = append(wire.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL, Detail: openai.ImageURLDetailAuto},
				})
			default:
				wire.MultiContent = append(wire.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			}
		}
		out = append(out, wire)
	}
	return out
}

// wireHints carries per-call wire details between a send and the round
// tripper underneath go-openai.
type wireHints struct {
	tokenField string

	body       string
	retryAfter time.Duration
}

type wireHintsKey struct{}

func withWireHints(ctx context.Context, tokenField string) (context.Context, *wireHints) {
	h := &wireHints{tokenField: tokenField}
	return context.WithValue(ctx, wireHintsKey{}, h), h
}

// wireRoundTripper renames the output-limit field for families that reject
// max_tokens and keeps the error body and Retry-After hint of failed
// responses, neither of which go-openai exposes.
type wireRoundTripper struct {
	base http.RoundTripper
}

func (rt *wireRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	hints, _ := req.Context().Value(wireHintsKey{}).(*wireHints)
	if hints == nil {
		return rt.base.RoundTrip(req)
	}
	if hints.tokenField != "" && hints.tokenField != TokenFieldMaxTokens && req.Body != nil {
		renamed, err := renameTokenField(req, hints.tokenField)
		if err != nil {
			return nil, err
		}
		req = renamed
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return resp, err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	hints.body = string(body)
	hints.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return resp, nil
}

func renameTokenField(req *http.Request, field string) (*http.Request, error) {
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if v, ok := payload[TokenFieldMaxTokens]; ok {
		delete(payload, TokenFieldMaxTokens)
		payload[field] = v
	}
	if raw, err = json.Marshal(payload); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(raw))
	out.ContentLength = int64(len(raw))
	out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(raw)), nil }
	return out, nil
}

func openaiError(err error, hints *wireHints) error {
	if errors.Is(err, openai.ErrChatCompletionInvalidModel) {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	// A body that does not fully decode comes back as a RequestError
	// wrapping an APIError without a status, so the RequestError wins.
	status := 0
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}
	var apiErr *openai.APIError
	if status == 0 && errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	if status == 0 {
		return networkError(err)
	}
	return &ProviderError{
		StatusCode: status,
		Body:       hints.body,
		RetryAfter: hints.retryAfter,
		Transient:  isStatusTransient(status),
		Err:        err,
	}
}

func networkError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return err
		}
	}
	return &ProviderError{Transient: true, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
