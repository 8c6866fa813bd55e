package llm

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/klint-ai/klint-gpt/internal/model"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// anthropicTransport drives the Messages API. SDK retries are disabled so
// the Client's retry budget is the only one in effect.
type anthropicTransport struct {
	mu      sync.Mutex
	clients map[CredentialSlot]*anthropic.Client
}

func newAnthropicTransport() *anthropicTransport {
	return &anthropicTransport{clients: make(map[CredentialSlot]*anthropic.Client)}
}

func (t *anthropicTransport) client(slot CredentialSlot) *anthropic.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[slot]; ok {
		return c
	}
	opts := []option.RequestOption{
		option.WithAPIKey(slot.APIKey),
		option.WithMaxRetries(0),
	}
	if slot.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(slot.Endpoint))
	}
	c := anthropic.NewClient(opts...)
	t.clients[slot] = c
	return c
}

func anthropicParams(req *CompletionRequest) anthropic.MessageNewParams {
	name := req.Model
	if name == "" {
		name = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := msg.Role
		if role == model.RoleSystem {
			role = model.RoleUser
		}
		messages = append(messages, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Text()),
				},
			}),
		})
	}

	return anthropic.MessageNewParams{
		Model:     anthropic.F(name),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
}

func (t *anthropicTransport) send(ctx context.Context, slot CredentialSlot, req *CompletionRequest) (*Completion, error) {
	resp, err := t.client(slot).Messages.New(ctx, anthropicParams(req))
	if err != nil {
		return nil, anthropicError(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content += block.Text
		}
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &Completion{
		Content:      content,
		Model:        resp.Model,
		FinishReason: string(resp.StopReason),
		Usage:        Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func (t *anthropicTransport) open(ctx context.Context, slot CredentialSlot, req *CompletionRequest) (*DeltaStream, error) {
	stream := t.client(slot).Messages.NewStreaming(ctx, anthropicParams(req))

	next := func() (string, error) {
		for stream.Next() {
			event := stream.Current()
			if event.Type == anthropic.MessageStreamEventTypeContentBlockDelta && event.Delta.Type == "text_delta" {
				if event.Delta.Text != "" {
					return event.Delta.Text, nil
				}
			}
		}
		if err := stream.Err(); err != nil {
			return "", anthropicError(err)
		}
		return "", io.EOF
	}
	return newDeltaStream(ctx, next, stream.Close), nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := &ProviderError{
			StatusCode: apiErr.StatusCode,
			Body:       apiErr.Error(),
			Transient:  isStatusTransient(apiErr.StatusCode) || apiErr.StatusCode == 529,
			Err:        err,
		}
		if apiErr.Response != nil {
			perr.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return perr
	}
	return networkError(err)
}
