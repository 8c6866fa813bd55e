package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/metrics"
)

const (
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 1.4
	defaultSyncTimeout   = 60 * time.Second
	defaultStreamTimeout = 90 * time.Second
)

// Admission blocks until the endpoint quota admits one more send.
type Admission func(ctx context.Context) (*Reservation, error)

// CompletionRequest is one upstream call.
type CompletionRequest struct {
	Messages   []model.Message
	Model      string
	MaxTokens  int
	TokenField string

	// Admit, when set, is invoked before every send including local retries.
	Admit Admission
}

// Usage is the provider-reported token usage.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is a successful synchronous response.
type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
	Attempts     int
	Latency      time.Duration
}

// transport performs a single attempt against one slot.
type transport interface {
	send(ctx context.Context, slot CredentialSlot, req *CompletionRequest) (*Completion, error)
	open(ctx context.Context, slot CredentialSlot, req *CompletionRequest) (*DeltaStream, error)
}

// Client issues completions against a single slot, retrying transient
// failures locally on that same slot.
type Client struct {
	transports map[Provider]transport

	maxAttempts int
	backoffBase float64
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func() time.Duration
	logger      *logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxAttempts sets the number of sends per slot.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the exponential backoff base in seconds.
func WithBackoffBase(base float64) ClientOption {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
	}
}

// WithTimeouts sets the synchronous request timeout and the stream
// response-header timeout.
func WithTimeouts(sync, stream time.Duration) ClientOption {
	return func(c *Client) {
		c.transports[ProviderAzure] = newOpenAITransport(true, sync, stream)
		c.transports[ProviderOpenAI] = newOpenAITransport(false, sync, stream)
	}
}

// withSleep replaces the backoff sleeper (tests).
func withSleep(sleep func(ctx context.Context, d time.Duration) error, jitter func() time.Duration) ClientOption {
	return func(c *Client) {
		c.sleep = sleep
		c.jitter = jitter
	}
}

// NewClient creates a completion client with the azure, openai and
// anthropic transports.
func NewClient(log *logger.Logger, opts ...ClientOption) *Client {
	c := &Client{
		transports: map[Provider]transport{
			ProviderAzure:     newOpenAITransport(true, defaultSyncTimeout, defaultStreamTimeout),
			ProviderOpenAI:    newOpenAITransport(false, defaultSyncTimeout, defaultStreamTimeout),
			ProviderAnthropic: newAnthropicTransport(),
		},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		sleep:       sleepContext,
		jitter:      func() time.Duration { return time.Duration(rand.Float64() * float64(time.Second)) },
		logger:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// transportFor picks the family's transport. An unset provider means azure,
// as in the registry.
func (c *Client) transportFor(fam *ModelFamily) (transport, error) {
	provider := fam.Provider
	if provider == "" {
		provider = ProviderAzure
	}
	t, ok := c.transports[provider]
	if !ok {
		return nil, fmt.Errorf("family %q: no transport for provider %q: %w", fam.ID, fam.Provider, ErrConfiguration)
	}
	return t, nil
}

// Complete sends the request, retrying 429/503 and network failures up to
// the attempt budget. Any other provider error is returned immediately.
func (c *Client) Complete(ctx context.Context, fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*Completion, error) {
	t, err := c.transportFor(fam)
	if err != nil {
		return nil, err
	}
	deployment := slot.Deployment()

	var last *ProviderError
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var res *Reservation
		if req.Admit != nil {
			if res, err = req.Admit(ctx); err != nil {
				return nil, err
			}
		}
		start := time.Now()
		comp, err := t.send(ctx, slot, req)
		if err == nil {
			if res != nil && comp.Usage.TotalTokens > 0 {
				res.Settle(comp.Usage.TotalTokens)
			}
			comp.Attempts = attempt
			comp.Latency = time.Since(start)
			metrics.LLMRequestsTotal.WithLabelValues(string(fam.ID), deployment, "success").Inc()
			metrics.LLMRequestDuration.WithLabelValues(string(fam.ID), deployment).Observe(comp.Latency.Seconds())
			return comp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var perr *ProviderError
		if !errors.As(err, &perr) {
			return nil, err
		}
		perr.Attempts = attempt
		if !perr.Transient {
			metrics.LLMRequestsTotal.WithLabelValues(string(fam.ID), deployment, "rejected").Inc()
			return nil, perr
		}
		metrics.LLMRequestsTotal.WithLabelValues(string(fam.ID), deployment, "transient").Inc()
		last = perr

		if attempt == c.maxAttempts {
			break
		}
		wait := c.backoff(attempt, perr.RetryAfter)
		c.logger.Warn("transient provider error, retrying same slot",
			zap.String("family", string(fam.ID)),
			zap.String("deployment", deployment),
			zap.Int("attempt", attempt),
			zap.Int("status", perr.StatusCode),
			zap.Duration("backoff", wait),
		)
		metrics.LLMRetriesTotal.WithLabelValues(string(fam.ID)).Inc()
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, last
}

// Stream opens a streaming completion. There is no local retry: partial
// output cannot be replayed without duplication.
func (c *Client) Stream(ctx context.Context, fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*DeltaStream, error) {
	t, err := c.transportFor(fam)
	if err != nil {
		return nil, err
	}
	if req.Admit != nil {
		if _, err := req.Admit(ctx); err != nil {
			return nil, err
		}
	}
	s, err := t.open(ctx, slot, req)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			perr.Attempts = 1
		}
		return nil, err
	}
	s.family = fam.ID
	return s, nil
}

// backoff honours a provider hint, else waits base^attempt seconds, plus jitter.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	wait := retryAfter
	if wait <= 0 {
		wait = time.Duration(math.Pow(c.backoffBase, float64(attempt)) * float64(time.Second))
	}
	return wait + c.jitter()
}
