package llm

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/metrics"
)

// EventType names a router state transition.
type EventType string

const (
	EventSelectFamily        EventType = "select-family"
	EventVisionOverride      EventType = "vision-override"
	EventVisionBridge        EventType = "vision-bridge"
	EventSelectCredential    EventType = "select-credential"
	EventSend                EventType = "send"
	EventSuccess             EventType = "success"
	EventPermanentFailure    EventType = "permanent-failure"
	EventLocalRetryExhausted EventType = "local-retry-exhausted"
	EventSlotExhausted       EventType = "slot-exhausted"
	EventStreamAborted       EventType = "stream-aborted"
)

// Event is emitted to the router's observer on every transition.
type Event struct {
	Type       EventType
	Family     FamilyID
	Slot       int
	Deployment string
	Err        error
}

// Observer receives router events. It must not block.
type Observer func(Event)

// Metadata identifies who served a call.
type Metadata struct {
	RequestedFamily FamilyID `json:"requested_family"`
	Family          FamilyID `json:"family"`
	Deployment      string   `json:"deployment"`
	Slot            int      `json:"slot"`
	Attempts        int      `json:"attempts"`
	VisionOverride  bool     `json:"vision_override,omitempty"`
	VisionBridge    bool     `json:"vision_bridge,omitempty"`
	Usage           Usage    `json:"usage"`
}

// Completer is the single-slot client the router drives.
type Completer interface {
	Complete(ctx context.Context, fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, fam *ModelFamily, slot CredentialSlot, req *CompletionRequest) (*DeltaStream, error)
}

// Router selects a family, applies family quirks and fails over across the
// family's credential slots.
type Router struct {
	registry *Registry
	pool     *Pool
	tracker  *Tracker
	client   Completer
	logger   *logger.Logger
	tracer   trace.Tracer
	observer Observer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithObserver registers a transition observer.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) { r.observer = o }
}

// NewRouter wires a router. The pool and tracker are owned by the router
// for its lifetime; sharing them between routers shares their state.
func NewRouter(registry *Registry, pool *Pool, tracker *Tracker, client Completer, log *logger.Logger, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		pool:     pool,
		tracker:  tracker,
		client:   client,
		logger:   log,
		tracer:   otel.Tracer("github.com/klint-ai/klint-gpt/internal/llm"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the family registry.
func (r *Router) Registry() *Registry { return r.registry }

func (r *Router) emit(ev Event) {
	r.logger.Debug("router transition",
		zap.String("event", string(ev.Type)),
		zap.String("family", string(ev.Family)),
		zap.Int("slot", ev.Slot),
		zap.String("deployment", ev.Deployment),
		zap.Error(ev.Err),
	)
	if r.observer != nil {
		r.observer(ev)
	}
}

// Chat performs a synchronous completion.
func (r *Router) Chat(ctx context.Context, msgs []model.Message, requested FamilyID) (string, *Metadata, error) {
	ctx, span := r.tracer.Start(ctx, "llm.Chat", trace.WithAttributes(attribute.String("llm.requested_family", string(requested))))
	defer span.End()

	fam, msgs, meta, err := r.prepare(ctx, msgs, requested)
	if err != nil {
		recordSpanError(span, err)
		return "", nil, err
	}

	comp, err := r.dispatch(ctx, fam, msgs, meta)
	span.SetAttributes(
		attribute.String("llm.family", string(meta.Family)),
		attribute.String("llm.deployment", meta.Deployment),
		attribute.Int("llm.attempts", meta.Attempts),
	)
	if err != nil {
		recordSpanError(span, err)
		return "", meta, err
	}
	return comp.Content, meta, nil
}

// ChatStream opens a streaming completion. Failures before the first delta
// fail over to the next slot; failures after it surface in-band from Recv.
func (r *Router) ChatStream(ctx context.Context, msgs []model.Message, requested FamilyID) (*DeltaStream, *Metadata, error) {
	ctx, span := r.tracer.Start(ctx, "llm.ChatStream", trace.WithAttributes(attribute.String("llm.requested_family", string(requested))))
	defer span.End()

	fam, msgs, meta, err := r.prepare(ctx, msgs, requested)
	if err != nil {
		recordSpanError(span, err)
		return nil, nil, err
	}

	s, err := r.dispatchStream(ctx, fam, msgs, meta)
	span.SetAttributes(
		attribute.String("llm.family", string(meta.Family)),
		attribute.String("llm.deployment", meta.Deployment),
		attribute.Int("llm.attempts", meta.Attempts),
	)
	if err != nil {
		recordSpanError(span, err)
		return nil, meta, err
	}
	return s, meta, nil
}

// prepare resolves the effective family and rewrites the messages for it.
func (r *Router) prepare(ctx context.Context, msgs []model.Message, requested FamilyID) (*ModelFamily, []model.Message, *Metadata, error) {
	fam, err := r.registry.Resolve(requested)
	if err != nil {
		return nil, nil, nil, err
	}
	meta := &Metadata{RequestedFamily: fam.ID, Family: fam.ID}
	r.emit(Event{Type: EventSelectFamily, Family: fam.ID})

	switch {
	case needsVisionOverride(fam, msgs):
		vision := r.registry.Vision()
		r.emit(Event{Type: EventVisionOverride, Family: vision.ID})
		metrics.VisionRoutingTotal.WithLabelValues(string(fam.ID), "override").Inc()
		fam = vision
		meta.Family = vision.ID
		meta.VisionOverride = true
	case model.HasImages(msgs) && !fam.Vision:
		bridged, err := r.bridge(ctx, msgs)
		if err != nil {
			return nil, nil, meta, err
		}
		msgs = bridged
		meta.VisionBridge = true
		r.emit(Event{Type: EventVisionBridge, Family: fam.ID})
		metrics.VisionRoutingTotal.WithLabelValues(string(fam.ID), "bridge").Inc()
	}

	if fam.MergeSystemIntoUser {
		msgs = MergeSystem(msgs)
	}
	return fam, msgs, meta, nil
}

// EffectiveFamily reports which family serves msgs when requested is asked
// for. It differs from requested only under the vision override.
func (r *Router) EffectiveFamily(msgs []model.Message, requested FamilyID) (FamilyID, error) {
	fam, err := r.registry.Resolve(requested)
	if err != nil {
		return "", err
	}
	if needsVisionOverride(fam, msgs) {
		return r.registry.Vision().ID, nil
	}
	return fam.ID, nil
}

// needsVisionOverride is true for image content sent to a family that can
// neither read images nor bridge them through a description.
func needsVisionOverride(fam *ModelFamily, msgs []model.Message) bool {
	return model.HasImages(msgs) && !fam.Vision && !fam.VisionBridge
}

// request builds one upstream call. The quota reservation is the prompt
// estimate; Client.Complete settles it against reported usage.
func (r *Router) request(fam *ModelFamily, slot CredentialSlot, msgs []model.Message) *CompletionRequest {
	name := fam.Model
	if name == "" {
		name = slot.Deployment()
	}
	estimate := EstimateMessages(msgs)
	return &CompletionRequest{
		Messages:   msgs,
		Model:      name,
		MaxTokens:  fam.MaxTokens,
		TokenField: fam.TokenField,
		Admit: func(ctx context.Context) (*Reservation, error) {
			return r.tracker.Reserve(ctx, slot.Endpoint, fam.Limits(), estimate)
		},
	}
}

// dispatch runs SELECT_CREDENTIAL → RATE_LIMIT_WAIT → SEND once per slot.
func (r *Router) dispatch(ctx context.Context, fam *ModelFamily, msgs []model.Message, meta *Metadata) (*Completion, error) {
	var last error
	for tried := 0; tried < len(fam.Slots); tried++ {
		slot, idx, err := r.pool.Current(fam.ID)
		if err != nil {
			return nil, err
		}
		deployment := slot.Deployment()
		meta.Slot, meta.Deployment = idx, deployment
		r.emit(Event{Type: EventSelectCredential, Family: fam.ID, Slot: idx, Deployment: deployment})

		r.emit(Event{Type: EventSend, Family: fam.ID, Slot: idx, Deployment: deployment})
		comp, err := r.client.Complete(ctx, fam, slot, r.request(fam, slot, msgs))
		if err == nil {
			meta.Attempts += comp.Attempts
			meta.Usage = comp.Usage
			r.emit(Event{Type: EventSuccess, Family: fam.ID, Slot: idx, Deployment: deployment})
			metrics.LLMTokensTotal.WithLabelValues(string(fam.ID), "in").Add(float64(comp.Usage.PromptTokens))
			metrics.LLMTokensTotal.WithLabelValues(string(fam.ID), "out").Add(float64(comp.Usage.CompletionTokens))
			return comp, nil
		}

		var perr *ProviderError
		if errors.As(err, &perr) {
			meta.Attempts += perr.Attempts
		}
		if !errors.Is(err, ErrTransient) {
			if perr != nil {
				r.emit(Event{Type: EventPermanentFailure, Family: fam.ID, Slot: idx, Deployment: deployment, Err: err})
			}
			return nil, err
		}

		last = err
		r.emit(Event{Type: EventLocalRetryExhausted, Family: fam.ID, Slot: idx, Deployment: deployment, Err: err})
		r.rotate(fam.ID, "local-retry-exhausted", idx, deployment)
	}
	return nil, r.exhausted(fam, meta, last)
}

func (r *Router) dispatchStream(ctx context.Context, fam *ModelFamily, msgs []model.Message, meta *Metadata) (*DeltaStream, error) {
	var last error
	for tried := 0; tried < len(fam.Slots); tried++ {
		slot, idx, err := r.pool.Current(fam.ID)
		if err != nil {
			return nil, err
		}
		deployment := slot.Deployment()
		meta.Slot, meta.Deployment = idx, deployment
		r.emit(Event{Type: EventSelectCredential, Family: fam.ID, Slot: idx, Deployment: deployment})

		r.emit(Event{Type: EventSend, Family: fam.ID, Slot: idx, Deployment: deployment})
		meta.Attempts++
		s, err := r.client.Stream(ctx, fam, slot, r.request(fam, slot, msgs))
		if err == nil {
			// Peek so a slot that fails before producing output can still
			// be replaced without the caller seeing anything.
			var first string
			first, err = s.Recv()
			switch {
			case err == nil:
				s.unread(first)
			case errors.Is(err, io.EOF):
				err = nil
			}
			if err == nil {
				famID := fam.ID
				s.onFail = func(cause error) {
					r.emit(Event{Type: EventStreamAborted, Family: famID, Slot: idx, Deployment: deployment, Err: cause})
					r.rotate(famID, "stream-aborted", idx, deployment)
				}
				r.emit(Event{Type: EventSuccess, Family: fam.ID, Slot: idx, Deployment: deployment})
				return s, nil
			}
			s.Close()
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var perr *ProviderError
		if errors.As(err, &perr) && !perr.Transient {
			r.emit(Event{Type: EventPermanentFailure, Family: fam.ID, Slot: idx, Deployment: deployment, Err: err})
			return nil, err
		}
		if errors.Is(err, ErrConfiguration) {
			return nil, err
		}

		last = err
		r.emit(Event{Type: EventLocalRetryExhausted, Family: fam.ID, Slot: idx, Deployment: deployment, Err: err})
		r.rotate(fam.ID, "stream-open-failed", idx, deployment)
	}
	return nil, r.exhausted(fam, meta, last)
}

func (r *Router) rotate(id FamilyID, reason string, slot int, deployment string) {
	r.pool.Advance(id)
	metrics.LLMRotationsTotal.WithLabelValues(string(id), reason).Inc()
	r.logger.Warn("rotating credential slot",
		zap.String("family", string(id)),
		zap.String("reason", reason),
		zap.Int("slot", slot),
		zap.String("deployment", deployment),
		zap.Int("next_slot", r.pool.Pointer(id)),
	)
}

func (r *Router) exhausted(fam *ModelFamily, meta *Metadata, last error) error {
	r.emit(Event{Type: EventSlotExhausted, Family: fam.ID, Err: last})
	metrics.LLMExhaustedTotal.WithLabelValues(string(fam.ID)).Inc()
	r.logger.Warn("exhausted capacity",
		zap.String("family", string(fam.ID)),
		zap.Int("slots", len(fam.Slots)),
		zap.Int("attempts", meta.Attempts),
		zap.Error(last),
	)
	return &ExhaustedCapacityError{Family: fam.ID, Attempts: meta.Attempts, Last: last}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
