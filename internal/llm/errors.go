package llm

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	// ErrConfiguration marks a missing credential or endpoint.
	ErrConfiguration = errors.New("llm configuration error")
	// ErrTransient marks 429/503 and network-level failures.
	ErrTransient = errors.New("transient provider error")
	// ErrPermanent marks any other non-2xx provider response.
	ErrPermanent = errors.New("permanent provider error")
	// ErrExhaustedCapacity is returned once every slot of a family failed.
	ErrExhaustedCapacity = errors.New("exhausted capacity")
	// ErrUnknownFamily is returned for a family id absent from the registry.
	ErrUnknownFamily = errors.New("unknown model family")
	// ErrStreamAborted is surfaced in-band when a stream fails after output started.
	ErrStreamAborted = errors.New("stream aborted")
)

// ConfigurationError reports an unprovisioned slot.
type ConfigurationError struct {
	Family FamilyID
	Slot   int
	Env    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("family %q slot %d: missing %s", e.Family, e.Slot, e.Env)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ProviderError is a failed upstream call.
type ProviderError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
	Transient  bool
	Attempts   int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider request failed: %v", e.Err)
	}
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

func (e *ProviderError) Unwrap() []error {
	kind := ErrPermanent
	if e.Transient {
		kind = ErrTransient
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// ExhaustedCapacityError is returned after every slot of a family exhausted
// its local retry budget.
type ExhaustedCapacityError struct {
	Family   FamilyID
	Attempts int
	Last     error
}

func (e *ExhaustedCapacityError) Error() string {
	return fmt.Sprintf("family %q: all slots failed after %d attempts: %v", e.Family, e.Attempts, e.Last)
}

func (e *ExhaustedCapacityError) Unwrap() []error {
	if e.Last != nil {
		return []error{ErrExhaustedCapacity, e.Last}
	}
	return []error{ErrExhaustedCapacity}
}

// StreamError is delivered by Recv when a stream fails after deltas were produced.
type StreamError struct {
	Family    FamilyID
	Delivered int
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream from %q aborted after %d deltas: %v", e.Family, e.Delivered, e.Err)
}

func (e *StreamError) Unwrap() []error { return []error{ErrStreamAborted, e.Err} }

func isStatusTransient(code int) bool {
	return code == 429 || code == 503
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
