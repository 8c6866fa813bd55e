package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/metrics"
)

const (
	quotaWindow = 60 * time.Second
	quotaMargin = 50 * time.Millisecond
)

// Limits are per-minute ceilings for one endpoint.
type Limits struct {
	RPM int
	TPM int
}

type quotaEntry struct {
	at      time.Time
	tokens  int
	expired bool
}

type quotaBucket struct {
	entries []*quotaEntry
	tokens  int
}

// purge drops entries that left the trailing window.
func (b *quotaBucket) purge(now time.Time) {
	n := 0
	for _, e := range b.entries {
		if e.at.Add(quotaWindow).After(now) {
			break
		}
		e.expired = true
		b.tokens -= e.tokens
		n++
	}
	if n > 0 {
		b.entries = append(b.entries[:0:0], b.entries[n:]...)
	}
}

// admit records the request when both ceilings allow it, otherwise it
// returns how long to wait until enough entries leave the window.
func (b *quotaBucket) admit(now time.Time, lim Limits, tokens int) (*quotaEntry, time.Duration) {
	// A zero ceiling is unlimited.
	reqOK := lim.RPM <= 0 || len(b.entries)+1 <= lim.RPM
	// An estimate above TPM can only ever fit an empty window.
	tokOK := lim.TPM <= 0 || b.tokens+tokens <= lim.TPM || len(b.entries) == 0
	if reqOK && tokOK {
		e := &quotaEntry{at: now, tokens: tokens}
		b.entries = append(b.entries, e)
		b.tokens += tokens
		return e, 0
	}

	var wait time.Duration
	if !reqOK {
		oldest := b.entries[len(b.entries)-lim.RPM]
		wait = oldest.at.Add(quotaWindow).Sub(now)
	}
	if !tokOK {
		freed := 0
		for _, e := range b.entries {
			freed += e.tokens
			if w := e.at.Add(quotaWindow).Sub(now); w > wait {
				wait = w
			}
			if b.tokens-freed+tokens <= lim.TPM {
				break
			}
		}
	}
	if wait < 0 {
		wait = 0
	}
	return nil, wait
}

// Tracker enforces RPM and TPM ceilings per endpoint over a sliding
// 60-second window. Callers block until admission rather than overshoot.
type Tracker struct {
	mu      sync.Mutex
	buckets map[string]*quotaBucket

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *logger.Logger
}

// NewTracker creates a tracker using the wall clock.
func NewTracker(log *logger.Logger) *Tracker {
	return &Tracker{
		buckets: make(map[string]*quotaBucket),
		now:     time.Now,
		sleep:   sleepContext,
		logger:  log,
	}
}

// Reservation is an admitted request.
type Reservation struct {
	tracker *Tracker
	bucket  *quotaBucket
	entry   *quotaEntry
}

// Settle replaces the pre-flight estimate with the provider-reported usage
// while the request is still inside the window.
func (r *Reservation) Settle(actual int) {
	if r == nil || actual <= 0 {
		return
	}
	r.tracker.mu.Lock()
	defer r.tracker.mu.Unlock()
	if r.entry.expired {
		return
	}
	r.bucket.tokens += actual - r.entry.tokens
	r.entry.tokens = actual
}

// Reserve blocks until the endpoint can accept a request of the estimated
// size, then records it.
func (t *Tracker) Reserve(ctx context.Context, endpoint string, lim Limits, tokens int) (*Reservation, error) {
	for {
		t.mu.Lock()
		b, ok := t.buckets[endpoint]
		if !ok {
			b = &quotaBucket{}
			t.buckets[endpoint] = b
		}
		now := t.now()
		b.purge(now)
		entry, wait := b.admit(now, lim, tokens)
		t.mu.Unlock()

		if entry != nil {
			return &Reservation{tracker: t, bucket: b, entry: entry}, nil
		}

		wait += quotaMargin
		deployment := DeploymentName(endpoint)
		t.logger.Debug("quota wait",
			zap.String("deployment", deployment),
			zap.Duration("wait", wait),
			zap.Int("rpm", lim.RPM),
			zap.Int("tpm", lim.TPM),
		)
		metrics.QuotaWaitSeconds.WithLabelValues(deployment).Observe(wait.Seconds())
		if err := t.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Usage reports the requests and tokens currently inside the endpoint window.
func (t *Tracker) Usage(endpoint string) (requests, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[endpoint]
	if !ok {
		return 0, 0
	}
	b.purge(t.now())
	return len(b.entries), b.tokens
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
