package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/metrics"
)

const (
	// StreamName is the name of the conversation events stream.
	StreamName = "CONVERSATION_EVENTS"

	// SubjectPrefix is the prefix for all event subjects.
	SubjectPrefix = "events"

	// StatsSchedule is how often stream gauges are refreshed.
	StatsSchedule = "@every 30s"
)

// StreamManager handles the conversation event stream.
type StreamManager struct {
	client *Client
	logger *logger.Logger
	cron   *cron.Cron
}

var _ store.EventPublisher = (*StreamManager)(nil)

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	return &StreamManager{client: client, logger: log.Named("events")}
}

// EnsureStream ensures the events stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Conversation routing and summary events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(owner, conversationID string, eventType model.EventType) string {
	if conversationID == "" {
		conversationID = "none"
	}
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, store.OwnerToken(owner), conversationID, eventType)
}

// ConversationFilter returns the filter subject for all events of a conversation.
func ConversationFilter(owner, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, store.OwnerToken(owner), conversationID)
}

// PublishEvent publishes an event and records its stream sequence on it.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) error {
	if event.ID == "" {
		event.ID = store.NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(event.Owner, event.ConversationID, event.Type)
	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence
	metrics.ConversationEventsTotal.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// StartStats refreshes the stream gauges on a schedule until StopStats.
func (m *StreamManager) StartStats(ctx context.Context) error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(StatsSchedule, func() { m.collect(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule stream stats: %w", err)
	}
	m.cron.Start()
	m.collect(ctx)
	return nil
}

// StopStats stops the stats schedule and waits for a running refresh.
func (m *StreamManager) StopStats() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

func (m *StreamManager) collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		m.logger.Warn("stream stats unavailable", zap.Error(err))
		return
	}
	info, err := stream.Info(ctx)
	if err != nil {
		m.logger.Warn("stream stats unavailable", zap.Error(err))
		return
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
}
