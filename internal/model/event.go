package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeError     EventType = "error"
	EventTypeRateLimit EventType = "rate_limit"
	EventTypeCapacity  EventType = "capacity_exhausted"
	EventTypeSummary   EventType = "summary"
	EventTypeAborted   EventType = "stream_aborted"
)

// ConversationEvent represents an event in a conversation.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Owner          string         `json:"owner"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}
