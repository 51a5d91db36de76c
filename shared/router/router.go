// Package router defines the MessageRouter interface, the single boundary between
// the clip services and the message broker (NATS JetStream).
//
// Services use this interface; none import nats.go directly.
// Swapping the message broker requires only implementing this interface.
package router

import (
	"context"
	"time"
)

// Subjects used by the clip services.
const (
	// SubjectClipStored carries a ClipStoredEvent after every successful upload.
	SubjectClipStored = "clips.stored"
	// SubjectCompact requests a compaction run. Body: optional CompactRequest.
	SubjectCompact = "clips.compact"
	// StreamClips is the JetStream stream holding the clips.* subjects.
	StreamClips = "clips"
)

// Message is a received message from the broker.
type Message struct {
	Subject string
	Data    []byte
	// Reply is set for request-reply patterns (unused by the clip services).
	Reply string
}

// PubOptions controls publish behavior.
type PubOptions struct {
	// DeduplicationID enables exactly-once delivery via the JetStream dedup window.
	DeduplicationID string
	// TTL hints how long the message should be retained. 0 = stream default.
	TTL time.Duration
}

// SubOptions controls subscription behavior.
type SubOptions struct {
	// Durable names the consumer for JetStream durable subscriptions (replay-capable).
	// Empty = ephemeral subscription (core NATS, no persistence, no replay).
	Durable string
	// StartTime requests replay of messages from this time forward (JetStream only).
	StartTime *time.Time
	// AckWait is how long JetStream waits for Ack() before redelivering.
	AckWait time.Duration
}

// MessageRouter is the interface all services use to publish and subscribe.
// Implementations must be goroutine-safe.
type MessageRouter interface {
	// Publish sends a message to a subject.
	Publish(ctx context.Context, subject string, data []byte, opts ...PubOptions) error

	// Subscribe returns a channel of messages matching the subject pattern.
	// The returned channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, subject string, opts ...SubOptions) (<-chan *Message, error)

	// EnsureStream creates or updates a JetStream stream covering subjects.
	EnsureStream(ctx context.Context, name string, subjects []string) error

	// Close cleans up the router's resources.
	Close() error
}

// ClipStoredEvent is published on SubjectClipStored. The front-end bridge turns
// it into a push notification carrying the clip link.
type ClipStoredEvent struct {
	Key        string    `json:"key"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	FrameCount int       `json:"frame_count,omitempty"`
	Source     string    `json:"source"` // "capture" | "merge"
	MergedFrom []string  `json:"merged_from,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}

// CompactRequest is the optional body of a SubjectCompact message.
type CompactRequest struct {
	// ThresholdS overrides the configured gap threshold, in seconds. 0 = default.
	ThresholdS float64 `json:"threshold_s,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}
