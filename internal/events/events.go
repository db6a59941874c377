// Package events announces pipeline milestones to downstream consumers over
// a Redis stream.
package events

import (
	"context"
	"time"
)

// Event types published by the pipeline.
const (
	TypeVideoCompleted = "video.completed"
	TypeVideoFailed    = "video.failed"
	TypeStreamArchived = "stream.archived"
)

// Event is one pipeline milestone.
type Event struct {
	Type        string    `json:"type"`
	VideoID     string    `json:"videoId"`
	StreamID    string    `json:"streamId,omitempty"`
	ManifestURL string    `json:"manifestUrl,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers events to interested consumers. Delivery is best effort;
// the pipeline never blocks on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }

func (NoopPublisher) Close() error { return nil }
