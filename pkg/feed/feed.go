// Package feed publishes change events from the workflow core to
// external consumers such as a search indexer.
//
// Publishing is best effort: the core never blocks or fails an
// operation because a feed publish failed. Consumers that need a
// complete view should combine the feed with a periodic full scan.
package feed

import (
	"context"
	"time"
)

// EventType identifies the kind of change event.
type EventType string

const (
	// EventTemplatePublished fires when a new template version is
	// published.
	EventTemplatePublished EventType = "template.published"

	// EventExecutionStatus fires when an execution's status changes,
	// including the transition into RUNNING and each terminal status.
	EventExecutionStatus EventType = "execution.status"
)

// Event is one change feed record.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	TemplateID      string `json:"template_id,omitempty"`
	TemplateVersion int    `json:"template_version,omitempty"`
	TemplateName    string `json:"template_name,omitempty"`

	InstanceID  string `json:"instance_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Feed is the publish side of the change feed.
type Feed interface {
	Publish(ctx context.Context, ev Event) error
}

// NopFeed discards all events. Used when no feed is configured.
type NopFeed struct{}

func (NopFeed) Publish(ctx context.Context, ev Event) error { return nil }

// ChannelFeed delivers events to an in-process channel. Useful for
// tests and for embedding consumers in the same process. If the channel
// is full the event is dropped, keeping Publish non-blocking.
type ChannelFeed struct {
	ch chan Event
}

// NewChannelFeed creates a ChannelFeed with the given buffer size.
func NewChannelFeed(buffer int) *ChannelFeed {
	if buffer < 1 {
		buffer = 64
	}
	return &ChannelFeed{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the feed.
func (f *ChannelFeed) Events() <-chan Event { return f.ch }

func (f *ChannelFeed) Publish(ctx context.Context, ev Event) error {
	select {
	case f.ch <- ev:
	default:
	}
	return nil
}
