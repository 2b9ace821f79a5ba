// Package stream defines the pub/sub port the engine publishes workflow
// events through, with in-memory and Redis implementations. Publish is
// durable and groupable; Ephemeral reaches only live subscribers.
package stream

import (
	"context"
	"time"
)

// Event is a delivered message.
type Event struct {
	Topic     string    `json:"topic"`
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter narrows a subscription; nil accepts everything.
type Filter func(Event) bool

// Subscription is a cancellable event iterator.
type Subscription interface {
	Events() <-chan Event
	Cancel()
}

// Stream is the pub/sub port.
type Stream interface {
	// Publish appends a persistent event consumable by the named group.
	Publish(ctx context.Context, topic, groupID string, payload []byte) error
	// Ephemeral delivers to live subscribers only.
	Ephemeral(ctx context.Context, topic, channel string, payload []byte) error
	// Subscribe returns a live iterator over events on topic.
	Subscribe(ctx context.Context, topic string, filter Filter) (Subscription, error)
}
