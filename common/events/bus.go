package events

import (
	"context"
)

// Handler processes one event. Handlers must not retain the event past the
// call; the dispatcher may reuse it.
type Handler func(ctx context.Context, event *ClusterEvent)

// Producer is the emitting half of the event bus.
type Producer interface {
	// Produce appends the event to the shared work stream. Exactly one
	// dispatcher in the consumer group will handle it.
	Produce(ctx context.Context, event *ClusterEvent) error

	// Broadcast publishes the event to every subscribed dispatcher.
	Broadcast(ctx context.Context, event *ClusterEvent) error

	Close() error
}

// Dispatcher is the receiving half of the event bus. Handlers are registered
// before Start; registration after Start is allowed but only takes effect for
// events dispatched afterwards.
type Dispatcher interface {
	// Consume registers a handler for events arriving on the work stream.
	Consume(name EventName, handler Handler)

	// Subscribe registers a handler for broadcast events.
	Subscribe(name EventName, handler Handler)

	// Start begins delivering events until ctx is cancelled.
	Start(ctx context.Context) error

	Close() error
}

// Bus is both halves in one value, the way most components hold it.
type Bus interface {
	Producer
	Dispatcher
}
