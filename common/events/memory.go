package events

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
)

// MemoryBus is an in-process Bus used by unit tests and local-mode
// deployments. Events are delivered synchronously on the producing
// goroutine, so handler side effects are visible as soon as Produce or
// Broadcast returns. Handlers must not block on the bus itself.
type MemoryBus struct {
	consumeHandlers   hashmap.BaseHashMap[string, []Handler]
	subscribeHandlers hashmap.BaseHashMap[string, []Handler]
	registerMu        sync.Mutex

	sourceId string
	closed   bool
	mu       sync.RWMutex

	log logger.Logger
}

func NewMemoryBus(sourceId string) *MemoryBus {
	bus := &MemoryBus{
		sourceId:          sourceId,
		consumeHandlers:   hashmap.NewCornelkMap[string, []Handler](32),
		subscribeHandlers: hashmap.NewCornelkMap[string, []Handler](32),
	}
	config.InitLogger(&bus.log, bus)
	return bus
}

func (b *MemoryBus) Produce(ctx context.Context, event *ClusterEvent) error {
	return b.deliver(ctx, b.consumeHandlers, event)
}

func (b *MemoryBus) Broadcast(ctx context.Context, event *ClusterEvent) error {
	return b.deliver(ctx, b.subscribeHandlers, event)
}

func (b *MemoryBus) Consume(name EventName, handler Handler) {
	b.register(b.consumeHandlers, name, handler)
}

func (b *MemoryBus) Subscribe(name EventName, handler Handler) {
	b.register(b.subscribeHandlers, name, handler)
}

func (b *MemoryBus) Start(_ context.Context) error {
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBus) register(handlers hashmap.BaseHashMap[string, []Handler], name EventName, handler Handler) {
	b.registerMu.Lock()
	defer b.registerMu.Unlock()

	registered, _ := handlers.Load(string(name))
	handlers.Store(string(name), append(registered, handler))
}

func (b *MemoryBus) deliver(ctx context.Context, handlers hashmap.BaseHashMap[string, []Handler], event *ClusterEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	b.mu.RUnlock()

	if event.SourceId == "" {
		event.SourceId = b.sourceId
	}

	registered, ok := handlers.Load(string(event.Name))
	if !ok {
		return nil
	}

	for _, handler := range registered {
		b.invoke(ctx, handler, event)
	}
	return nil
}

func (b *MemoryBus) invoke(ctx context.Context, handler Handler, event *ClusterEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Handler for event \"%s\" panicked: %v", event.Name, r)
		}
	}()

	handler(ctx, event)
}
