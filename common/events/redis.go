package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
)

const (
	// StreamKey is the redis stream carrying work-shared events.
	StreamKey = "events"
	// BroadcastChannel is the redis pub/sub channel carrying broadcast events.
	BroadcastChannel = "events.bcast"

	// readBlock bounds each XREADGROUP call so shutdown is prompt.
	readBlock = 2 * time.Second
	readCount = 16
)

// RedisBus is the production event bus: a consumer-group stream for
// work-shared events plus a pub/sub channel for broadcasts, both on the
// cluster's shared redis.
type RedisBus struct {
	client *redis.Client

	group    string
	consumer string
	sourceId string

	consumeHandlers   hashmap.BaseHashMap[string, []Handler]
	subscribeHandlers hashmap.BaseHashMap[string, []Handler]
	registerMu        sync.Mutex

	// inflight tracks the per-delivery handler goroutines so Close can
	// drain them before tearing the client down.
	inflight sync.WaitGroup

	started bool
	log     logger.Logger
}

// NewRedisBus connects to redis and prepares a bus identified by the consumer
// group (one per component kind, e.g. "gateway") and consumer name (one per
// instance). sourceId stamps produced events.
func NewRedisBus(opts *configuration.CommonOptions, group string, consumer string, sourceId string) *RedisBus {
	bus := &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDatabase,
		}),
		group:             group,
		consumer:          consumer,
		sourceId:          sourceId,
		consumeHandlers:   hashmap.NewCornelkMap[string, []Handler](32),
		subscribeHandlers: hashmap.NewCornelkMap[string, []Handler](32),
	}
	config.InitLogger(&bus.log, bus)
	return bus
}

func (b *RedisBus) Produce(ctx context.Context, event *ClusterEvent) error {
	payload, err := b.encode(event)
	if err != nil {
		return err
	}

	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]interface{}{
			"name":  string(event.Name),
			"event": payload,
		},
	}).Err()
}

func (b *RedisBus) Broadcast(ctx context.Context, event *ClusterEvent) error {
	payload, err := b.encode(event)
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, BroadcastChannel, payload).Err()
}

func (b *RedisBus) Consume(name EventName, handler Handler) {
	b.register(b.consumeHandlers, name, handler)
}

func (b *RedisBus) Subscribe(name EventName, handler Handler) {
	b.register(b.subscribeHandlers, name, handler)
}

func (b *RedisBus) Start(ctx context.Context) error {
	if b.started {
		return nil
	}
	b.started = true

	err := b.client.XGroupCreateMkStream(ctx, StreamKey, b.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}

	go b.readStream(ctx)
	go b.readBroadcasts(ctx)

	b.log.Debug("Event bus started (group: \"%s\", consumer: \"%s\").", b.group, b.consumer)
	return nil
}

func (b *RedisBus) Close() error {
	b.inflight.Wait()
	return b.client.Close()
}

func (b *RedisBus) register(handlers hashmap.BaseHashMap[string, []Handler], name EventName, handler Handler) {
	b.registerMu.Lock()
	defer b.registerMu.Unlock()

	registered, _ := handlers.Load(string(name))
	handlers.Store(string(name), append(registered, handler))
}

func (b *RedisBus) encode(event *ClusterEvent) (string, error) {
	if event.SourceId == "" {
		event.SourceId = b.sourceId
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (b *RedisBus) readStream(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{StreamKey, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()

		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Error("Failed to read from event stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				b.handleStreamMessage(ctx, &message)
			}
		}
	}
}

func (b *RedisBus) handleStreamMessage(ctx context.Context, message *redis.XMessage) {
	raw, ok := message.Values["event"].(string)
	if !ok {
		b.log.Warn("Discarding malformed stream entry %s (no event field).", message.ID)
		b.ack(ctx, message.ID)
		return
	}

	event, err := b.decode(raw)
	if err != nil {
		b.log.Error("Discarding undecodable stream entry %s: %v", message.ID, err)
		b.ack(ctx, message.ID)
		return
	}

	messageId := message.ID
	b.deliver(ctx, b.consumeHandlers, event, func() {
		b.ack(ctx, messageId)
	})
}

func (b *RedisBus) ack(ctx context.Context, messageId string) {
	if err := b.client.XAck(ctx, StreamKey, b.group, messageId).Err(); err != nil && ctx.Err() == nil {
		b.log.Error("Failed to acknowledge stream entry %s: %v", messageId, err)
	}
}

func (b *RedisBus) readBroadcasts(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, BroadcastChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-channel:
			if !ok {
				return
			}

			event, err := b.decode(message.Payload)
			if err != nil {
				b.log.Error("Discarding undecodable broadcast: %v", err)
				continue
			}
			b.deliver(ctx, b.subscribeHandlers, event, nil)
		}
	}
}

func (b *RedisBus) decode(raw string) (*ClusterEvent, error) {
	var event ClusterEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// deliver runs the event's handlers on their own goroutine and then calls
// done (the stream ack, when there is one). The read loops feed both the
// do_* imperatives and the heartbeats, so one slow handler — a kernel
// creation RPC, say — must not stall consumption behind it.
func (b *RedisBus) deliver(ctx context.Context, handlers hashmap.BaseHashMap[string, []Handler],
	event *ClusterEvent, done func()) {

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()

		b.dispatch(ctx, handlers, event)
		if done != nil {
			done()
		}
	}()
}

func (b *RedisBus) dispatch(ctx context.Context, handlers hashmap.BaseHashMap[string, []Handler], event *ClusterEvent) {
	registered, ok := handlers.Load(string(event.Name))
	if !ok || len(registered) == 0 {
		return
	}

	for _, handler := range registered {
		b.invoke(ctx, handler, event)
	}
}

// invoke shields the read loops from handler panics.
func (b *RedisBus) invoke(ctx context.Context, handler Handler, event *ClusterEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Handler for event \"%s\" panicked: %v", event.Name, r)
		}
	}()

	handler(ctx, event)
}
