package configuration

import (
	"context"
	"strings"
	"sync"
)

// KeyValueEventType distinguishes the two kinds of watch notifications.
type KeyValueEventType int

const (
	KeyValuePut KeyValueEventType = iota
	KeyValueDelete
)

func (t KeyValueEventType) String() string {
	if t == KeyValueDelete {
		return "DELETE"
	}
	return "PUT"
}

// KeyValueEvent is a single change observed on a watched prefix.
type KeyValueEvent struct {
	Type  KeyValueEventType
	Key   string
	Value string
}

// KeyValueStore is the shared-configuration backend used by the gateway and the
// agents. The production implementation is backed by etcd; tests use the
// in-memory implementation below.
type KeyValueStore interface {
	// Get returns the value stored at key, and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// GetPrefix returns all key/value pairs whose key starts with prefix.
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Put stores value at key, overwriting any previous value.
	Put(ctx context.Context, key string, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Watch emits an event for every change under prefix until ctx is
	// cancelled. The returned channel is closed when the watch ends.
	Watch(ctx context.Context, prefix string) <-chan KeyValueEvent

	Close() error
}

type memoryWatcher struct {
	prefix string
	ch     chan KeyValueEvent
	ctx    context.Context
}

// MemoryStore is an in-process KeyValueStore used by unit tests and by
// local-mode deployments that run without etcd.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers []*memoryWatcher
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	return value, ok, nil
}

func (s *MemoryStore) GetPrefix(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			out[key] = value
		}
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value string) error {
	s.mu.Lock()
	s.data[key] = value
	watchers := s.liveWatchers()
	s.mu.Unlock()

	s.notify(watchers, KeyValueEvent{Type: KeyValuePut, Key: key, Value: value})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	watchers := s.liveWatchers()
	s.mu.Unlock()

	if existed {
		s.notify(watchers, KeyValueEvent{Type: KeyValueDelete, Key: key})
	}
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string) <-chan KeyValueEvent {
	watcher := &memoryWatcher{
		prefix: prefix,
		ch:     make(chan KeyValueEvent, 64),
		ctx:    ctx,
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, watcher)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == watcher {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(watcher.ch)
	}()

	return watcher.ch
}

func (s *MemoryStore) Close() error {
	return nil
}

// liveWatchers must be called with the lock held.
func (s *MemoryStore) liveWatchers() []*memoryWatcher {
	watchers := make([]*memoryWatcher, len(s.watchers))
	copy(watchers, s.watchers)
	return watchers
}

func (s *MemoryStore) notify(watchers []*memoryWatcher, event KeyValueEvent) {
	for _, watcher := range watchers {
		if !strings.HasPrefix(event.Key, watcher.prefix) {
			continue
		}

		select {
		case watcher.ch <- event:
		default:
			// A watcher that has stopped draining loses events rather
			// than blocking every other consumer.
		}
	}
}
