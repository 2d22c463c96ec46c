package hashmap

import "sync"

// SyncMap adds typing and Len tracking on top of sync.Map.
type SyncMap[K any, V any] struct {
	sync.Map
	len int32
	mu  sync.Mutex
}

func NewSyncMap[K any, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{}
}

func (m *SyncMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Map.LoadAndDelete(key); exists {
		m.len--
	}
}

func (m *SyncMap[K, V]) Load(key K) (ret V, ok bool) {
	v, ok := m.Map.Load(key)
	if ok {
		ret = v.(V)
	}
	return ret, ok
}

func (m *SyncMap[K, V]) LoadAndDelete(key K) (ret V, loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, loaded := m.Map.LoadAndDelete(key)
	if loaded {
		ret = v.(V)
		m.len--
	}
	return ret, loaded
}

func (m *SyncMap[K, V]) LoadOrStore(key K, val V) (ret V, loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, loaded := m.Map.LoadOrStore(key, val)
	if v != nil {
		ret = v.(V)
	}
	if !loaded {
		m.len++
	}
	return ret, loaded
}

func (m *SyncMap[K, V]) Range(cb func(K, V) bool) {
	m.Map.Range(func(k, v interface{}) bool {
		return cb(k.(K), v.(V))
	})
}

func (m *SyncMap[K, V]) Store(key K, val V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Map.LoadOrStore(key, val); exists {
		m.Map.Store(key, val)
	} else {
		m.len++
	}
}

func (m *SyncMap[K, V]) Len() int {
	return int(m.len)
}
