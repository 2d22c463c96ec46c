package hashmap

import (
	"log"
	"reflect"

	"github.com/zhangjyr/hashmap"
)

// CornelkMap is a typed facade over the lock-free hashmap. String keys take
// the specialized fast path of the backing map.
type CornelkMap[K any, V any] struct {
	hashmap   *hashmap.HashMap
	stringKey bool
}

func NewCornelkMap[K any, V any](size int) *CornelkMap[K, V] {
	var key K
	return &CornelkMap[K, V]{
		stringKey: reflect.TypeOf(key).Kind() == reflect.String,
		hashmap:   hashmap.New((uintptr)(size)),
	}
}

func (m *CornelkMap[K, V]) Delete(key K) {
	m.hashmap.Del(key)
}

func (m *CornelkMap[K, V]) Load(key K) (ret V, ok bool) {
	v, ok := m.get(key)
	if v != nil {
		ret, ok = v.(V)
		if !ok {
			log.Panicf("CornelkMap.Load: type mismatch %v\n", v)
		}
	}
	return ret, ok
}

func (m *CornelkMap[K, V]) LoadAndDelete(key K) (ret V, exists bool) {
	v, exists := m.get(key)
	if !exists || v == deleted {
		return ret, false
	}

	// Claim the entry with a CAS to the tombstone before deleting, so two
	// concurrent LoadAndDelete calls cannot both report success.
	for !m.hashmap.Cas(key, v, deleted) {
		v, exists = m.get(key)
		if !exists || v == deleted {
			return ret, false
		}
	}

	if v != nil {
		ret = v.(V)
	}
	m.hashmap.Del(key)
	return ret, true
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, value V) (ret V, loaded bool) {
	actual, loaded := m.hashmap.GetOrInsert(key, value)
	if actual != nil {
		ret = actual.(V)
	}
	return ret, loaded
}

// CompareAndSwap replaces oldVal with newVal if the stored value equals
// oldVal. On failure it returns oldVal unchanged, not the current value.
func (m *CornelkMap[K, V]) CompareAndSwap(key K, oldVal V, newVal V) (val V, swapped bool) {
	if m.hashmap.Cas(key, oldVal, newVal) {
		return newVal, true
	}
	return oldVal, false
}

func (m *CornelkMap[K, V]) Range(cb func(K, V) bool) {
	next := true
	for item := range m.hashmap.Iter() {
		if next && item.Value != deleted {
			v, _ := item.Value.(V)
			next = cb(item.Key.(K), v)
		}
		// keep draining the iterator channel even after the callback stops
	}
}

func (m *CornelkMap[K, V]) Store(key K, val V) {
	m.hashmap.Set(key, val)
}

func (m *CornelkMap[K, V]) Len() int {
	return m.hashmap.Len()
}

func (m *CornelkMap[K, V]) get(key K) (interface{}, bool) {
	if m.stringKey {
		return m.hashmap.GetStringKey(any(key).(string))
	}
	return m.hashmap.Get(key)
}
