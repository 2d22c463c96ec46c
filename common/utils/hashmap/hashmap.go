package hashmap

var (
	deleted = &struct{}{}
)

// BaseHashMap is the common surface of the concurrent map implementations in
// this package.
type BaseHashMap[K any, V any] interface {
	Delete(K)
	Load(K) (val V, loaded bool)
	LoadAndDelete(K) (val V, exists bool)
	LoadOrStore(K, V) (val V, loaded bool)

	// Range iterates over the map's key/value pairs; iteration stops when
	// the callback returns false.
	Range(func(K, V) (contd bool))

	Store(K, V)
}

// HashMap additionally exposes a cheap length.
type HashMap[K any, V any] interface {
	BaseHashMap[K, V]
	Len() int
}
