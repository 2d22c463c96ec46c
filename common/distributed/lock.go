package distributed

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// DefaultLeaseTtl is the lease lifetime for etcd-backed locks. A holder that
// stops renewing (crash, partition, long pause) loses the lock after at most
// this long.
const DefaultLeaseTtl = 10 * time.Second

var ErrNotHeld = errors.New("lock is not held")

// Lock is a distributed mutex held for the duration of a leadership term.
type Lock interface {
	// Acquire blocks until the lock is held or ctx is cancelled. The returned
	// channel closes when the lock is lost.
	Acquire(ctx context.Context) (<-chan struct{}, error)

	// Release gives up the lock.
	Release(ctx context.Context) error
}

// EtcdLock implements Lock on an etcd mutex backed by a leased session.
type EtcdLock struct {
	client *clientv3.Client
	name   string
	ttl    time.Duration

	mu      sync.Mutex
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// NewEtcdLock creates a lock contended under the given etcd key prefix. A
// non-positive ttl selects DefaultLeaseTtl.
func NewEtcdLock(client *clientv3.Client, name string, ttl time.Duration) *EtcdLock {
	if ttl <= 0 {
		ttl = DefaultLeaseTtl
	}
	return &EtcdLock{
		client: client,
		name:   name,
		ttl:    ttl,
	}
}

func (l *EtcdLock) Acquire(ctx context.Context) (<-chan struct{}, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(int(l.ttl.Seconds())))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open etcd session for lock \"%s\"", l.name)
	}

	mutex := concurrency.NewMutex(session, l.name)
	if err = mutex.Lock(ctx); err != nil {
		_ = session.Close()
		return nil, errors.Wrapf(err, "failed to acquire lock \"%s\"", l.name)
	}

	l.mu.Lock()
	l.session, l.mutex = session, mutex
	l.mu.Unlock()

	return session.Done(), nil
}

func (l *EtcdLock) Release(ctx context.Context) error {
	l.mu.Lock()
	session, mutex := l.session, l.mutex
	l.session, l.mutex = nil, nil
	l.mu.Unlock()

	if mutex == nil {
		return ErrNotHeld
	}

	unlockErr := mutex.Unlock(ctx)
	closeErr := session.Close()
	if unlockErr != nil {
		return errors.Wrapf(unlockErr, "failed to release lock \"%s\"", l.name)
	}
	return closeErr
}

// LocalLock implements Lock with an in-process semaphore. It gives single-node
// deployments and tests the same leadership semantics without an etcd cluster;
// competing holders must share the one LocalLock instance.
type LocalLock struct {
	sem chan struct{}

	mu   sync.Mutex
	lost chan struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		sem: make(chan struct{}, 1),
	}
}

func (l *LocalLock) Acquire(ctx context.Context) (<-chan struct{}, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	l.lost = make(chan struct{})
	lost := l.lost
	l.mu.Unlock()

	return lost, nil
}

func (l *LocalLock) Release(_ context.Context) error {
	l.mu.Lock()
	lost := l.lost
	l.lost = nil
	l.mu.Unlock()

	if lost == nil {
		return ErrNotHeld
	}

	close(lost)
	<-l.sem
	return nil
}
