package distributed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/events"
)

const (
	acquireRetryDelay = time.Second
	releaseTimeout    = 5 * time.Second
)

// GlobalTimer periodically produces one kind of cluster event from exactly one
// process at a time. Every gateway instance runs a GlobalTimer per event kind;
// the instances compete for a distributed lock, the holder ticks, and the rest
// stand by until the holder's lease lapses.
type GlobalTimer struct {
	name      string
	lock      Lock
	producer  events.Producer
	interval  time.Duration
	makeEvent func() *events.ClusterEvent

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	serving int32
	leading int32

	log logger.Logger
}

// NewGlobalTimer creates a timer named name that, while leading, calls
// makeEvent every interval and hands the result to the producer.
func NewGlobalTimer(name string, lock Lock, producer events.Producer, interval time.Duration,
	makeEvent func() *events.ClusterEvent) *GlobalTimer {

	timer := &GlobalTimer{
		name:      name,
		lock:      lock,
		producer:  producer,
		interval:  interval,
		makeEvent: makeEvent,
	}
	config.InitLogger(&timer.log, timer)

	return timer
}

func (t *GlobalTimer) String() string {
	return fmt.Sprintf("GlobalTimer[%s]", t.name)
}

// IsLeading reports whether this instance currently holds the timer lock.
func (t *GlobalTimer) IsLeading() bool {
	return atomic.LoadInt32(&t.leading) == 1
}

// Start launches the leadership loop and returns immediately. Calling Start
// on a running timer is a no-op.
func (t *GlobalTimer) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&t.serving, 0, 1) {
		return
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.stopped = make(chan struct{})
	go t.run()
}

// Stop ends the leadership loop, releasing the lock if held, and blocks until
// the loop has exited.
func (t *GlobalTimer) Stop() {
	if !atomic.CompareAndSwapInt32(&t.serving, 1, 0) {
		return
	}

	t.cancel()
	<-t.stopped
}

func (t *GlobalTimer) run() {
	defer close(t.stopped)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		lost, err := t.lock.Acquire(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}

			t.log.Error("Failed to acquire timer lock: %v. Retrying in %v.", err, acquireRetryDelay)
			select {
			case <-time.After(acquireRetryDelay):
			case <-t.ctx.Done():
				return
			}
			continue
		}

		t.log.Debug("Acquired leadership. Ticking every %v.", t.interval)
		atomic.StoreInt32(&t.leading, 1)
		shuttingDown := t.tick(lost)
		atomic.StoreInt32(&t.leading, 0)

		if shuttingDown {
			// Hand the lock back promptly instead of waiting out the lease.
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err = t.lock.Release(releaseCtx); err != nil && !errors.Is(err, ErrNotHeld) {
				t.log.Warn("Failed to release timer lock on shutdown: %v", err)
			}
			cancel()
			return
		}

		// Leadership lost involuntarily; the session is gone. Go compete again.
		t.log.Warn("Leadership lost. Standing by to reacquire.")
	}
}

// tick produces events until the context ends (returns true) or leadership is
// lost (returns false).
func (t *GlobalTimer) tick(lost <-chan struct{}) bool {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return true
		case <-lost:
			return false
		case <-ticker.C:
			event := t.makeEvent()
			if err := t.producer.Produce(t.ctx, event); err != nil {
				t.log.Error("Failed to produce \"%s\" tick: %v", event.Name, err)
			}
		}
	}
}
