package daemon

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scusemua/distributed-cluster/common/events"
)

const (
	// feedBufferSize is how many events a subscriber may fall behind before
	// it is considered too slow and dropped.
	feedBufferSize = 64

	// feedRateLimit and feedRateBurst bound the outbound event rate per
	// subscriber so one chatty cluster cannot saturate a slow client link.
	feedRateLimit = 100
	feedRateBurst = 200

	// feedWriteTimeout bounds each websocket write.
	feedWriteTimeout = 10 * time.Second
)

// feedEventNames are the broadcast notifications replayed onto the feed.
var feedEventNames = []events.EventName{
	events.AgentStarted, events.AgentTerminated, events.AgentError,
	events.KernelEnqueued, events.KernelPreparing, events.KernelPulling,
	events.KernelCreating, events.KernelStarted, events.KernelCancelled,
	events.KernelTerminating, events.KernelTerminated,
	events.SessionEnqueued, events.SessionScheduled, events.SessionPreparing,
	events.SessionStarted, events.SessionCancelled, events.SessionTerminated,
	events.ExecutionTimeout,
}

// FeedMessage is the wire shape of one event on the websocket feed.
type FeedMessage struct {
	Name string      `json:"name"`
	Args interface{} `json:"args"`
	Ts   int64       `json:"ts"`
}

// EventFeed fans broadcast cluster events out to websocket subscribers.
// Slow subscribers are dropped rather than allowed to back the feed up.
type EventFeed struct {
	bus events.Dispatcher

	mu          sync.Mutex
	subscribers map[int64]chan *events.ClusterEvent
	nextId      int64

	log logger.Logger
}

func NewEventFeed(bus events.Dispatcher) *EventFeed {
	feed := &EventFeed{
		bus:         bus,
		subscribers: make(map[int64]chan *events.ClusterEvent),
	}
	config.InitLogger(&feed.log, feed)
	return feed
}

func (f *EventFeed) String() string {
	return "EventFeed"
}

// Start registers the feed's handler for every broadcast event name.
func (f *EventFeed) Start() {
	for _, name := range feedEventNames {
		f.bus.Subscribe(name, f.fanOut)
	}
}

func (f *EventFeed) fanOut(_ context.Context, event *events.ClusterEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, subscriber := range f.subscribers {
		select {
		case subscriber <- event:
		default:
			// The subscriber stopped draining; cut it loose.
			f.log.Warn("Dropping slow event feed subscriber %d.", id)
			close(subscriber)
			delete(f.subscribers, id)
		}
	}
}

func (f *EventFeed) subscribe() (int64, chan *events.ClusterEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := atomic.AddInt64(&f.nextId, 1)
	subscriber := make(chan *events.ClusterEvent, feedBufferSize)
	f.subscribers[id] = subscriber
	return id, subscriber
}

func (f *EventFeed) unsubscribe(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if subscriber, ok := f.subscribers[id]; ok {
		close(subscriber)
		delete(f.subscribers, id)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects or the feed closes.
func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		f.log.Warn("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event feed closed")

	id, subscriber := f.subscribe()
	defer f.unsubscribe(id)

	limiter := rate.NewLimiter(rate.Limit(feedRateLimit), feedRateBurst)

	for {
		select {
		case <-r.Context().Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-subscriber:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}

			if err := limiter.Wait(r.Context()); err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}

			writeCtx, cancel := context.WithTimeout(r.Context(), feedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, &FeedMessage{
				Name: event.Name.String(),
				Args: event,
				Ts:   event.TimestampUnixMillis,
			})
			cancel()

			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
					websocket.CloseStatus(err) == websocket.StatusGoingAway {
					return
				}
				f.log.Debug("Event feed write failed; dropping subscriber %d: %v", id, err)
				return
			}
		}
	}
}

// Close drops every subscriber.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, subscriber := range f.subscribers {
		close(subscriber)
		delete(f.subscribers, id)
	}
}
