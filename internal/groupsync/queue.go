package groupsync

import (
	"sync"

	"studybuddy/internal/feed"
)

// eventQueue is an unbounded FIFO between the broker, which must never block,
// and the single worker that handles one subscription's events in order.
type eventQueue struct {
	mu     sync.Mutex
	items  []feed.Event
	closed bool
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

// push is the broker handler for the subscription.
func (q *eventQueue) push(e feed.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

// pop blocks until an event is available. It returns false once the queue is closed.
func (q *eventQueue) pop() (feed.Event, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return feed.Event{}, false
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = feed.Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
