package feed

import (
	"sync"

	"studybuddy/internal/models"
	"studybuddy/internal/observability"
)

type EventKind string

const (
	// EventInsert carries a newly stored message.
	EventInsert EventKind = "insert"
	// EventResync means deliveries may have been lost and subscribers should re-read.
	EventResync EventKind = "resync"
)

// Event is one change-feed notification.
type Event struct {
	Kind    EventKind
	GroupID string
	Message models.GroupMessage
}

// Handler receives events. It runs on the publisher's goroutine and must not block.
type Handler func(Event)

// Subscription is a live interest in one group's inserts.
type Subscription struct {
	broker  *Broker
	groupID string
	handler Handler
	once    sync.Once
}

// GroupID returns the group the subscription is filtered to.
func (s *Subscription) GroupID() string {
	return s.groupID
}

// Unsubscribe stops delivery. Once it returns no handler call is in flight
// and none will start.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

// Broker fans change-feed events out to per-group subscribers.
type Broker struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{rooms: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers handler for insert events of groupID.
func (b *Broker) Subscribe(groupID string, handler Handler) *Subscription {
	sub := &Subscription{broker: b, groupID: groupID, handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[groupID]; !ok {
		b.rooms[groupID] = make(map[*Subscription]struct{})
	}
	b.rooms[groupID][sub] = struct{}{}
	observability.IncFeedSubscriptions()
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.rooms[sub.groupID]; ok {
		if _, exists := subs[sub]; exists {
			delete(subs, sub)
			observability.DecFeedSubscriptions()
		}
		if len(subs) == 0 {
			delete(b.rooms, sub.groupID)
		}
	}
}

// Publish delivers msg to every subscriber of its group. Handlers run while
// the read lock is held so that Unsubscribe waits for in-flight deliveries.
func (b *Broker) Publish(msg models.GroupMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	observability.IncFeedEvent(string(EventInsert))
	event := Event{Kind: EventInsert, GroupID: msg.GroupID, Message: msg}
	for sub := range b.rooms[msg.GroupID] {
		sub.handler(event)
	}
}

// Resync tells every subscriber that deliveries may have been missed.
func (b *Broker) Resync() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	observability.IncFeedEvent(string(EventResync))
	for groupID, subs := range b.rooms {
		event := Event{Kind: EventResync, GroupID: groupID}
		for sub := range subs {
			sub.handler(event)
		}
	}
}

// Subscribers reports the number of live subscriptions for a group.
func (b *Broker) Subscribers(groupID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[groupID])
}
