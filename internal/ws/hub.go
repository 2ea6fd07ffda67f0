package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"studybuddy/internal/observability"
)

const (
	wsKind       = "group"
	wsRoutingKey = "ws_events.groups"
)

// Hub tracks open group connections so presence can be reported, members
// who leave can be cut off and lifecycle events published.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]ConnInfo
	byConn  map[string]string
	conns   map[string]*groupConn
	closing bool
	active  sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]ConnInfo),
		byConn: make(map[string]string),
		conns:  make(map[string]*groupConn),
	}
}

// Join places the connection in groupID's room, leaving any room it was in.
func (h *Hub) Join(groupID string, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(info.ConnID)
	if _, ok := h.rooms[groupID]; !ok {
		h.rooms[groupID] = make(map[string]ConnInfo)
	}
	h.rooms[groupID][info.ConnID] = info
	h.byConn[info.ConnID] = groupID
}

// Leave removes the connection from whatever room it is in.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID)
}

func (h *Hub) leaveLocked(connID string) {
	groupID, ok := h.byConn[connID]
	if !ok {
		return
	}
	delete(h.byConn, connID)
	if conns, ok := h.rooms[groupID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, groupID)
		}
	}
}

// EvictUser closes groupID in every session userID has open on it and
// removes those connections from the room. It returns how many were evicted.
func (h *Hub) EvictUser(groupID, userID string) int {
	h.mu.Lock()
	var evicted []*groupConn
	n := 0
	for connID, info := range h.rooms[groupID] {
		if info.UserID != userID {
			continue
		}
		if gc, ok := h.conns[connID]; ok {
			evicted = append(evicted, gc)
		}
		h.leaveLocked(connID)
		n++
	}
	h.mu.Unlock()

	for _, gc := range evicted {
		gc.evict(groupID)
	}
	return n
}

// Shutdown closes every open connection and waits until their sessions are
// torn down or ctx is done. Connections upgraded afterwards are refused.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*groupConn, 0, len(h.conns))
	for _, gc := range h.conns {
		conns = append(conns, gc)
	}
	h.mu.Unlock()

	for _, gc := range conns {
		gc.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) register(gc *groupConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[gc.info.ConnID] = gc
	h.active.Add(1)
	return true
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	_, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if ok {
		h.active.Done()
	}
}

// Online returns the distinct users connected to groupID, sorted.
func (h *Hub) Online(groupID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	users := make([]string, 0, len(h.rooms[groupID]))
	for _, info := range h.rooms[groupID] {
		if _, ok := seen[info.UserID]; ok {
			continue
		}
		seen[info.UserID] = struct{}{}
		users = append(users, info.UserID)
	}
	sort.Strings(users)
	return users
}

// GroupOf returns the room a connection is in.
func (h *Hub) GroupOf(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	groupID, ok := h.byConn[connID]
	return groupID, ok
}

// publishLifecycle records a connection event and publishes it on the bus.
func (h *Hub) publishLifecycle(ctx context.Context, event, groupID string, info ConnInfo, reason string) {
	observability.IncWSEvent(wsKind, event)

	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"resource_id": groupID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Headers:   observability.BuildHeaders(info.RequestID, info.TraceID),
		Payload:   payload,
	})
}
