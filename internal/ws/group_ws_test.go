package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studybuddy/internal/apperr"
	"studybuddy/internal/feed"
	"studybuddy/internal/groupsync"
	"studybuddy/internal/identity"
	"studybuddy/internal/models"
	"studybuddy/internal/telemetry"
)

type stubProvider struct {
	identity.Provider
	mu        sync.Mutex
	signedOut []string
}

func (p *stubProvider) Authenticate(_ context.Context, token string) (models.User, error) {
	switch token {
	case "tok-u1":
		return models.User{ID: "u1", Email: "ana@example.com"}, nil
	case "tok-u2":
		return models.User{ID: "u2", Email: "ben@example.com"}, nil
	}
	return models.User{}, apperr.Unauthenticated("Invalid session. Please log in again.")
}

func (p *stubProvider) SignOut(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signedOut = append(p.signedOut, token)
	return nil
}

// chatStore keeps messages in memory and publishes each insert to the broker.
type chatStore struct {
	mu       sync.Mutex
	broker   *feed.Broker
	members  map[string]map[string]bool
	messages []models.GroupMessage
}

func (s *chatStore) leave(groupID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupID], userID)
}

func (s *chatStore) GetGroup(_ context.Context, groupID, userID string) (models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[groupID]; !ok {
		return models.Group{}, apperr.NotFound("group not found")
	}
	if !s.members[groupID][userID] {
		return models.Group{}, apperr.Unauthorized("you are not a member of this group")
	}
	return models.Group{ID: groupID, Name: "Biology"}, nil
}

func (s *chatStore) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[groupID][userID], nil
}

func (s *chatStore) ListGroupMessages(_ context.Context, groupID string) ([]models.GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GroupMessage
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *chatStore) CreateGroupMessage(_ context.Context, groupID, senderID, content string) (models.GroupMessage, error) {
	s.mu.Lock()
	msg := models.GroupMessage{ID: uuid.NewString(), GroupID: groupID, SenderID: senderID, Content: content, CreatedAt: time.Now()}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.broker.Publish(msg)
	return msg, nil
}

// auditRecorder keeps the text of every audit record published.
type auditRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *auditRecorder) Publish(_ context.Context, _ string, event any) error {
	if env, ok := event.(telemetry.AuditEnvelope); ok {
		r.mu.Lock()
		r.texts = append(r.texts, env.Payload.Text)
		r.mu.Unlock()
	}
	return nil
}

func (r *auditRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type wsFixture struct {
	server   *httptest.Server
	hub      *Hub
	provider *stubProvider
	store    *chatStore
	broker   *feed.Broker
	audit    *auditRecorder
	groupID  string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	groupID := uuid.NewString()
	broker := feed.NewBroker()
	store := &chatStore{
		broker:  broker,
		members: map[string]map[string]bool{groupID: {"u1": true, "u3": true}},
	}
	hub := NewHub()
	provider := &stubProvider{}
	audit := &auditRecorder{}
	emitter := telemetry.NewAuditEmitter(audit, "audit.studybuddy", "studybuddy", "test", nil)
	handler := NewGroupWebSocketHandler(hub, provider, store, store, nil, broker, nil, emitter, nil)

	r := gin.New()
	r.GET("/ws/groups/:group_id", handler.Handle)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &wsFixture{server: server, hub: hub, provider: provider, store: store, broker: broker, audit: audit, groupID: groupID}
}

func (f *wsFixture) url(groupID, token string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/groups/" + groupID + "?access_token=" + token
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(models.GroupEvent) bool) models.GroupEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev models.GroupEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if match(ev) {
			return ev
		}
	}
}

func TestGroupWebSocketSyncsAndSignsOut(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url(f.groupID, "tok-u1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	live := readUntil(t, conn, func(ev models.GroupEvent) bool {
		return ev.Type == frameSnapshot && ev.State == "live"
	})
	assert.Equal(t, f.groupID, live.GroupID)
	assert.Empty(t, live.Messages)
	assert.Eventually(t, func() bool {
		return len(f.hub.Online(f.groupID)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: frameSend, Text: "hello group"}))
	settled := readUntil(t, conn, func(ev models.GroupEvent) bool {
		return ev.Type == frameSnapshot && len(ev.Messages) == 1 && !ev.Messages[0].Pending
	})
	assert.Equal(t, "hello group", settled.Messages[0].Content)
	assert.Equal(t, "ana", settled.Messages[0].SenderDisplayName)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"Group message sent"}, f.audit.recorded())
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: frameSend, Text: "   "}))
	errFrame := readUntil(t, conn, func(ev models.GroupEvent) bool { return ev.Type == frameError })
	assert.Equal(t, string(apperr.CodeValidation), errFrame.Code)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "dance"}))
	errFrame = readUntil(t, conn, func(ev models.GroupEvent) bool { return ev.Type == frameError })
	assert.Equal(t, "unknown frame type", errFrame.Error)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: frameExit}))
	idle := readUntil(t, conn, func(ev models.GroupEvent) bool {
		return ev.Type == frameSnapshot && ev.State == "idle"
	})
	assert.Empty(t, idle.GroupID)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: frameSignOut}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
	}

	assert.Eventually(t, func() bool {
		return len(f.hub.Online(f.groupID)) == 0
	}, time.Second, 10*time.Millisecond)
	f.provider.mu.Lock()
	assert.Equal(t, []string{"tok-u1"}, f.provider.signedOut)
	f.provider.mu.Unlock()
}

func TestLeavingGroupClosesLiveConnection(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url(f.groupID, "tok-u1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, func(ev models.GroupEvent) bool {
		return ev.Type == frameSnapshot && ev.State == "live"
	})
	require.Eventually(t, func() bool { return len(f.hub.Online(f.groupID)) == 1 }, time.Second, 10*time.Millisecond)

	f.store.leave(f.groupID, "u1")
	assert.Equal(t, 1, f.hub.EvictUser(f.groupID, "u1"))

	idle := readUntil(t, conn, func(ev models.GroupEvent) bool {
		return ev.Type == frameSnapshot && ev.State == "idle"
	})
	assert.Empty(t, idle.Messages)
	errFrame := readUntil(t, conn, func(ev models.GroupEvent) bool { return ev.Type == frameError })
	assert.Equal(t, string(apperr.CodeUnauthorized), errFrame.Code)
	assert.Empty(t, f.hub.Online(f.groupID))
	assert.Equal(t, 0, f.broker.Subscribers(f.groupID))

	_, err = f.store.CreateGroupMessage(context.Background(), f.groupID, "u3", "after you left")
	require.NoError(t, err)

	// The next frame answers this send; nothing from the group arrives first.
	require.NoError(t, conn.WriteJSON(inboundFrame{Type: frameSend, Text: "still here?"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var next models.GroupEvent
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, frameError, next.Type)
	assert.Equal(t, string(apperr.CodeValidation), next.Code)
}

func TestHubShutdownClosesConnections(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url(f.groupID, "tok-u1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, func(ev models.GroupEvent) bool {
		return ev.Type == frameSnapshot && ev.State == "live"
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Shutdown(ctx))

	select {
	case err := <-readErr:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not closed")
	}
	assert.Empty(t, f.hub.Online(f.groupID))
	assert.Equal(t, 0, f.broker.Subscribers(f.groupID))

	late, _, err := websocket.DefaultDialer.Dial(f.url(f.groupID, "tok-u1"), nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

func TestGroupWebSocketRejectsBeforeUpgrade(t *testing.T) {
	f := newWSFixture(t)

	tests := []struct {
		name     string
		groupID  string
		token    string
		wantCode int
	}{
		{name: "malformed group id", groupID: "not-a-uuid", token: "tok-u1", wantCode: http.StatusBadRequest},
		{name: "bad token", groupID: f.groupID, token: "nope", wantCode: http.StatusUnauthorized},
		{name: "not a member", groupID: f.groupID, token: "tok-u2", wantCode: http.StatusForbidden},
		{name: "unknown group", groupID: uuid.NewString(), token: "tok-u1", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(f.url(tt.groupID, tt.token), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

func TestOutboxKeepsNewestSnapshot(t *testing.T) {
	o := newOutbox()
	o.offerSnapshot(groupsync.Snapshot{Version: 3})
	o.offerSnapshot(groupsync.Snapshot{Version: 2})
	o.offerFrame(models.GroupEvent{Type: frameError})

	snap, frames, closed := o.take()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(3), snap.Version)
	assert.Len(t, frames, 1)
	assert.False(t, closed)

	o.close()
	o.offerFrame(models.GroupEvent{Type: frameError})
	snap, frames, closed = o.take()
	assert.Nil(t, snap)
	assert.Empty(t, frames)
	assert.True(t, closed)
}
