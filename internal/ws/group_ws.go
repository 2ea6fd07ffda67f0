package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"studybuddy/internal/ai"
	"studybuddy/internal/apperr"
	"studybuddy/internal/groupsync"
	"studybuddy/internal/identity"
	"studybuddy/internal/middleware"
	"studybuddy/internal/models"
	"studybuddy/internal/observability"
	"studybuddy/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 * 1024
	frameSnapshot  = "snapshot"
	frameError     = "error"
	frameSend      = "send"
	frameEnter     = "enter"
	frameExit      = "exit"
	frameSignOut   = "sign_out"
	closeSignedOut = "signed out"
	closeByServer  = "closed by server"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GroupDirectory resolves a group the user is a member of.
type GroupDirectory interface {
	GetGroup(ctx context.Context, groupID, userID string) (models.Group, error)
}

// inboundFrame is a client command.
type inboundFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// GroupWebSocketHandler serves one sync session per websocket connection.
type GroupWebSocketHandler struct {
	hub       *Hub
	provider  identity.Provider
	groups    GroupDirectory
	store     groupsync.Store
	names     groupsync.Names
	feed      groupsync.Feed
	assistant *ai.Assistant
	audit     *telemetry.AuditEmitter
	log       *zap.Logger
}

func NewGroupWebSocketHandler(hub *Hub, provider identity.Provider, groups GroupDirectory, store groupsync.Store, names groupsync.Names, f groupsync.Feed, assistant *ai.Assistant, audit *telemetry.AuditEmitter, log *zap.Logger) *GroupWebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &GroupWebSocketHandler{
		hub:       hub,
		provider:  provider,
		groups:    groups,
		store:     store,
		names:     names,
		feed:      f,
		assistant: assistant,
		audit:     audit,
		log:       log,
	}
}

// Handle authenticates, checks membership of :group_id, upgrades and starts
// the connection's session in that group.
func (h *GroupWebSocketHandler) Handle(c *gin.Context) {
	groupID := c.Param("group_id")
	if _, err := uuid.Parse(groupID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}

	ctx, span := otel.Tracer("studybuddy/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, ok := middleware.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	auth := identity.NewSession(h.provider)
	user, err := auth.Restore(ctx, token)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
		return
	}

	group, err := h.groups.GetGroup(ctx, groupID, user.ID)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ClientMeta:  observability.ClientMetaFromRequest(c.Request),
		ConnID:      newConnID(),
		UserID:      user.ID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	gc := &groupConn{
		h:    h,
		ws:   conn,
		info: info,
		auth: auth,
		sync: groupsync.NewSession(user, h.store, h.names, h.feed, h.log),
		out:  newOutbox(),
		log:  h.log.With(zap.String("conn_id", info.ConnID), zap.String("user_id", user.ID)),
	}
	if !h.hub.register(gc) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go gc.serve(connCtx, cancel, group)
}

type groupConn struct {
	h    *GroupWebSocketHandler
	ws   *websocket.Conn
	info ConnInfo
	auth *identity.Session
	sync *groupsync.Session
	out  *outbox
	log  *zap.Logger
}

func (gc *groupConn) serve(ctx context.Context, cancel context.CancelFunc, group models.Group) {
	observability.IncWSActive(wsKind)
	gc.h.hub.publishLifecycle(ctx, "ws_connect", group.ID, gc.info, "")

	stopSnapshots := gc.sync.OnChange(gc.onSnapshot)
	stopAuth := gc.auth.OnChange(func(u *models.User) {
		if u == nil {
			gc.out.close()
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gc.writeLoop()
	}()

	gc.enter(ctx, group)
	reason := gc.readLoop(ctx)

	stopAuth()
	stopSnapshots()
	gc.sync.Close()
	groupID, _ := gc.h.hub.GroupOf(gc.info.ConnID)
	gc.h.hub.Leave(gc.info.ConnID)
	gc.out.close()
	wg.Wait()
	gc.ws.Close()
	cancel()

	observability.DecWSActive(wsKind)
	gc.h.hub.publishLifecycle(context.WithoutCancel(ctx), "ws_disconnect", groupID, gc.info, reason)
	gc.h.hub.unregister(gc.info.ConnID)
}

// onSnapshot forwards session changes to the writer. A session that closed
// its group on its own no longer counts as present.
func (gc *groupConn) onSnapshot(s groupsync.Snapshot) {
	if s.State == groupsync.StateIdle && gc.sync.State() == groupsync.StateIdle {
		gc.h.hub.Leave(gc.info.ConnID)
	}
	gc.out.offerSnapshot(s)
}

// evict closes groupID after the user left it elsewhere.
func (gc *groupConn) evict(groupID string) {
	if gc.sync.ExitGroupIf(groupID) {
		gc.sendError(apperr.Unauthorized("you are no longer a member of this group"))
	}
}

// shutdown closes the group and asks the client to close the connection.
func (gc *groupConn) shutdown() {
	gc.sync.ExitGroup()
	gc.out.close()
}

// readLoop handles client frames until the connection ends and returns the
// close reason.
func (gc *groupConn) readLoop(ctx context.Context) string {
	gc.ws.SetReadLimit(maxFrameSize)
	_ = gc.ws.SetReadDeadline(time.Now().Add(pongWait))
	gc.ws.SetPongHandler(func(string) error {
		return gc.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for !gc.out.isClosed() {
		_, data, err := gc.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !gc.out.isClosed() {
				groupID, _ := gc.h.hub.GroupOf(gc.info.ConnID)
				gc.h.hub.publishLifecycle(ctx, "ws_error", groupID, gc.info, err.Error())
			}
			return err.Error()
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			gc.sendError(apperr.Validation("invalid frame"))
			continue
		}
		if done := gc.dispatch(ctx, frame); done {
			return closeSignedOut
		}
	}
	return closeByServer
}

// dispatch runs one client command and reports whether the connection should
// end.
func (gc *groupConn) dispatch(ctx context.Context, frame inboundFrame) bool {
	switch frame.Type {
	case frameSend:
		msg, err := gc.sync.SendMessage(ctx, frame.Text)
		if err != nil {
			gc.sendError(err)
			return false
		}
		gc.h.audit.Emit(ctx, telemetry.LevelInfo, "Group message sent", gc.info.RequestID, &gc.info.UserID)
		gc.h.assistant.ReplyInBackground(ctx, msg.GroupID, msg.Content)
	case frameEnter:
		if _, err := uuid.Parse(frame.GroupID); err != nil {
			gc.sendError(apperr.Validation("invalid group id"))
			return false
		}
		group, err := gc.h.groups.GetGroup(ctx, frame.GroupID, gc.info.UserID)
		if err != nil {
			gc.sendError(err)
			return false
		}
		gc.enter(ctx, group)
	case frameExit:
		gc.sync.ExitGroup()
		gc.h.hub.Leave(gc.info.ConnID)
	case frameSignOut:
		if err := gc.auth.SignOut(ctx); err != nil {
			gc.log.Warn("sign out", zap.Error(err))
		}
		return true
	default:
		gc.sendError(apperr.Validation("unknown frame type"))
	}
	return false
}

func (gc *groupConn) enter(ctx context.Context, group models.Group) {
	err := gc.sync.EnterGroup(ctx, group)
	if active, ok := gc.sync.ActiveGroup(); ok {
		gc.h.hub.Join(active.ID, gc.info)
	} else {
		gc.h.hub.Leave(gc.info.ConnID)
	}
	if err != nil {
		gc.sendError(err)
	}
}

func (gc *groupConn) sendError(err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodePersistence || code == apperr.CodeUnknown {
		gc.log.Error("group session operation failed", zap.Error(err))
	}
	gc.out.offerFrame(models.GroupEvent{Type: frameError, Error: apperr.Message(err), Code: string(code)})
}

func (gc *groupConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var lastVersion uint64
	for {
		select {
		case <-gc.out.wake:
		case <-ticker.C:
			_ = gc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := gc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				gc.ws.Close()
				return
			}
			continue
		}

		snap, frames, closed := gc.out.take()
		if snap != nil && snap.Version > lastVersion {
			lastVersion = snap.Version
			frames = append([]models.GroupEvent{snapshotFrame(*snap)}, frames...)
		}
		for _, f := range frames {
			_ = gc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := gc.ws.WriteJSON(f); err != nil {
				gc.log.Debug("websocket write", zap.Error(err))
				gc.ws.Close()
				return
			}
		}
		if closed {
			_ = gc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = gc.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// bound the wait for the client's close reply
			_ = gc.ws.SetReadDeadline(time.Now().Add(writeWait))
			return
		}
	}
}

func snapshotFrame(s groupsync.Snapshot) models.GroupEvent {
	return models.GroupEvent{
		Type:     frameSnapshot,
		Version:  s.Version,
		State:    string(s.State),
		GroupID:  s.GroupID,
		Messages: s.Messages,
	}
}

// outbox holds frames waiting for the writer. Only the newest snapshot is
// kept; snapshots older than one already queued are dropped.
type outbox struct {
	mu     sync.Mutex
	snap   *groupsync.Snapshot
	frames []models.GroupEvent
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) offerSnapshot(s groupsync.Snapshot) {
	o.mu.Lock()
	if o.closed || (o.snap != nil && o.snap.Version >= s.Version) {
		o.mu.Unlock()
		return
	}
	o.snap = &s
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) offerFrame(f models.GroupEvent) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *outbox) take() (*groupsync.Snapshot, []models.GroupEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap, frames := o.snap, o.frames
	o.snap, o.frames = nil, nil
	return snap, frames, o.closed
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
