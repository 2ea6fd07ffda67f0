// Package groupsync keeps a client's local view of one group's message log in
// step with the stored log and the live change feed.
package groupsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studybuddy/internal/apperr"
	"studybuddy/internal/feed"
	"studybuddy/internal/models"
	"studybuddy/internal/observability"
	"studybuddy/internal/repositories"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateLive    State = "live"
)

const fallbackDisplayName = "Member"

// Store is the slice of the relational store a session needs.
type Store interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	ListGroupMessages(ctx context.Context, groupID string) ([]models.GroupMessage, error)
	CreateGroupMessage(ctx context.Context, groupID, senderID, content string) (models.GroupMessage, error)
}

// RepoStore adapts the group and message repositories to Store.
type RepoStore struct {
	repositories.GroupRepository
	repositories.GroupMessageRepository
}

// Names resolves sender ids to display names.
type Names interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Feed is the change-feed channel.
type Feed interface {
	Subscribe(groupID string, handler feed.Handler) *feed.Subscription
}

// Snapshot is an immutable copy of the session state. Version increases
// monotonically so consumers can discard snapshots that arrive out of order.
type Snapshot struct {
	Version  uint64
	State    State
	GroupID  string
	Messages []models.LocalMessage
}

// Session is one user's synchronised view of the group they have open.
type Session struct {
	user     models.User
	selfName string
	store    Store
	names    Names
	feed     Feed
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	group   models.Group
	view    []models.LocalMessage
	gen     uint64
	version uint64
	sub     *feed.Subscription
	queue   *eventQueue
	cancel  context.CancelFunc

	nameMu    sync.Mutex
	nameCache map[string]string

	listenerMu   sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int
}

// NewSession creates an idle session for user. names may be nil, in which
// case other members are shown under a generic name.
func NewSession(user models.User, store Store, names Names, f Feed, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		user:      user,
		selfName:  models.DisplayNameFromEmail(user.Email),
		store:     store,
		names:     names,
		feed:      f,
		log:       log.With(zap.String("user_id", user.ID)),
		now:       time.Now,
		state:     StateIdle,
		nameCache: make(map[string]string),
		listeners: make(map[int]func(Snapshot)),
	}
}

// User returns the user the session acts for.
func (s *Session) User() models.User {
	return s.user
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveGroup returns the open group, if any.
func (s *Session) ActiveGroup() (models.Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group, s.state != StateIdle
}

// View returns a copy of the local message view.
func (s *Session) View() []models.LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneView(s.view)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Version: s.version, State: s.state, GroupID: s.group.ID, Messages: cloneView(s.view)}
}

// OnChange registers fn for every state or view change and returns a func
// that removes it. fn is called without the session lock held.
func (s *Session) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

// EnterGroup makes group the active group. Membership is checked before
// anything changes. The feed subscription is attached before the history is
// read and its events are held until the history is in place, so nothing
// inserted in between is lost.
func (s *Session) EnterGroup(ctx context.Context, group models.Group) error {
	member, err := s.store.IsMember(ctx, group.ID, s.user.ID)
	if err != nil {
		return apperr.Persistence("could not verify group membership", err)
	}
	if !member {
		return apperr.Unauthorized("you are not a member of this group")
	}

	s.detach()

	q := newEventQueue()
	workerCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateLoading
	s.group = group
	s.view = nil
	s.queue = q
	s.cancel = cancel
	loading := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(loading)

	sub := s.feed.Subscribe(group.ID, q.push)

	s.mu.Lock()
	if s.gen != gen {
		// exited or re-entered while subscribing
		s.mu.Unlock()
		sub.Unsubscribe()
		q.close()
		cancel()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	history, fetchErr := s.fetch(ctx, group.ID)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	if fetchErr == nil {
		s.view = history
	}
	s.state = StateLive
	live := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(live)

	go s.run(workerCtx, gen, group.ID, q)

	if fetchErr != nil {
		s.log.Warn("initial history load failed", zap.String("group_id", group.ID), zap.Error(fetchErr))
		return apperr.Persistence("could not load messages", fetchErr)
	}
	return nil
}

// ExitGroup releases the active group's subscription. It is safe to call
// on an idle session.
func (s *Session) ExitGroup() {
	if s.detach() {
		s.mu.Lock()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.emit(snap)
	}
}

// ExitGroupIf exits only while groupID is the active group and reports
// whether it did.
func (s *Session) ExitGroupIf(groupID string) bool {
	s.mu.Lock()
	if s.state == StateIdle || s.group.ID != groupID {
		s.mu.Unlock()
		return false
	}
	_, release := s.detachLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	release()
	s.emit(snap)
	return true
}

// Close tears the session down and drops every listener.
func (s *Session) Close() {
	s.detach()
	s.listenerMu.Lock()
	s.listeners = make(map[int]func(Snapshot))
	s.listenerMu.Unlock()
}

// SendMessage stores text in the active group and only then appends it to
// the local view under a temporary id.
func (s *Session) SendMessage(ctx context.Context, text string) (models.GroupMessage, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return models.GroupMessage{}, apperr.Validation("message cannot be empty")
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return models.GroupMessage{}, apperr.Validation("no group is open")
	}
	group := s.group
	gen := s.gen
	s.mu.Unlock()

	msg, err := s.store.CreateGroupMessage(ctx, group.ID, s.user.ID, content)
	if err != nil {
		if errors.Is(err, repositories.ErrNotMember) {
			return models.GroupMessage{}, apperr.Unauthorized("you are not a member of this group")
		}
		return models.GroupMessage{}, apperr.Persistence("could not send message", err)
	}
	observability.IncMessageSent()

	s.mu.Lock()
	if s.gen != gen || s.hasDurableLocked(msg.ID) {
		s.mu.Unlock()
		return msg, nil
	}
	s.view = append(s.view, models.LocalMessage{
		ID:                uuid.NewString(),
		DurableID:         msg.ID,
		SenderID:          s.user.ID,
		SenderDisplayName: s.selfName,
		Content:           msg.Content,
		Timestamp:         s.now(),
		Pending:           true,
	})
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
	return msg, nil
}

func (s *Session) run(ctx context.Context, gen uint64, groupID string, q *eventQueue) {
	for {
		e, ok := q.pop()
		if !ok {
			return
		}
		s.handle(ctx, gen, groupID, e)
	}
}

func (s *Session) handle(ctx context.Context, gen uint64, groupID string, e feed.Event) {
	if e.GroupID != groupID || !s.current(gen) {
		return
	}

	switch e.Kind {
	case feed.EventResync:
		s.refresh(ctx, gen, groupID, "resync")
	case feed.EventInsert:
		if !e.Message.IsAI && e.Message.SenderID == s.user.ID {
			s.refresh(ctx, gen, groupID, "self")
			return
		}
		if !s.stillMember(ctx, gen, groupID) {
			return
		}
		entries := s.toLocal(ctx, []models.GroupMessage{e.Message})

		s.mu.Lock()
		if s.gen != gen || s.hasDurableLocked(e.Message.ID) {
			s.mu.Unlock()
			return
		}
		for _, m := range entries {
			s.view = insertOrdered(s.view, m)
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.emit(snap)
	}
}

// refresh replaces the view with the stored history. Optimistic entries whose
// message is not in the fetched history yet are kept at the end.
func (s *Session) refresh(ctx context.Context, gen uint64, groupID, reason string) {
	observability.IncSyncRefresh(reason)

	if !s.stillMember(ctx, gen, groupID) {
		return
	}
	history, err := s.fetch(ctx, groupID)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("message refresh failed", zap.String("group_id", groupID), zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	stored := make(map[string]struct{}, len(history))
	for _, m := range history {
		stored[m.DurableID] = struct{}{}
	}
	for _, m := range s.view {
		if !m.Pending {
			continue
		}
		if _, ok := stored[m.DurableID]; !ok {
			history = append(history, m)
		}
	}
	s.view = history
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
}

// stillMember re-checks membership before group content is shown. A user
// who has left is taken out of the group. Lookup failures keep the session.
func (s *Session) stillMember(ctx context.Context, gen uint64, groupID string) bool {
	member, err := s.store.IsMember(ctx, groupID, s.user.ID)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("membership check failed", zap.String("group_id", groupID), zap.Error(err))
		}
		return true
	}
	if member {
		return true
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	_, release := s.detachLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	release()
	s.emit(snap)
	s.log.Info("membership revoked, group closed", zap.String("group_id", groupID))
	return false
}

func (s *Session) fetch(ctx context.Context, groupID string) ([]models.LocalMessage, error) {
	msgs, err := s.store.ListGroupMessages(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.toLocal(ctx, msgs), nil
}

func (s *Session) toLocal(ctx context.Context, msgs []models.GroupMessage) []models.LocalMessage {
	names := s.resolveNames(ctx, msgs)
	out := make([]models.LocalMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.LocalMessage{
			ID:                m.ID,
			DurableID:         m.ID,
			SenderID:          m.SenderID,
			SenderDisplayName: names[m.ID],
			Content:           m.Content,
			Timestamp:         m.CreatedAt,
			Seq:               m.Seq,
			IsAI:              m.IsAI,
		})
	}
	return out
}

// resolveNames returns display names keyed by message id.
func (s *Session) resolveNames(ctx context.Context, msgs []models.GroupMessage) map[string]string {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()

	var missing []string
	seen := make(map[string]struct{})
	for _, m := range msgs {
		if m.IsAI || m.SenderID == "" || m.SenderID == s.user.ID {
			continue
		}
		if _, ok := s.nameCache[m.SenderID]; ok {
			continue
		}
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		missing = append(missing, m.SenderID)
	}

	if len(missing) > 0 && s.names != nil {
		resolved, err := s.names.DisplayNames(ctx, missing)
		if err != nil {
			s.log.Warn("display name lookup failed", zap.Error(err))
		} else {
			for id, name := range resolved {
				s.nameCache[id] = name
			}
		}
	}

	out := make(map[string]string, len(msgs))
	for _, m := range msgs {
		switch {
		case m.IsAI:
			out[m.ID] = models.AssistantDisplayName
		case m.SenderID == s.user.ID:
			out[m.ID] = s.selfName
		default:
			name := s.nameCache[m.SenderID]
			if name == "" {
				name = fallbackDisplayName
			}
			out[m.ID] = name
		}
	}
	return out
}

// detach ends the active subscription and reports whether one was active.
func (s *Session) detach() bool {
	s.mu.Lock()
	active, release := s.detachLocked()
	s.mu.Unlock()
	release()
	return active
}

// detachLocked resets the session to idle. The returned func releases the
// subscription and must be called without s.mu held.
func (s *Session) detachLocked() (bool, func()) {
	sub, q, cancel := s.sub, s.queue, s.cancel
	active := s.state != StateIdle
	s.gen++
	s.sub, s.queue, s.cancel = nil, nil, nil
	s.state = StateIdle
	s.group = models.Group{}
	s.view = nil

	return active, func() {
		if sub != nil {
			sub.Unsubscribe()
		}
		if q != nil {
			q.close()
		}
		if cancel != nil {
			cancel()
		}
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) hasDurableLocked(id string) bool {
	for _, m := range s.view {
		if m.DurableID == id {
			return true
		}
	}
	return false
}

func (s *Session) snapshotLocked() Snapshot {
	s.version++
	return Snapshot{Version: s.version, State: s.state, GroupID: s.group.ID, Messages: cloneView(s.view)}
}

func (s *Session) emit(snap Snapshot) {
	s.listenerMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// insertOrdered places m by (Timestamp, Seq) among the stored entries at the
// tail of view. It never moves past an optimistic entry.
func insertOrdered(view []models.LocalMessage, m models.LocalMessage) []models.LocalMessage {
	i := len(view)
	for i > 0 && !view[i-1].Pending && storedAfter(view[i-1], m) {
		i--
	}
	view = append(view, models.LocalMessage{})
	copy(view[i+1:], view[i:])
	view[i] = m
	return view
}

func storedAfter(a, b models.LocalMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Seq > b.Seq
}

func cloneView(view []models.LocalMessage) []models.LocalMessage {
	out := make([]models.LocalMessage, len(view))
	copy(out, view)
	return out
}
