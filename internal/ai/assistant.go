package ai

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
)

const replyTimeout = time.Minute

// AssistantStore persists assistant messages into a group's log.
type AssistantStore interface {
	CreateAssistantMessage(ctx context.Context, groupID, content string) (models.GroupMessage, error)
}

// Assistant answers questions asked in group chats. Its replies are stored as
// AI messages and reach members through the normal change feed.
type Assistant struct {
	tutor *Tutor
	store AssistantStore
	log   *zap.Logger
}

func NewAssistant(tutor *Tutor, store AssistantStore, log *zap.Logger) *Assistant {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assistant{tutor: tutor, store: store, log: log}
}

// Triggers reports whether text asks the assistant for help.
func Triggers(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "explain") || strings.Contains(lower, "what is")
}

// MaybeReply posts an assistant reply to groupID when text asks for one. It
// reports whether a reply was stored.
func (a *Assistant) MaybeReply(ctx context.Context, groupID, text string) (bool, error) {
	if !Triggers(text) {
		return false, nil
	}

	reply, err := a.tutor.ChatReply(ctx, text, nil)
	if err != nil {
		return false, err
	}

	if _, err := a.store.CreateAssistantMessage(ctx, groupID, reply); err != nil {
		a.log.Error("store assistant reply", zap.String("group_id", groupID), zap.Error(err))
		return false, apperr.Persistence("could not store assistant reply", err)
	}
	return true, nil
}

// ReplyInBackground runs MaybeReply detached from ctx's cancellation so the
// reply outlives the request that asked for it. The returned channel is
// closed when the attempt finishes.
func (a *Assistant) ReplyInBackground(ctx context.Context, groupID, text string) <-chan struct{} {
	done := make(chan struct{})
	if a == nil || !Triggers(text) {
		close(done)
		return done
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	go func() {
		defer close(done)
		defer cancel()
		if _, err := a.MaybeReply(ctx, groupID, text); err != nil {
			a.log.Warn("assistant reply failed", zap.String("group_id", groupID), zap.Error(err))
		}
	}()
	return done
}
