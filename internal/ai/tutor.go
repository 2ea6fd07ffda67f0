package ai

import (
	"context"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
)

const tutorPreamble = `You are an AI study tutor. Help students learn by providing clear, educational explanations.
Be friendly, encouraging, and focus on helping them understand concepts.
If they ask something outside of academics, politely redirect them to study-related topics.`

// FallbackReply is shown in place of a reply that could not be generated.
const FallbackReply = "Sorry, I'm having trouble answering right now. Please try again in a moment."

var tutorOptions = Options{Temperature: 0.7, MaxOutputTokens: 1000, TopP: 0.95, TopK: 40}

// Tutor produces chat tutor replies.
type Tutor struct {
	gen    Generator
	policy *bluemonday.Policy
	log    *zap.Logger
}

func NewTutor(gen Generator, log *zap.Logger) *Tutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tutor{gen: gen, policy: bluemonday.UGCPolicy(), log: log}
}

// ChatReply answers message given the earlier turns of the conversation.
func (t *Tutor) ChatReply(ctx context.Context, message string, history []models.HistoryItem) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", apperr.Validation("message is required")
	}

	turns := make([]Turn, 0, len(history)+1)
	for _, h := range history {
		role := RoleModel
		if h.IsUser {
			role = RoleUser
		}
		turns = append(turns, Turn{Role: role, Text: h.Content})
	}
	turns = append(turns, Turn{Role: RoleUser, Text: tutorPreamble + "\n\nStudent: " + message})

	text, err := generate(ctx, t.gen, "chat", turns, tutorOptions)
	if err != nil {
		t.log.Error("tutor generation failed", zap.Error(err))
		return "", apperr.Generation("could not generate a reply", err)
	}

	reply := strings.TrimSpace(html.UnescapeString(t.policy.Sanitize(text)))
	if reply == "" {
		return "", apperr.Generation("could not generate a reply", ErrEmptyResponse)
	}
	return reply, nil
}
