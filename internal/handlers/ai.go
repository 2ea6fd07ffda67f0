package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"studybuddy/internal/ai"
	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
	"studybuddy/internal/telemetry"
)

// AIHandler exposes the tutor and flashcard generators.
type AIHandler struct {
	tutor      *ai.Tutor
	flashcards *ai.Flashcards
	audit      *telemetry.AuditEmitter
	log        *zap.Logger
}

func NewAIHandler(tutor *ai.Tutor, flashcards *ai.Flashcards, audit *telemetry.AuditEmitter, log *zap.Logger) *AIHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AIHandler{tutor: tutor, flashcards: flashcards, audit: audit, log: log}
}

type chatRequest struct {
	Message string               `json:"message"`
	History []models.HistoryItem `json:"history"`
}

// Chat handles POST /ai/chat and the chat-with-gemini alias. Every failure
// is a 500 with {"error"}, which is what existing clients expect.
func (h *AIHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid request payload"})
		return
	}

	reply, err := h.tutor.ChatReply(c.Request.Context(), req.Message, req.History)
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeValidation {
			h.log.Warn("tutor reply failed", zap.Error(err))
			emitAudit(h.audit, c, telemetry.LevelError, "tutor reply failed")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": reply})
}

// Flashcards handles POST /ai/flashcards.
func (h *AIHandler) Flashcards(c *gin.Context) {
	var req struct {
		Topic string `json:"topic"`
		Count *int   `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	count := ai.DefaultFlashcards
	if req.Count != nil {
		count = *req.Count
	}

	cards, err := h.flashcards.Generate(c.Request.Context(), req.Topic, count)
	if err != nil {
		respondError(h.audit, c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flashcards": cards})
}
