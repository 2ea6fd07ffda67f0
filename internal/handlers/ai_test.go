package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studybuddy/internal/ai"
	"studybuddy/internal/models"
)

type generatorFunc func(turns []ai.Turn) (string, error)

func (f generatorFunc) Generate(_ context.Context, turns []ai.Turn, _ ai.Options) (string, error) {
	return f(turns)
}

func newAIRouter(gen ai.Generator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewAIHandler(ai.NewTutor(gen, zap.NewNop()), ai.NewFlashcards(gen, zap.NewNop()), nil, zap.NewNop())

	r := gin.New()
	r.POST("/ai/chat", handler.Chat)
	r.POST("/functions/v1/chat-with-gemini", handler.Chat)
	r.POST("/ai/flashcards", handler.Flashcards)
	return r
}

func TestChatReturnsReply(t *testing.T) {
	var seen []ai.Turn
	r := newAIRouter(generatorFunc(func(turns []ai.Turn) (string, error) {
		seen = turns
		return "Photosynthesis turns light into sugar.", nil
	}))

	body := `{"message":"What is photosynthesis?","history":[{"content":"hi","isUser":true},{"content":"hello","isUser":false}]}`
	for _, path := range []string{"/ai/chat", "/functions/v1/chat-with-gemini"} {
		rec := doJSON(r, http.MethodPost, path, body, "")
		require.Equal(t, http.StatusOK, rec.Code, path)

		var resp struct {
			Response string `json:"response"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Photosynthesis turns light into sugar.", resp.Response)
	}
	require.Len(t, seen, 3)
	assert.Equal(t, ai.RoleModel, seen[1].Role)
	assert.True(t, strings.HasSuffix(seen[2].Text, "Student: What is photosynthesis?"))
}

func TestChatFailuresAreServerErrors(t *testing.T) {
	failing := newAIRouter(generatorFunc(func([]ai.Turn) (string, error) {
		return "", errors.New("quota exceeded")
	}))
	rec := doJSON(failing, http.MethodPost, "/ai/chat", `{"message":"hi"}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	ok := newAIRouter(generatorFunc(func([]ai.Turn) (string, error) { return "fine", nil }))
	rec = doJSON(ok, http.MethodPost, "/ai/chat", `{"message":"  "}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "message is required")
}

func TestFlashcardsEndpoint(t *testing.T) {
	r := newAIRouter(generatorFunc(func([]ai.Turn) (string, error) {
		return `[{"question":"Q1","answer":"A1"}]`, nil
	}))

	rec := doJSON(r, http.MethodPost, "/ai/flashcards", `{"topic":"cells"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Flashcards []models.Flashcard `json:"flashcards"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Flashcards, ai.DefaultFlashcards)
	assert.Equal(t, "Q1", resp.Flashcards[0].Question)

	rec = doJSON(r, http.MethodPost, "/ai/flashcards", `{"topic":"cells","count":2}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Flashcards, 2)

	for _, body := range []string{`{"topic":"cells","count":0}`, `{"topic":"cells","count":21}`, `{"topic":""}`} {
		rec = doJSON(r, http.MethodPost, "/ai/flashcards", body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}
