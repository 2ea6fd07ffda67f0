package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"studybuddy/internal/feed"
	"studybuddy/internal/mocks"
	"studybuddy/internal/telemetry"
)

func TestDebugAuditRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.studybuddy", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.RequestID == "req-7" && env.Payload.Text == "audit test"
	})).Return(nil).Once()
	emitter := telemetry.NewAuditEmitter(pub, "audit.studybuddy", "studybuddy", "test", nil)

	r := gin.New()
	RegisterDebugRoutes(r, emitter, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, nil, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugSubscribersRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	broker := feed.NewBroker()
	groupID := "7d8f6f0e-55c4-4f4e-9a0e-2b4a8c1d0e11"
	sub := broker.Subscribe(groupID, func(feed.Event) {})
	defer sub.Unsubscribe()

	r := gin.New()
	RegisterDebugRoutes(r, nil, broker, true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/groups/"+groupID+"/subscribers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Subscribers int `json:"subscribers"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Subscribers)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/groups/nope/subscribers", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
