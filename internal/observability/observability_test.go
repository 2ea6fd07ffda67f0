package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.keys = append(p.keys, routingKey)
	return p.err
}

func TestPublishEventCountsFailures(t *testing.T) {
	t.Cleanup(func() { SetPublisher(nil) })

	require.NoError(t, PublishEvent(context.Background(), "ws_events.groups", EventEnvelope{EventName: "ws_connect"}))

	pub := &recordingPublisher{}
	SetPublisher(pub)
	require.NoError(t, PublishEvent(context.Background(), "ws_events.groups", EventEnvelope{EventName: "ws_connect"}))
	assert.Equal(t, []string{"ws_events.groups"}, pub.keys)

	before := testutil.ToFloat64(amqpPublishErrorsTotal)
	pub.err = errors.New("channel closed")
	require.Error(t, PublishEvent(context.Background(), "ws_events.groups", EventEnvelope{}))
	assert.Equal(t, before+1, testutil.ToFloat64(amqpPublishErrorsTotal))
}

func TestBuildHeadersSkipsEmptyValues(t *testing.T) {
	assert.Equal(t, map[string]string{}, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r1", "trace_id": "t1"}, BuildHeaders("r1", "t1"))
}

func TestHTTPMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/groups/:group_id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/groups/:group_id", "204")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups/abc", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:5123"
	assert.Equal(t, "10.0.0.5", IPFromRequest(req))

	req.Header.Set("X-Real-Ip", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", IPFromRequest(req))
}

func TestClientMetaFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/groups/g1?device_id=tablet-2", nil)
	meta := ClientMetaFromRequest(req)
	assert.Equal(t, "tablet-2", meta.DeviceID)
	assert.NotEmpty(t, meta.RequestID)

	req.Header.Set("X-Device-Id", "phone-1")
	req.Header.Set("X-Request-Id", "req-9")
	meta = ClientMetaFromRequest(req)
	assert.Equal(t, "phone-1", meta.DeviceID)
	assert.Equal(t, "req-9", meta.RequestID)
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}
