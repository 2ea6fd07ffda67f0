package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studybuddy_http_requests_total",
			Help: "Total number of HTTP requests processed by the studybuddy service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studybuddy_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studybuddy_grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "studybuddy_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studybuddy_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studybuddy_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	feedSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "studybuddy_feed_subscriptions",
			Help: "Number of live change-feed subscriptions.",
		},
	)
	feedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studybuddy_feed_events_total",
			Help: "Total number of change-feed events by kind.",
		},
		[]string{"kind"},
	)
	syncRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studybuddy_sync_refreshes_total",
			Help: "Total number of full message history re-reads by reason.",
		},
		[]string{"reason"},
	)
	messagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studybuddy_group_messages_sent_total",
			Help: "Total number of group messages stored by members.",
		},
	)
	aiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studybuddy_ai_requests_total",
			Help: "Total number of generator calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	aiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studybuddy_ai_request_duration_seconds",
			Help:    "Generator call latencies in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		feedSubscriptions,
		feedEventsTotal,
		syncRefreshesTotal,
		messagesSentTotal,
		aiRequestsTotal,
		aiRequestDuration,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncFeedSubscriptions() {
	feedSubscriptions.Inc()
}

func DecFeedSubscriptions() {
	feedSubscriptions.Dec()
}

func IncFeedEvent(kind string) {
	feedEventsTotal.WithLabelValues(kind).Inc()
}

func IncSyncRefresh(reason string) {
	syncRefreshesTotal.WithLabelValues(reason).Inc()
}

func IncMessageSent() {
	messagesSentTotal.Inc()
}

// ObserveAIRequest records one generator call. outcome is "ok" or "error".
func ObserveAIRequest(operation, outcome string, elapsed time.Duration) {
	aiRequestsTotal.WithLabelValues(operation, outcome).Inc()
	aiRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
