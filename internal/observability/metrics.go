// Package observability holds the daemon's Prometheus collectors, the gRPC and
// HTTP instrumentation that feeds them, and tracing setup.
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
	syncChatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sync_chats_total",
			Help: "Chat history syncs by trigger and result.",
		},
		[]string{"trigger", "result"},
	)
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_sync_duration_seconds",
			Help:    "Time spent syncing one chat's history.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)
	messagesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_ingested_total",
			Help: "Messages written to the local cache by source.",
		},
		[]string{"source"},
	)
	outboxAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_outbox_attempts_total",
			Help: "Remote delivery attempts of outgoing messages by result.",
		},
		[]string{"result"},
	)
	outboxQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_outbox_queue_length",
			Help: "Messages waiting for remote delivery.",
		},
	)
	listenersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_listeners_active",
			Help: "Chats with an attached live listener pair.",
		},
	)
	listenerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_listener_errors_total",
			Help: "Live subscriptions that ended with an error.",
		},
	)
	presenceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_presence_writes_total",
			Help: "Presence and typing writes by kind and result.",
		},
		[]string{"kind", "result"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the daemon.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total number of HTTP requests processed by the daemon.",
		},
		[]string{"method", "route", "status"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_active_connections",
			Help: "Open websocket event streams.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		syncChatsTotal,
		syncDuration,
		messagesIngestedTotal,
		outboxAttemptsTotal,
		outboxQueueLength,
		listenersActive,
		listenerErrorsTotal,
		presenceWritesTotal,
		grpcServerHandledTotal,
		httpRequestsTotal,
		wsActiveConnections,
		amqpPublishErrorsTotal,
	)
}

// ObserveChatSync records one chat sync. trigger is preload, backfill or force.
func ObserveChatSync(trigger string, ok bool, d time.Duration) {
	result := "synced"
	if !ok {
		result = "failed"
	}
	syncChatsTotal.WithLabelValues(trigger, result).Inc()
	syncDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// AddIngested counts messages written to the cache.
func AddIngested(source string, n int) {
	messagesIngestedTotal.WithLabelValues(source).Add(float64(n))
}

// IncOutboxAttempt counts a delivery attempt: sent, failed or rejected.
func IncOutboxAttempt(result string) {
	outboxAttemptsTotal.WithLabelValues(result).Inc()
}

// SetOutboxQueueLength publishes the current queue length.
func SetOutboxQueueLength(n int) {
	outboxQueueLength.Set(float64(n))
}

// SetListenersActive publishes the number of attached listener pairs.
func SetListenersActive(n int) {
	listenersActive.Set(float64(n))
}

// IncListenerError counts a subscription failure.
func IncListenerError() {
	listenerErrorsTotal.Inc()
}

// IncPresenceWrite counts a presence or typing write.
func IncPresenceWrite(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	presenceWritesTotal.WithLabelValues(kind, result).Inc()
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// HTTPMetricsMiddleware counts requests per route and status.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// GRPCServerMetricsUnaryInterceptor counts handled unary calls by code.
func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
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
