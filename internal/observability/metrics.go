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
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events by direction and type.",
		},
		[]string{"direction", "event"},
	)
	fanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fanout_deliveries_total",
			Help: "Outbound events queued to connections, by result.",
		},
		[]string{"result"},
	)
	messagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_published_total",
			Help: "Messages persisted and fanned out, by scope kind.",
		},
		[]string{"scope"},
	)
	publishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_publish_failures_total",
			Help: "Rejected or failed publishes, by reason.",
		},
		[]string{"reason"},
	)
	uploadChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_upload_chunks_total",
			Help: "Chunk writes, by result.",
		},
		[]string{"result"},
	)
	uploadMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_upload_merges_total",
			Help: "Chunk merges, by result.",
		},
		[]string{"result"},
	)
	uploadMergedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_upload_merged_bytes_total",
			Help: "Bytes written to assembled assets.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		fanoutTotal,
		messagesPublishedTotal,
		publishFailuresTotal,
		uploadChunksTotal,
		uploadMergesTotal,
		uploadMergedBytes,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
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

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

// IncWSEvent counts an event; direction is "in" or "out".
func IncWSEvent(direction, event string) {
	wsEventsTotal.WithLabelValues(direction, event).Inc()
}

func IncFanout(delivered bool) {
	if delivered {
		fanoutTotal.WithLabelValues("queued").Inc()
		return
	}
	fanoutTotal.WithLabelValues("dropped").Inc()
}

func IncMessagePublished(scopeKind string) {
	messagesPublishedTotal.WithLabelValues(scopeKind).Inc()
}

func IncPublishFailure(reason string) {
	publishFailuresTotal.WithLabelValues(reason).Inc()
}

func IncUploadChunk(result string) {
	uploadChunksTotal.WithLabelValues(result).Inc()
}

func ObserveUploadMerge(result string, bytes int64) {
	uploadMergesTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		uploadMergedBytes.Add(float64(bytes))
	}
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
