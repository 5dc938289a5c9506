package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat backend.",
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
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of websocket channels held by the backend.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket lifecycle events on the backend.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	clientConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_client_connection_state",
			Help: "1 for the client channel's current lifecycle state, 0 otherwise.",
		},
		[]string{"state"},
	)
	clientReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_reconnects_total",
			Help: "Total number of reconnect attempts scheduled by the client.",
		},
	)
	clientPushEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_push_events_total",
			Help: "Total number of push events received by the client, by kind.",
		},
		[]string{"kind"},
	)
	clientIntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_intents_total",
			Help: "Total number of outbound intents written by the client, by kind.",
		},
		[]string{"kind"},
	)
	clientStaleResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_stale_responses_total",
			Help: "REST pages discarded because the active conversation changed.",
		},
	)
)

var connectionStates = []string{"idle", "connecting", "connected", "disconnected"}

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		clientConnectionState,
		clientReconnectsTotal,
		clientPushEventsTotal,
		clientIntentsTotal,
		clientStaleResponsesTotal,
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

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// SetConnectionState flips the client state gauge to state.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		clientConnectionState.WithLabelValues(s).Set(v)
	}
}

func IncReconnect() {
	clientReconnectsTotal.Inc()
}

func IncPushEvent(kind string) {
	clientPushEventsTotal.WithLabelValues(kind).Inc()
}

func IncOutboundIntent(kind string) {
	clientIntentsTotal.WithLabelValues(kind).Inc()
}

func IncStaleResponse() {
	clientStaleResponsesTotal.Inc()
}
