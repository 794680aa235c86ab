package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llmchat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmchat_ws_events_total",
		Help: "Total number of events pushed to websocket clients",
	})
	ChatRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmchat_chat_requests_total",
		Help: "Chat submissions by outcome",
	}, []string{"outcome"})
	InferenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmchat_inference_duration_seconds",
		Help:    "Time spent waiting for the inference backend",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"model"})
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmchat_rate_limited_total",
		Help: "Requests rejected by a rate limiter",
	}, []string{"limiter"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsEventsTotal, ChatRequestsTotal, InferenceDuration, RateLimitedTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
