package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30},
		},
		[]string{"method", "endpoint"},
	)

	StepActionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journey_step_actions_total",
			Help: "Step actions decided by the progression engine",
		},
		[]string{"action"},
	)

	RatingTryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journey_rating_tries_total",
			Help: "Individual AI rating tries by outcome",
		},
		[]string{"outcome"},
	)

	RatingDefaultedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "journey_rating_defaulted_total",
			Help: "Exchanges whose rating fell back to the step pass mark",
		},
	)

	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "Duration of AI completion calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"purpose", "status"},
	)

	TaskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journey_tasks_total",
			Help: "Background tasks processed",
		},
		[]string{"type", "status"},
	)

	ProgressSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "journey_progress_subscribers",
			Help: "Open progress websocket connections",
		},
	)

	ProgressEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journey_progress_events_total",
			Help: "Progress bus events by kind and direction",
		},
		[]string{"kind", "direction"},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(StepActionCounter)
	prometheus.MustRegister(RatingTryCounter)
	prometheus.MustRegister(RatingDefaultedCounter)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(TaskCounter)
	prometheus.MustRegister(ProgressSubscribers)
	prometheus.MustRegister(ProgressEventCounter)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
