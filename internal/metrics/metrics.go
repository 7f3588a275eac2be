package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_enqueued_total",
			Help: "Total notifications enqueued by trigger type",
		},
		[]string{"trigger_type"},
	)

	notificationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_skipped_total",
			Help: "Enqueues skipped by reason (duplicate, no_recipients)",
		},
		[]string{"reason"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_dispatched_total",
			Help: "Queue rows handed to the delivery stage, by priority",
		},
		[]string{"priority"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Delivery attempts by outcome (sent, retried, failed)",
		},
		[]string{"outcome", "sender_type"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from enqueue to successful send",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"sender_type"},
	)

	senderRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_sender_rate_limited_total",
			Help: "Sender selections rejected by hourly/daily limits",
		},
		[]string{"window"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records a notification enqueue
func RecordEnqueued(triggerType string) {
	notificationsEnqueued.WithLabelValues(triggerType).Inc()
}

// RecordSkipped records a skipped enqueue
func RecordSkipped(reason string) {
	notificationsSkipped.WithLabelValues(reason).Inc()
}

// RecordDispatched records a queue row handed to the delivery stage
func RecordDispatched(priority string) {
	notificationsDispatched.WithLabelValues(priority).Inc()
}

// RecordDelivery records a delivery attempt outcome
func RecordDelivery(outcome, senderType string) {
	deliveriesTotal.WithLabelValues(outcome, senderType).Inc()
}

// RecordDeliveryLatency records end-to-end time from enqueue to send
func RecordDeliveryLatency(senderType string, latency time.Duration) {
	deliveryLatency.WithLabelValues(senderType).Observe(latency.Seconds())
}

// RecordRateLimited records a sender selection rejected by a rate limit
func RecordRateLimited(window string) {
	senderRateLimited.WithLabelValues(window).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
