// Package metrics exposes Prometheus instrumentation for the ratchet
// pipelines, trimmed from the teacher's internal/metrics/metrics.go down to
// the counters/gauges that have a referent in a session/conversation system:
// HTTP surface, pre-key supply, and the C7/C9/C10/C11 pipeline stages.
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
	// HTTP surface metrics.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zina_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zina_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Pre-key supply metrics.
	PreKeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zina_prekeys_remaining",
			Help: "Number of unused pre-keys remaining per device",
		},
		[]string{"user_id", "device_id"},
	)

	PreKeysReplenished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zina_prekeys_replenished_total",
			Help: "Total number of pre-keys generated to replenish a device's pool",
		},
		[]string{"user_id", "device_id"},
	)

	// Ratchet engine metrics (C7).
	EncryptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zina_encrypt_total",
			Help: "Total number of messages encrypted",
		},
	)

	DecryptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zina_decrypt_total",
			Help: "Total number of decrypt attempts by outcome",
		},
		[]string{"result"}, // ok, mac_failure, future_message, error
	)

	DHRatchetStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zina_dh_ratchet_steps_total",
			Help: "Total number of DH ratchet steps performed",
		},
		[]string{"direction"}, // send, recv
	)

	StagedKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zina_staged_keys_current",
			Help: "Approximate number of staged (skipped) message keys outstanding",
		},
	)

	MacFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zina_mac_failures_total",
			Help: "Total number of authentication tag verification failures",
		},
	)

	// Pipeline metrics (C9/C10/C11).
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zina_messages_received_total",
			Help: "Total number of inbound frames processed by the receive pipeline",
		},
		[]string{"result"}, // delivered, duplicate, error
	)

	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zina_messages_sent_total",
			Help: "Total number of per-device sends attempted by the send pipeline",
		},
		[]string{"result"}, // delivered, queued, error
	)

	RunQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zina_run_queue_depth",
			Help: "Current depth of a local user's run queue stream",
		},
		[]string{"local_user"},
	)

	RunQueueHandleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zina_run_queue_handle_latency_seconds",
			Help:    "Latency of handling one run queue item",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"kind"},
	)
)

// MetricsMiddleware wraps HTTP handlers with request metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecrypt records the outcome of one Conversation.Decrypt call.
func RecordDecrypt(result string) {
	DecryptTotal.WithLabelValues(result).Inc()
}

// RecordDHRatchetStep records one DH ratchet step in the given direction.
func RecordDHRatchetStep(direction string) {
	DHRatchetStepsTotal.WithLabelValues(direction).Inc()
}

// RecordReceived records one receive-pipeline outcome.
func RecordReceived(result string) {
	MessagesReceivedTotal.WithLabelValues(result).Inc()
}

// RecordSent records one send-pipeline per-device outcome.
func RecordSent(result string) {
	MessagesSentTotal.WithLabelValues(result).Inc()
}

// UpdatePreKeysRemaining sets the current unused pre-key count for a device.
func UpdatePreKeysRemaining(userID, deviceID string, count int) {
	PreKeysRemaining.WithLabelValues(userID, deviceID).Set(float64(count))
}
