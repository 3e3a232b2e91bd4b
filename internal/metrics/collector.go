// Package metrics exposes Prometheus collectors for the desk.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	queueLength   prometheus.Gauge
	activeDialogs prometheus.Gauge

	escalations   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	claims        *prometheus.CounterVec
	dialogsEnded  *prometheus.CounterVec
	relayMessages *prometheus.CounterVec
	storageErrors *prometheus.CounterVec

	assistantRequests *prometheus.CounterVec
	assistantDuration prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	connections prometheus.Gauge
}

// NewCollector registers all metrics on a fresh registry under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wait_queue_length",
			Help:      "Users currently waiting for an operator",
		}),
		activeDialogs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dialogs",
			Help:      "Dialogs currently relaying",
		}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation requests by outcome",
		}, []string{"result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_notifications_total",
			Help:      "Operator notification sends and retractions",
		}, []string{"op", "result"}),
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome",
		}, []string{"result"}),
		dialogsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogs_ended_total",
			Help:      "Dialogs ended by reason",
		}, []string{"reason"}),
		relayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relayed messages by outcome",
		}, []string{"result"}),
		storageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed persistence operations",
		}, []string{"op"}),
		assistantRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_requests_total",
			Help:      "Assistant calls by outcome",
		}, []string{"status"}),
		assistantDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assistant_request_duration_seconds",
			Help:      "Assistant call latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_connections",
			Help:      "Open chat WebSocket connections",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetQueueState updates the queue and dialog gauges.
func (c *Collector) SetQueueState(queued, dialogs int) {
	if c == nil {
		return
	}
	c.queueLength.Set(float64(queued))
	c.activeDialogs.Set(float64(dialogs))
}

// RecordEscalation counts an escalation outcome: fresh, repeat, no_operators, in_dialog or error.
func (c *Collector) RecordEscalation(result string) {
	if c == nil {
		return
	}
	c.escalations.WithLabelValues(result).Inc()
}

// RecordNotification counts a notification send or retract.
func (c *Collector) RecordNotification(op string, ok bool) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(op, resultLabel(ok)).Inc()
}

// RecordClaim counts a claim outcome.
func (c *Collector) RecordClaim(result string) {
	if c == nil {
		return
	}
	c.claims.WithLabelValues(result).Inc()
}

// RecordDialogEnded counts a finished dialog.
func (c *Collector) RecordDialogEnded(reason string) {
	if c == nil {
		return
	}
	c.dialogsEnded.WithLabelValues(reason).Inc()
}

// RecordRelay counts a relayed message.
func (c *Collector) RecordRelay(ok bool) {
	if c == nil {
		return
	}
	c.relayMessages.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordStorageError counts a failed persistence call.
func (c *Collector) RecordStorageError(op string) {
	if c == nil {
		return
	}
	c.storageErrors.WithLabelValues(op).Inc()
}

// RecordAssistant counts an assistant call and its latency.
func (c *Collector) RecordAssistant(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.assistantRequests.WithLabelValues(status).Inc()
	c.assistantDuration.Observe(d.Seconds())
}

// ConnectionOpened and ConnectionClosed track live chat sockets.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// ConnectionClosed decrements the live socket gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// Middleware records request counts and latency labelled by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
