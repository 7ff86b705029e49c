// Package metrics provides Prometheus instrumentation for the
// orchestration core, grounded on the teacher's
// pkg/observability/metrics.go but scoped to the domains SPEC_FULL.md
// actually names: mission throughput, model residency, bus depth and
// injection-scan hits.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every registered collector. A nil *Metrics is valid and
// every method on it is a no-op, so components can hold an unconditional
// reference regardless of whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	missionsSubmitted *prometheus.CounterVec
	missionsCompleted *prometheus.CounterVec
	missionDuration    *prometheus.HistogramVec
	missionTasks       *prometheus.HistogramVec

	modelsLoaded    *prometheus.GaugeVec
	modelLoadTotal  *prometheus.CounterVec
	modelEvictTotal *prometheus.CounterVec

	busDepth          *prometheus.GaugeVec
	busMessagesTotal  *prometheus.CounterVec
	injectionHits     prometheus.Counter

	chatRequests *prometheus.CounterVec
	chatDuration *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.missionsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "mission", Name: "submitted_total",
		Help: "Total number of missions submitted to the scheduler.",
	}, []string{})

	m.missionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "mission", Name: "completed_total",
		Help: "Total number of missions reaching a terminal state, by status.",
	}, []string{"status"})

	m.missionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "mission", Name: "duration_seconds",
		Help:    "Wall-clock time from mission submission to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{})

	m.missionTasks = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "mission", Name: "task_count",
		Help:    "Number of tasks in a submitted mission.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	}, []string{})

	m.modelsLoaded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "model", Name: "loaded",
		Help: "Whether a model key currently holds backend residency (1) or not (0).",
	}, []string{"model_key"})

	m.modelLoadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "model", Name: "load_total",
		Help: "Total number of model load calls issued, by model key.",
	}, []string{"model_key"})

	m.modelEvictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "model", Name: "evict_total",
		Help: "Total number of model evictions, by reason (ttl|make_room).",
	}, []string{"model_key", "reason"})

	m.busDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "bus", Name: "pending_depth",
		Help: "Number of undelivered messages queued for a recipient.",
	}, []string{"recipient"})

	m.busMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "messages_total",
		Help: "Total number of messages sent through the bus, by type.",
	}, []string{"msg_type"})

	m.injectionHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "injection_scan_hits_total",
		Help: "Total number of passive injection-scan pattern matches.",
	})

	m.chatRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "chat", Name: "requests_total",
		Help: "Total number of chat() calls, by classifier tier.",
	}, []string{"tier"})

	m.chatDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "chat", Name: "duration_seconds",
		Help:    "End-to-end chat() latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"tier"})

	m.registry.MustRegister(
		m.missionsSubmitted, m.missionsCompleted, m.missionDuration, m.missionTasks,
		m.modelsLoaded, m.modelLoadTotal, m.modelEvictTotal,
		m.busDepth, m.busMessagesTotal, m.injectionHits,
		m.chatRequests, m.chatDuration,
	)
	return m
}

func (m *Metrics) MissionSubmitted(taskCount int) {
	if m == nil {
		return
	}
	m.missionsSubmitted.WithLabelValues().Inc()
	m.missionTasks.WithLabelValues().Observe(float64(taskCount))
}

func (m *Metrics) MissionCompleted(status string, duration float64) {
	if m == nil {
		return
	}
	m.missionsCompleted.WithLabelValues(status).Inc()
	m.missionDuration.WithLabelValues().Observe(duration)
}

func (m *Metrics) ModelLoaded(modelKey string, loaded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if loaded {
		v = 1.0
		m.modelLoadTotal.WithLabelValues(modelKey).Inc()
	}
	m.modelsLoaded.WithLabelValues(modelKey).Set(v)
}

func (m *Metrics) ModelEvicted(modelKey, reason string) {
	if m == nil {
		return
	}
	m.modelEvictTotal.WithLabelValues(modelKey, reason).Inc()
	m.modelsLoaded.WithLabelValues(modelKey).Set(0)
}

func (m *Metrics) SetBusDepth(recipient string, depth int) {
	if m == nil {
		return
	}
	m.busDepth.WithLabelValues(recipient).Set(float64(depth))
}

func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.busMessagesTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) InjectionHit() {
	if m == nil {
		return
	}
	m.injectionHits.Inc()
}

func (m *Metrics) ChatRequest(tier string, duration float64) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(tier).Inc()
	m.chatDuration.WithLabelValues(tier).Observe(duration)
}

// Handler serves the Prometheus exposition format. A nil *Metrics serves
// 503 so callers don't need to special-case a disabled exporter.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
