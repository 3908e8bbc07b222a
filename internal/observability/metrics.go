package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	sessionsByState    *prometheus.GaugeVec
	storedSessions     prometheus.Gauge
	transitionsTotal   *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	pairingTotal       *prometheus.CounterVec
	accessCodesTotal   prometheus.Counter
	inboundTotal       *prometheus.CounterVec
	configLoadDuration prometheus.Histogram
	configSaveDuration prometheus.Histogram

	featureTotal     *prometheus.CounterVec
	assistantTotal   *prometheus.CounterVec
	assistantLatency *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	pushClients         prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "wafleet_lane_queue_size",
					Help: "Current queue size by session lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_lane_enqueue_total",
					Help: "Total enqueue operations by session lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_lane_dequeue_total",
					Help: "Total task completions by session lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "wafleet_lane_task_duration_seconds",
					Help:    "Lane task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			sessionsByState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "wafleet_sessions",
					Help: "Current session count by connection state.",
				},
				[]string{"state"},
			),
			storedSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "wafleet_sessions_stored",
					Help: "Session directories present on disk.",
				},
			),
			transitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_session_transitions_total",
					Help: "Connection state transitions by target state.",
				},
				[]string{"state"},
			),
			retriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_session_retries_total",
					Help: "Reconnect retries by outcome (scheduled, started, skipped, cancelled).",
				},
				[]string{"outcome"},
			),
			pairingTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_pairing_artifacts_total",
					Help: "Pairing artifacts by kind and event.",
				},
				[]string{"kind", "event"},
			),
			accessCodesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "wafleet_access_codes_generated_total",
					Help: "Access codes generated on first open.",
				},
			),
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_inbound_events_total",
					Help: "Inbound messages and calls by kind and gate outcome.",
				},
				[]string{"kind", "outcome"},
			),
			configLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "wafleet_config_load_duration_seconds",
					Help:    "Session config load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			configSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "wafleet_config_save_duration_seconds",
					Help:    "Session config save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			featureTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_feature_runs_total",
					Help: "Bot feature executions by feature and status.",
				},
				[]string{"feature", "status"},
			),
			assistantTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_assistant_replies_total",
					Help: "Assistant replies by provider and status.",
				},
				[]string{"provider", "status"},
			),
			assistantLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "wafleet_assistant_reply_duration_seconds",
					Help:    "Assistant reply latency in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wafleet_http_requests_total",
					Help: "Control surface requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			httpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "wafleet_http_request_duration_seconds",
					Help:    "Control surface request duration in seconds by route.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			pushClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "wafleet_push_clients",
					Help: "Connected push channel clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.sessionsByState,
			m.storedSessions,
			m.transitionsTotal,
			m.retriesTotal,
			m.pairingTotal,
			m.accessCodesTotal,
			m.inboundTotal,
			m.configLoadDuration,
			m.configSaveDuration,
			m.featureTotal,
			m.assistantTotal,
			m.assistantLatency,
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.pushClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// ForgetLane drops the per-lane series of a lane that no longer exists.
func ForgetLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
	m.enqueueTotal.DeleteLabelValues(lane)
	m.dequeueTotal.DeleteLabelValues(lane, "success")
	m.dequeueTotal.DeleteLabelValues(lane, "error")
	m.taskDuration.DeleteLabelValues(lane)
}

// SetSessionStates replaces the per-state session gauge.
func SetSessionStates(counts map[string]int) {
	m := getMetrics()
	m.sessionsByState.Reset()
	for state, n := range counts {
		m.sessionsByState.WithLabelValues(state).Set(float64(n))
	}
}

func SetStoredSessions(count int) {
	getMetrics().storedSessions.Set(float64(count))
}

func RecordTransition(state string) {
	getMetrics().transitionsTotal.WithLabelValues(state).Inc()
}

func RecordRetry(outcome string) {
	getMetrics().retriesTotal.WithLabelValues(outcome).Inc()
}

func RecordPairing(kind, event string) {
	getMetrics().pairingTotal.WithLabelValues(kind, event).Inc()
}

func RecordAccessCodeGenerated() {
	getMetrics().accessCodesTotal.Inc()
}

func RecordInbound(kind, outcome string) {
	getMetrics().inboundTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordConfigLoad(duration time.Duration) {
	getMetrics().configLoadDuration.Observe(duration.Seconds())
}

func RecordConfigSave(duration time.Duration) {
	getMetrics().configSaveDuration.Observe(duration.Seconds())
}

func RecordFeature(feature string, success bool) {
	getMetrics().featureTotal.WithLabelValues(feature, statusLabel(success)).Inc()
}

func RecordAssistantReply(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.assistantTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.assistantLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordHTTPRequest(route string, code int, duration time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func SetPushClients(count int) {
	getMetrics().pushClients.Set(float64(count))
}
