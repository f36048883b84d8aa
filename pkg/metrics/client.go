package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pfc"

// ClientMetrics records session, cart and realtime activity of the client core.
type ClientMetrics struct {
	refreshDuration *prometheus.HistogramVec
	refreshTotal    *prometheus.CounterVec
	retries         *prometheus.CounterVec
	pending         prometheus.Gauge
	publishes       *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
}

// NewClientMetrics registers the client metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	if reg == nil {
		return &ClientMetrics{}
	}
	m := &ClientMetrics{
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Duration of access token refresh calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Requests replayed after a token refresh, by result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_pending_requests",
			Help:      "Requests waiting on the in-flight token refresh.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_publish_total",
			Help:      "Cart publish calls by outcome.",
		}, []string{"outcome"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_persist_failures_total",
			Help:      "Durable storage writes that failed, by component.",
		}, []string{"component"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime channel connection attempts after the first.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the realtime channel is connected.",
		}),
	}
	reg.MustRegister(m.refreshDuration, m.refreshTotal, m.retries, m.pending, m.publishes, m.persistFailures, m.reconnects, m.connected)
	return m
}

// ObserveRefresh records a settled refresh.
func (m *ClientMetrics) ObserveRefresh(outcome string, duration time.Duration) {
	if m == nil || m.refreshTotal == nil {
		return
	}
	label := normalizeLabel(outcome)
	m.refreshTotal.WithLabelValues(label).Inc()
	m.refreshDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// IncRetry counts a post-refresh replay.
func (m *ClientMetrics) IncRetry(result string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(result)).Inc()
}

// SetPending reports the pending queue depth.
func (m *ClientMetrics) SetPending(n int) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Set(float64(n))
}

// IncPublish counts a cart publish.
func (m *ClientMetrics) IncPublish(outcome string) {
	if m == nil || m.publishes == nil {
		return
	}
	m.publishes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncPersistFailure counts a failed durable write.
func (m *ClientMetrics) IncPersistFailure(component string) {
	if m == nil || m.persistFailures == nil {
		return
	}
	m.persistFailures.WithLabelValues(normalizeLabel(component)).Inc()
}

// IncReconnect counts a realtime reconnect attempt.
func (m *ClientMetrics) IncReconnect() {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnected flips the realtime connection gauge.
func (m *ClientMetrics) SetConnected(connected bool) {
	if m == nil || m.connected == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
