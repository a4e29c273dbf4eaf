package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the branch-sync collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections        prometheus.Gauge
	updatesAppended    prometheus.Counter
	updatesRejected    prometheus.Counter
	compactions        *prometheus.CounterVec
	actionsRouted      *prometheus.CounterVec
	webhooks           *prometheus.CounterVec
	rateLimitNotified  prometheus.Counter
	deliveryFailures   prometheus.Counter
	operationDurations *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "tether_connections",
			Help: "Number of logged-in connections.",
		}),
		updatesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "tether_updates_appended_total",
			Help: "Total number of updates appended to branch logs.",
		}),
		updatesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "tether_updates_rejected_total",
			Help: "Total number of add_updates requests rejected with max_size_reached.",
		}),
		compactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_compactions_total",
			Help: "Overflow-triggered compactions by result.",
		}, []string{"result"}),
		actionsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_actions_routed_total",
			Help: "Remote actions routed by selection mode.",
		}, []string{"mode"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_webhooks_total",
			Help: "Webhook deliveries by response status.",
		}, []string{"status"}),
		rateLimitNotified: f.NewCounter(prometheus.CounterOpts{
			Name: "tether_rate_limit_notifications_total",
			Help: "Number of rate_limit_exceeded events sent.",
		}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tether_delivery_failures_total",
			Help: "Number of messenger calls that failed for at least one recipient.",
		}),
		operationDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tether_operation_duration_seconds",
			Help:    "Duration of controller operations.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
	}
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) appended(n int) {
	if m == nil {
		return
	}
	m.updatesAppended.Add(float64(n))
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.updatesRejected.Inc()
}

func (m *Metrics) compaction(result string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(result).Inc()
}

func (m *Metrics) actionRouted(mode string) {
	if m == nil {
		return
	}
	m.actionsRouted.WithLabelValues(mode).Inc()
}

func (m *Metrics) webhook(status string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(status).Inc()
}

func (m *Metrics) rateLimitNotification() {
	if m == nil {
		return
	}
	m.rateLimitNotified.Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// observe is deferred at the top of each controller operation.
func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.operationDurations.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
