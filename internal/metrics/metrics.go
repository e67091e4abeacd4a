package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the sentinel pipeline.
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	EventsInvalidTotal   prometheus.Counter
	PersistErrorsTotal   prometheus.Counter
	AnomalyScore         prometheus.Histogram
	DetectionsTotal      *prometheus.CounterVec
	MitigationsTotal     *prometheus.CounterVec
	MitigationErrors     prometheus.Counter
	AlertsTriggeredTotal *prometheus.CounterVec
	AlertsThrottledTotal prometheus.Counter
	EscalationsTotal     prometheus.Counter
	NotificationsTotal   *prometheus.CounterVec
	NotificationErrors   *prometheus.CounterVec
	SecurityCheckFailOpen prometheus.Counter
	ActiveAlerts         prometheus.Gauge
	ActiveBlocks         prometheus.Gauge
	ProfilesTracked      prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors on the given registerer. Tests use
// a fresh registry per instance.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_total",
			Help: "Total number of security events ingested",
		}, []string{"category", "severity"}),
		EventsInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_invalid_total",
			Help: "Total number of invalid raw signals rejected",
		}),
		PersistErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_persist_errors_total",
			Help: "Total number of audit store write failures",
		}),
		AnomalyScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_anomaly_score",
			Help:    "Distribution of overall anomaly scores",
			Buckets: prometheus.LinearBuckets(0, 0.25, 10),
		}),
		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_detections_total",
			Help: "Total number of threat pattern detections",
		}, []string{"pattern", "severity"}),
		MitigationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_mitigations_total",
			Help: "Total number of mitigation actions executed",
		}, []string{"action"}),
		MitigationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_mitigation_errors_total",
			Help: "Total number of mitigation action failures",
		}),
		AlertsTriggeredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alerts_triggered_total",
			Help: "Total number of alerts triggered by rule",
		}, []string{"rule", "severity"}),
		AlertsThrottledTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_throttled_total",
			Help: "Total number of rule matches suppressed by throttling",
		}),
		EscalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_escalations_total",
			Help: "Total number of escalation level advances",
		}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Total number of notifications delivered by channel",
		}, []string{"channel"}),
		NotificationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_notification_errors_total",
			Help: "Total number of notification delivery failures by channel",
		}, []string{"channel"}),
		SecurityCheckFailOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_security_check_fail_open_total",
			Help: "Total number of security checks that failed open",
		}),
		ActiveAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_alerts",
			Help: "Number of alerts currently in active or acknowledged state",
		}),
		ActiveBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_blocks",
			Help: "Number of subjects currently locked or rate limited",
		}),
		ProfilesTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_profiles_tracked",
			Help: "Number of behavior profiles currently resident in memory",
		}),
	}
}
