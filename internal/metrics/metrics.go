package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_selections_total",
			Help: "Credential selections by pool, scheduling mode and result",
		},
		[]string{"pool_id", "mode", "result"},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credbroker_session_cache_hits_total",
			Help: "Selections served from session affinity",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credbroker_session_cache_misses_total",
			Help: "Session lookups that fell through to scheduling",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credbroker_session_cache_entries",
			Help: "Live session affinity entries",
		},
	)

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_outcomes_total",
			Help: "Reported request outcomes per pool",
		},
		[]string{"pool_id", "outcome"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credbroker_upstream_latency_seconds",
			Help:    "Upstream latency reported with outcomes",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"pool_id"},
	)

	AutoDisabledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_credential_auto_disabled_total",
			Help: "Credentials disabled by the health policy",
		},
		[]string{"pool_id", "reason"},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_token_refresh_total",
			Help: "Upstream token refreshes by result",
		},
		[]string{"result"},
	)

	TokenRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credbroker_token_refresh_duration_seconds",
			Help:    "Token refresh duration including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	Credentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credbroker_credentials",
			Help: "Credentials per pool and state",
		},
		[]string{"pool_id", "state"},
	)

	PersistenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_persistence_writes_total",
			Help: "Snapshot writes by result",
		},
		[]string{"result"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_notifications_total",
			Help: "Event notifications by type and result",
		},
		[]string{"type", "result"},
	)

	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_proxy_requests_total",
			Help: "Forwarded requests by final status class",
		},
		[]string{"status"},
	)
)

func RecordSelection(poolID, mode, result string) {
	SelectionsTotal.WithLabelValues(poolID, mode, result).Inc()
}

func RecordSessionHit() {
	SessionCacheHits.Inc()
}

func RecordSessionMiss() {
	SessionCacheMisses.Inc()
}

func SetSessionCacheSize(n int) {
	SessionCacheSize.Set(float64(n))
}

func RecordOutcome(poolID, outcome string, latencySeconds float64) {
	OutcomesTotal.WithLabelValues(poolID, outcome).Inc()
	if latencySeconds > 0 {
		UpstreamLatency.WithLabelValues(poolID).Observe(latencySeconds)
	}
}

func RecordAutoDisable(poolID, reason string) {
	AutoDisabledTotal.WithLabelValues(poolID, reason).Inc()
}

func RecordTokenRefresh(result string, durationSeconds float64) {
	TokenRefreshTotal.WithLabelValues(result).Inc()
	TokenRefreshDuration.Observe(durationSeconds)
}

func SetCredentialCount(poolID, state string, n int) {
	Credentials.WithLabelValues(poolID, state).Set(float64(n))
}

func RecordPersistenceWrite(result string) {
	PersistenceWrites.WithLabelValues(result).Inc()
}

func RecordNotification(notificationType, result string) {
	NotificationsTotal.WithLabelValues(notificationType, result).Inc()
}

func RecordProxyRequest(status string) {
	ProxyRequestsTotal.WithLabelValues(status).Inc()
}
