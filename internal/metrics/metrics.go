package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_events_emitted_total",
			Help: "Total number of events emitted by type.",
		},
		[]string{"event"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_deliveries_total",
			Help: "Total number of webhook delivery attempts by status.",
		},
		[]string{"status"}, // delivered, failed
	)

	DeliveryLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentgate_delivery_latency_seconds",
			Help:    "Webhook delivery attempt latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_retries_total",
			Help: "Total number of scheduled delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, connection_refused
	)

	RetriesAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgate_retries_abandoned_total",
			Help: "Total number of deliveries abandoned after the backoff schedule was exhausted.",
		},
	)

	PendingRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgate_pending_retries",
			Help: "Number of retries currently scheduled.",
		},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_auth_failures_total",
			Help: "Total number of rejected signed requests by reason.",
		},
		[]string{"reason"},
	)

	ManifestVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_manifest_verifications_total",
			Help: "Total number of manifest verifications by result.",
		},
		[]string{"result"}, // verified, unverified
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_job_runs_total",
			Help: "Total number of scheduled job runs by status.",
		},
		[]string{"status"}, // success, failure
	)

	JobsAutoPausedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgate_jobs_auto_paused_total",
			Help: "Total number of jobs auto-paused after consecutive failures.",
		},
	)

	KeystoreRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgate_keystore_refreshes_total",
			Help: "Total number of key store reloads from the backing directories.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsEmittedTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		RetriesTotal,
		RetriesAbandonedTotal,
		PendingRetries,
		AuthFailuresTotal,
		ManifestVerificationsTotal,
		JobRunsTotal,
		JobsAutoPausedTotal,
		KeystoreRefreshesTotal,
	)
}

func RecordEventEmitted(eventType string) {
	EventsEmittedTotal.WithLabelValues(eventType).Inc()
}

func RecordDelivery(status string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryLatencySeconds.Observe(d.Seconds())
}

// RecordRetryScheduled counts a scheduled retry and bumps the pending gauge.
func RecordRetryScheduled(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
	PendingRetries.Inc()
}

// RecordRetryDone drops a retry from the pending gauge once it fired or was cancelled.
func RecordRetryDone() {
	PendingRetries.Dec()
}

func RecordRetryAbandoned() {
	RetriesAbandonedTotal.Inc()
}

func RecordAuthFailure(reason string) {
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordManifestVerification(verified bool) {
	result := "unverified"
	if verified {
		result = "verified"
	}
	ManifestVerificationsTotal.WithLabelValues(result).Inc()
}

func RecordJobRun(success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	JobRunsTotal.WithLabelValues(status).Inc()
}

func RecordJobAutoPaused() {
	JobsAutoPausedTotal.Inc()
}

func RecordKeystoreRefresh() {
	KeystoreRefreshesTotal.Inc()
}
