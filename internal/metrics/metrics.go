// Package metrics registers the service's Prometheus instruments. Scraped
// at /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckIns counts decisions by outcome: approved, pending, rejected,
	// liveness_failed, duplicate, outside_geofence, invalid_qr, not_ready.
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetverify_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})

	// QRFailures counts token validations that did not pass, by reason:
	// invalid_token, inactive, expired, max_scans, meeting_not_active.
	QRFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetverify_qr_failures_total",
		Help: "QR token validation failures by reason.",
	}, []string{"reason"})

	// ReviewDecisions counts approve/reject calls on pending verifications.
	ReviewDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetverify_review_decisions_total",
		Help: "Pending verification reviews by decision.",
	}, []string{"decision"})

	// EmbedLatency tracks embedding-extraction round trips.
	EmbedLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meetverify_embed_latency_seconds",
		Help:    "Latency of embedding extraction calls.",
		Buckets: prometheus.DefBuckets,
	})
)
