package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LocationSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_samples_total", Help: "Location samples delivered to consumers, by accuracy tier"},
		[]string{"accuracy"},
	)
	LocationFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_fallbacks_total", Help: "High-accuracy timeouts that fell back to a low-accuracy fix"})
	LocationFixErrors      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_fix_errors_total", Help: "Position requests that surfaced an error, by class"},
		[]string{"class"},
	)

	TelemetryPushesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "telemetry_pushes_total", Help: "Successful fire-and-forget location pushes"})
	TelemetryPushErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "telemetry_push_errors_total", Help: "Failed location pushes deferred to the next sample"})

	DutyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "duty_transitions_total", Help: "Committed duty state transitions"},
		[]string{"to"},
	)
	DutyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "duty_rejections_total", Help: "Toggle requests rejected before reaching the gateway"},
		[]string{"reason"},
	)

	OffersResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "offers_resolved_total", Help: "Ride offers resolved, by terminal outcome"},
		[]string{"outcome"},
	)
	OfferDecisionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "driver_agent",
		Name:      "offer_decision_seconds",
		Help:      "Time from offer arrival to terminal resolution",
		Buckets:   prometheus.LinearBuckets(5, 5, 12),
	})

	MessagesSentTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "messages_sent_total", Help: "Conversation messages written to the stream"})
	SnapshotUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "snapshot_updates_total", Help: "Full conversation snapshots delivered to subscribers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "http_requests_total", Help: "Total control API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driver_agent",
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
