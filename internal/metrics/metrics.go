package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "promokit"

// Redemption metrics
var (
	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Total number of redemption attempts by outcome",
		},
		[]string{"outcome"},
	)

	RedemptionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redemption_duration_seconds",
			Help:      "Redemption latency distribution",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"outcome"},
	)

	ShareEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_events_total",
			Help:      "Total number of recorded share events",
		},
		[]string{"platform"},
	)

	UsageAdjustmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_adjustments_total",
			Help:      "Total number of administrator usage corrections",
		},
	)
)

// Quota metrics
var (
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of creation admission decisions",
		},
		[]string{"kind", "result"},
	)

	MonthRolloversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "month_rollovers_total",
			Help:      "Total number of monthly counter resets",
		},
	)

	AccountsRecounted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_recounted_total",
			Help:      "Total number of account counter recounts",
		},
		[]string{"status"},
	)
)

// Campaign lifecycle metrics
var (
	CampaignsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_created_total",
			Help:      "Total number of campaigns created",
		},
	)

	CodesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_created_total",
			Help:      "Total number of codes created",
		},
	)

	CodeRenderFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_render_failures_total",
			Help:      "Total number of codes dropped because their image failed to render",
		},
	)

	CampaignsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_deleted_total",
			Help:      "Total number of campaigns deleted",
		},
	)

	CodesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_deleted_total",
			Help:      "Total number of codes removed by campaign deletion",
		},
	)

	AssetCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_cleanup_failures_total",
			Help:      "Total number of stored code images that could not be removed",
		},
	)
)

// Cache metrics
var (
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Total number of cache lookups",
		},
		[]string{"entity", "result"},
	)
)
