package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_paste_created_total",
		Help: "no. of pastes created",
	})
	FetchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fadebin_paste_fetch_total",
			Help: "no. of consuming fetches by lifecycle outcome",
		},
		[]string{"outcome"},
	)
	RenderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fadebin_paste_render_total",
			Help: "no. of html renders by lifecycle outcome",
		},
		[]string{"outcome"},
	)
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_cas_conflicts_total",
		Help: "no. of lost compare-and-swap races on view counting",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_id_collisions_total",
		Help: "no. of generated ids that were already taken",
	})
	ExpiredCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fadebin_expired_cleanups_total",
		Help: "no. of expired pastes deleted on access",
	})
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fadebin_store_op_duration_seconds",
			Help:    "store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op", "result"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fadebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fadebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PasteFailureRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fadebin_paste_failure_rate_percent",
		Help: "share of paste operations failing server side over the failure window",
	})
)
