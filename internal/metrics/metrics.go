package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handover_tokens_created_total",
		Help: "Total number of delivery tokens created.",
	})

	TokensCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handover_tokens_completed_total",
		Help: "Total number of delivery tokens confirmed by scan or photo evidence.",
	})

	TokensExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handover_tokens_expired_total",
		Help: "Total number of delivery tokens marked expired.",
	})

	ScanRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_scan_rejections_total",
		Help: "Total number of rejected scan attempts by reason.",
	},
		[]string{"reason"},
	)

	ExchangesSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handover_exchanges_settled_total",
		Help: "Total number of exchanges settled exactly once.",
	})

	PartialCascadeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handover_partial_cascade_failures_total",
		Help: "Total number of settlement side effects that failed after completion.",
	})

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_operation_errors_total",
		Help: "Total number of errors encountered during specific operations.",
	},
		[]string{"operation"},
	)

	TokenCacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handover_token_cache_items",
		Help: "Current number of items in the active token cache.",
	})
)
