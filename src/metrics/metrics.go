package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "camly"

var (
	awardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "awards_total",
		Help:      "Ledger entries written by the accrual engine, by action type",
	}, []string{"action_type"})

	awardedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "awarded_amount_total",
		Help:      "Absolute ledger units moved by the accrual engine, by action type",
	}, []string{"action_type"})

	capRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "daily_cap_rejections_total",
		Help:      "Positive accruals refused because the daily cap was reached",
	})

	claimTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "claims",
		Name:      "transitions_total",
		Help:      "Claim status changes, by resulting status",
	}, []string{"status"})

	settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "attempts_total",
		Help:      "Settlement attempts, by outcome",
	}, []string{"outcome"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "Time from settle start to confirmed reconciliation",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	})

	treasuryBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "treasury_balance_tokens",
		Help:      "Last observed treasury token balance in whole tokens",
	})

	rpcRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "retries_total",
		Help:      "Transient chain rpc failures that were retried, by call",
	}, []string{"call"})
)

func RecordAward(actionType string, amount int64) {
	awardsTotal.WithLabelValues(actionType).Inc()
	if amount < 0 {
		amount = -amount
	}
	awardedAmount.WithLabelValues(actionType).Add(float64(amount))
}

func RecordCapRejection() {
	capRejections.Inc()
}

func RecordClaimTransition(status string) {
	claimTransitions.WithLabelValues(status).Inc()
}

// RecordSettlement - outcome is one of claimed, awaiting, reverted, treasury, failed
func RecordSettlement(outcome string, elapsed time.Duration) {
	settlements.WithLabelValues(outcome).Inc()
	if outcome == "claimed" {
		settlementDuration.Observe(elapsed.Seconds())
	}
}

func SetTreasuryBalance(tokens float64) {
	treasuryBalance.Set(tokens)
}

func RecordRPCRetry(call string) {
	rpcRetries.WithLabelValues(call).Inc()
}

func StartPromServer(logger *zap.Logger, port string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("hosting prom stats on " + port + "/metrics")
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("prom server exited", zap.Error(err))
		}
	}()
}
