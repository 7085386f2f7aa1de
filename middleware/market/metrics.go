package market

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_tasks_created_total",
		Help: "Tasks admitted with consumed escrow.",
	})
	metricTasksVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_tasks_verified_total",
		Help: "Tasks that passed the quality gate.",
	})
	metricTasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_tasks_rejected_total",
		Help: "Submissions that scored below threshold and reopened.",
	})
	metricTasksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_tasks_expired_total",
		Help: "Tasks expired by the sweep.",
	})
	metricDelegations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_delegations_total",
		Help: "Committed delegations.",
	})
	metricEscrowRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_escrow_rejected_total",
		Help: "Escrow verification rejections by reason code.",
	}, []string{"reason"})
	metricPayoutsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_payouts_sent_total",
		Help: "Payout queue items marked sent.",
	})
	metricPayoutsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_payouts_failed_total",
		Help: "Payout attempts that failed and were rescheduled.",
	})
	metricPayoutsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_payouts_abandoned_total",
		Help: "Payout items that exhausted their retry budget.",
	})
)
