package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wattmarket-backend/core/market"
	mstore "wattmarket-backend/storage/market"
)

// StartExpirySweep runs the periodic deadline pass: overdue tasks become
// expired (terminal), overdue solutions become refund-eligible. When
// autoRefund is set, expired solutions are refunded immediately, the
// repayment queued with the transition.
func StartExpirySweep(ctx context.Context, store mstore.Store, interval time.Duration, autoRefund bool, log *zap.SugaredLogger) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sweepExpiry(ctx, store, autoRefund, log)
			}
		}
	}()
}

func sweepExpiry(ctx context.Context, store mstore.Store, autoRefund bool, log *zap.SugaredLogger) {
	now := time.Now().UTC()

	expired, err := store.ExpireTasks(ctx, now)
	if err != nil {
		log.Warnw("expiry sweep failed", "err", err)
	}
	for _, t := range expired {
		metricTasksExpired.Inc()
		emit(market.EventTaskExpired, t.TaskID, "", "")
		log.Infow("task expired", "task_id", t.TaskID, "was", t.ClaimerWallet)
	}

	sols, err := store.ExpireSolutions(ctx, now)
	if err != nil {
		log.Warnw("solution expiry sweep failed", "err", err)
		return
	}
	for _, sol := range sols {
		log.Infow("solution expired", "solution_id", sol.SolutionID)
		if !autoRefund {
			continue
		}
		items := queuePayout(nil, sol.CustomerWallet, sol.Budget, market.SolutionRefundKey(sol.SolutionID))
		if _, err := store.RefundSolution(ctx, sol.SolutionID, items); err != nil {
			log.Warnw("auto refund failed", "solution_id", sol.SolutionID, "err", err)
			continue
		}
		emit(market.EventSolutionRefunded, sol.SolutionID, sol.CustomerWallet, "expired")
	}
}

// StartPayoutSweep drains the payout queue on an interval. The queue itself
// is idempotent; running this alongside manual ProcessOnce calls is safe.
func StartPayoutSweep(ctx context.Context, q *PayoutQueue, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := q.ProcessOnce(ctx); err != nil {
					q.log.Warnw("payout sweep failed", "err", err)
				}
			}
		}
	}()
}
