package market

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"wattmarket-backend/core/market"
	"wattmarket-backend/ledger"
	mstore "wattmarket-backend/storage/market"
)

// PayoutQueue drains durable payout items to the transfer network. The
// purpose key is the idempotency key end to end: it is the queue primary
// key, the transfer tag, and the history primary key. Reprocessing after a
// crash finds the tagged transfer on the ledger and adopts it instead of
// sending again.
type PayoutQueue struct {
	store       mstore.Store
	ledger      ledger.Ledger
	log         *zap.SugaredLogger
	baseBackoff time.Duration
	maxAttempts int

	// OnSent, when set, runs after an item is sent and mirrored. Used to
	// settle records that wait on a specific payout, e.g. solutions.
	OnSent func(item market.PayoutItem)
}

// NewPayoutQueue builds a queue processor. Backoff doubles per attempt from
// baseBackoff; after maxAttempts the item is parked as failed for manual
// handling.
func NewPayoutQueue(store mstore.Store, l ledger.Ledger, log *zap.SugaredLogger) *PayoutQueue {
	return &PayoutQueue{
		store:       store,
		ledger:      l,
		log:         log,
		baseBackoff: time.Minute,
		maxAttempts: 10,
	}
}

// queuePayout appends a pending item due immediately. Zero and negative
// amounts produce no item: subtask platform fees are legitimately zero.
// Transition methods on the store write these rows in the same atomic unit
// as the state change they pay for.
func queuePayout(items []market.PayoutItem, recipient string, amount int64, purposeKey string) []market.PayoutItem {
	if amount <= 0 {
		return items
	}
	now := time.Now().UTC()
	return append(items, market.PayoutItem{
		PurposeKey:    purposeKey,
		Recipient:     recipient,
		Amount:        amount,
		Status:        market.PayoutPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
}

// ProcessOnce drains due items. Returns how many were sent this pass.
func (q *PayoutQueue) ProcessOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := q.store.DuePayouts(ctx, now, 50)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, item := range due {
		if err := q.processItem(ctx, item); err != nil {
			q.log.Warnw("payout attempt failed", "purpose_key", item.PurposeKey, "attempts", item.Attempts+1, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (q *PayoutQueue) processItem(ctx context.Context, item market.PayoutItem) error {
	// A prior process may have crashed after sending but before marking
	// sent. The transfer tag tells the truth; adopt it if it exists.
	txRef := ""
	if prior, err := q.ledger.FindByTag(ctx, item.PurposeKey); err == nil {
		txRef = prior.Ref
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return q.reschedule(ctx, item, err)
	}

	if txRef == "" {
		ref, err := q.ledger.Transfer(ctx, item.Recipient, item.Amount, item.PurposeKey)
		if err != nil {
			return q.reschedule(ctx, item, err)
		}
		txRef = ref
	}

	now := time.Now().UTC()
	if err := q.store.MarkPayoutSent(ctx, item.PurposeKey, txRef, now); err != nil {
		return err
	}
	if err := q.store.MirrorPayout(ctx, item.PurposeKey); err != nil {
		// Sent but unmirrored; startup reconciliation will backfill.
		q.log.Warnw("history mirror failed", "purpose_key", item.PurposeKey, "err", err)
	}
	metricPayoutsSent.Inc()
	emit(market.EventPayoutSent, item.PurposeKey, "", txRef)
	q.log.Infow("payout sent", "purpose_key", item.PurposeKey, "recipient", item.Recipient, "amount", item.Amount, "tx_ref", txRef)
	if q.OnSent != nil {
		item.Status = market.PayoutSent
		item.TxRef = txRef
		q.OnSent(item)
	}
	return nil
}

func (q *PayoutQueue) reschedule(ctx context.Context, item market.PayoutItem, cause error) error {
	now := time.Now().UTC()
	attempts := item.Attempts + 1
	final := attempts >= q.maxAttempts
	if final {
		metricPayoutsAbandoned.Inc()
		q.log.Errorw("payout abandoned after max attempts", "purpose_key", item.PurposeKey, "attempts", attempts, "err", cause)
	} else {
		metricPayoutsFailed.Inc()
	}
	if err := q.store.MarkPayoutFailed(ctx, item.PurposeKey, now, now.Add(q.backoff(attempts)), final); err != nil {
		return err
	}
	return cause
}

// backoff doubles per attempt from the base, capped at one hour. The
// schedule is persisted with the item so it survives restarts.
func (q *PayoutQueue) backoff(attempts int) time.Duration {
	d := q.baseBackoff
	for i := 1; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// ReconcileStartup backfills history for items that were sent but not
// mirrored before a restart. No funds move here.
func (q *PayoutQueue) ReconcileStartup(ctx context.Context) (int, error) {
	items, err := q.store.SentUnmirrored(ctx)
	if err != nil {
		return 0, err
	}
	mirrored := 0
	for _, item := range items {
		if err := q.store.MirrorPayout(ctx, item.PurposeKey); err != nil {
			q.log.Warnw("startup mirror failed", "purpose_key", item.PurposeKey, "err", err)
			continue
		}
		mirrored++
	}
	if mirrored > 0 {
		q.log.Infow("startup reconciliation backfilled history", "items", mirrored)
	}
	return mirrored, nil
}
