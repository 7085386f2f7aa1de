package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wattmarket-backend/core/market"
	"wattmarket-backend/ledger"
	mstore "wattmarket-backend/storage/market"
)

func newQueue(t *testing.T) (*PayoutQueue, *mstore.MemoryStore, *ledger.MemoryLedger) {
	t.Helper()
	store := mstore.NewMemoryStore()
	led := ledger.NewMemoryLedger()
	q := NewPayoutQueue(store, led, zap.NewNop().Sugar())
	return q, store, led
}

// seedPayout inserts a pending item directly, standing in for a transition
// that committed the row.
func seedPayout(t *testing.T, store *mstore.MemoryStore, recipient string, amount int64, key string) {
	t.Helper()
	items := queuePayout(nil, recipient, amount, key)
	require.Len(t, items, 1)
	require.NoError(t, store.EnqueuePayout(context.Background(), items[0]))
}

func TestQueuePayoutSkipsZeroAmounts(t *testing.T) {
	assert.Empty(t, queuePayout(nil, "platform-wallet", 0, market.PlatformFeeKey("task_pq0000000002")))

	items := queuePayout(nil, "wallet-w1", 1900, market.WorkerPayoutKey("task_pq0000000001"))
	require.Len(t, items, 1)
	assert.Equal(t, market.PayoutPending, items[0].Status)
	assert.Equal(t, int64(1900), items[0].Amount)
	assert.False(t, items[0].NextAttemptAt.After(time.Now().UTC()), "due immediately")
}

func TestCrashReplayAdoptsExistingTransfer(t *testing.T) {
	q, store, led := newQueue(t)
	ctx := context.Background()
	key := market.WorkerPayoutKey("task_pq0000000003")

	// Simulate a prior process that crashed after sending but before
	// marking sent: the transfer is on the ledger, tagged with the purpose
	// key, while the queue item is still pending.
	led.Seed(ledger.Transfer{
		Ref:       "tx-prior",
		Sender:    "collection-wallet",
		Recipient: "wallet-w1",
		Amount:    1900,
		Tag:       key,
		BlockTime: time.Now().UTC(),
	})
	seedPayout(t, store, "wallet-w1", 1900, key)

	sent, err := q.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, led.TransferCount(), "only the prior transfer, no second send")

	item, err := store.GetPayout(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, market.PayoutSent, item.Status)
	assert.Equal(t, "tx-prior", item.TxRef)
	assert.True(t, item.Mirrored)
}

func TestFailureBacksOffThenSucceeds(t *testing.T) {
	q, store, led := newQueue(t)
	q.baseBackoff = time.Millisecond
	ctx := context.Background()
	key := market.PlatformFeeKey("task_pq0000000004")

	seedPayout(t, store, "platform-wallet", 100, key)
	led.FailNext(1)

	sent, err := q.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	item, err := store.GetPayout(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, market.PayoutPending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	time.Sleep(5 * time.Millisecond)
	sent, err = q.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, led.TransferCount())
}

func TestExhaustedRetriesParkItem(t *testing.T) {
	q, store, led := newQueue(t)
	q.baseBackoff = time.Nanosecond
	q.maxAttempts = 3
	ctx := context.Background()
	key := market.WorkerPayoutKey("task_pq0000000005")

	seedPayout(t, store, "wallet-w1", 500, key)
	led.FailNext(10)

	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		_, err := q.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	item, err := store.GetPayout(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, market.PayoutFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)

	// Parked items never come due again.
	time.Sleep(time.Millisecond)
	due, err := store.DuePayouts(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestStartupReconciliationBackfillsHistory(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	key := market.WorkerPayoutKey("task_pq0000000006")

	// Sent but unmirrored: the crash happened between the send mark and
	// the history mirror.
	seedPayout(t, store, "wallet-w1", 1900, key)
	require.NoError(t, store.MarkPayoutSent(ctx, key, "tx-done", time.Now().UTC()))

	hist, err := store.ListHistory(ctx, "wallet-w1", 10)
	require.NoError(t, err)
	require.Empty(t, hist)

	mirrored, err := q.ReconcileStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mirrored)

	hist, err = store.ListHistory(ctx, "wallet-w1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "tx-done", hist[0].TxRef)

	// Idempotent on restart.
	mirrored, err = q.ReconcileStartup(ctx)
	require.NoError(t, err)
	assert.Zero(t, mirrored)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q, _, _ := newQueue(t)
	assert.Equal(t, time.Minute, q.backoff(1))
	assert.Equal(t, 2*time.Minute, q.backoff(2))
	assert.Equal(t, 16*time.Minute, q.backoff(5))
	assert.Equal(t, time.Hour, q.backoff(12))
}
