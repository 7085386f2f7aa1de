package market

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wattmarket-backend/core/market"
	"wattmarket-backend/ledger"
	"wattmarket-backend/review"
	mstore "wattmarket-backend/storage/market"
)

type harness struct {
	engine *Engine
	store  *mstore.MemoryStore
	ledger *ledger.MemoryLedger
	scorer *review.ScriptedScorer
	queue  *PayoutQueue
}

func newHarness(t *testing.T, scores ...int) *harness {
	t.Helper()
	store := mstore.NewMemoryStore()
	led := ledger.NewMemoryLedger()
	scripted := &review.ScriptedScorer{}
	for _, s := range scores {
		scripted.Scores = append(scripted.Scores, review.Score{Value: s, Feedback: "scripted"})
	}
	log := zap.NewNop().Sugar()
	queue := NewPayoutQueue(store, led, log)
	engine := NewEngine(
		store,
		NewEscrowVerifier(led, "collection-wallet", market.EscrowMaxAge),
		NewVerificationGate(scripted, market.VerifyThreshold, time.Second),
		"platform-wallet",
		log,
	)
	return &harness{engine: engine, store: store, ledger: led, scorer: scripted, queue: queue}
}

func (h *harness) seedEscrow(ref string, amount int64) {
	h.ledger.Seed(ledger.Transfer{
		Ref:       ref,
		Sender:    "wallet-creator",
		Recipient: "collection-wallet",
		Amount:    amount,
		BlockTime: time.Now().UTC(),
	})
}

func (h *harness) createTask(t *testing.T, reward int64) market.Task {
	t.Helper()
	ref := "esc-" + market.NewTaskID()
	h.seedEscrow(ref, reward)
	task, err := h.engine.CreateTask(context.Background(), market.TaskSpec{
		Title:       "summarize research corpus",
		Description: "produce a structured summary of the provided papers",
		Type:        "analysis",
		Reward:      reward,
	}, "wallet-creator", ref)
	require.NoError(t, err)
	return task
}

func TestCreateClaimSubmitVerifyPayout(t *testing.T) {
	h := newHarness(t, 9)
	ctx := context.Background()

	task := h.createTask(t, 2000)
	assert.Equal(t, int64(100), task.PlatformFee)
	assert.Equal(t, int64(1900), task.WorkerPayout)
	assert.Equal(t, market.StatusOpen, task.Status)

	_, err := h.engine.ClaimTask(ctx, task.TaskID, "wallet-worker", "worker-1")
	require.NoError(t, err)

	_, err = h.engine.SubmitTask(ctx, task.TaskID, "wallet-worker", "summary attached", "")
	require.NoError(t, err)

	verified, err := h.engine.VerifyTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusVerified, verified.Status)
	assert.Equal(t, 9, verified.Verification.Score)

	sent, err := h.queue.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent, "worker payout and platform fee")
	assert.Equal(t, 2, h.ledger.TransferCount())

	// Re-running the queue is a no-op.
	sent, err = h.queue.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 2, h.ledger.TransferCount())

	worker, err := h.engine.WorkerStats(ctx, "wallet-worker")
	require.NoError(t, err)
	assert.Equal(t, int64(1900), worker.Earned)
	assert.Equal(t, 1, worker.Completed)
}

func TestCreatorCannotClaimOwnTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, 2000)
	_, err := h.engine.ClaimTask(ctx, task.TaskID, "wallet-creator", "self")
	assert.Equal(t, "own_task", market.CodeOf(err))

	cur, err := h.engine.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusOpen, cur.Status, "task stays open for real workers")

	_, err = h.engine.ClaimTask(ctx, task.TaskID, "wallet-worker", "")
	require.NoError(t, err)
}

func TestVerifyBelowThresholdReopens(t *testing.T) {
	h := newHarness(t, 6)
	ctx := context.Background()

	task := h.createTask(t, 2000)
	_, err := h.engine.ClaimTask(ctx, task.TaskID, "wallet-worker", "")
	require.NoError(t, err)
	_, err = h.engine.SubmitTask(ctx, task.TaskID, "wallet-worker", "half done", "")
	require.NoError(t, err)

	reopened, err := h.engine.VerifyTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusOpen, reopened.Status)
	assert.Equal(t, 1, reopened.Rejections)
	assert.Empty(t, reopened.ClaimerWallet)

	// Zero funds moved.
	sent, err := h.queue.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, h.ledger.TransferCount())
}

func TestScorerOutageFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.scorer.Err = assert.AnError
	ctx := context.Background()

	task := h.createTask(t, 2000)
	_, err := h.engine.ClaimTask(ctx, task.TaskID, "wallet-worker", "")
	require.NoError(t, err)
	_, err = h.engine.SubmitTask(ctx, task.TaskID, "wallet-worker", "done", "")
	require.NoError(t, err)

	_, err = h.engine.VerifyTask(ctx, task.TaskID)
	require.Error(t, err)
	assert.Equal(t, market.KindExternal, market.KindOf(err))

	// Task stays submitted; a later retry with a healthy scorer succeeds.
	cur, err := h.engine.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusSubmitted, cur.Status)

	h.scorer.Err = nil
	h.scorer.Scores = []review.Score{{Value: 8, Feedback: "fine"}}
	verified, err := h.engine.VerifyTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusVerified, verified.Status)
}

func TestEscrowRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := market.TaskSpec{Title: "t", Description: "d", Reward: 2000}

	t.Run("unknown reference", func(t *testing.T) {
		_, err := h.engine.CreateTask(ctx, spec, "wallet-creator", "esc-missing")
		assert.Equal(t, "tx_not_found", market.CodeOf(err))
	})

	t.Run("amount too low", func(t *testing.T) {
		h.seedEscrow("esc-low", 1500)
		_, err := h.engine.CreateTask(ctx, spec, "wallet-creator", "esc-low")
		assert.Equal(t, "tx_amount_too_low", market.CodeOf(err))
	})

	t.Run("stale transfer", func(t *testing.T) {
		h.ledger.Seed(ledger.Transfer{
			Ref: "esc-old", Sender: "wallet-creator", Recipient: "collection-wallet",
			Amount: 2000, BlockTime: time.Now().Add(-time.Hour),
		})
		_, err := h.engine.CreateTask(ctx, spec, "wallet-creator", "esc-old")
		assert.Equal(t, "tx_too_old", market.CodeOf(err))
	})

	t.Run("wrong recipient", func(t *testing.T) {
		h.ledger.Seed(ledger.Transfer{
			Ref: "esc-wrong", Sender: "wallet-creator", Recipient: "somebody-else",
			Amount: 2000, BlockTime: time.Now(),
		})
		_, err := h.engine.CreateTask(ctx, spec, "wallet-creator", "esc-wrong")
		assert.Equal(t, "tx_wrong_recipient", market.CodeOf(err))
	})

	t.Run("failed transfer", func(t *testing.T) {
		h.ledger.Seed(ledger.Transfer{
			Ref: "esc-failed", Sender: "wallet-creator", Recipient: "collection-wallet",
			Amount: 2000, BlockTime: time.Now(), Failed: true,
		})
		_, err := h.engine.CreateTask(ctx, spec, "wallet-creator", "esc-failed")
		assert.Equal(t, "failed_on_chain", market.CodeOf(err))
	})

	t.Run("reused reference", func(t *testing.T) {
		h.seedEscrow("esc-reuse", 2000)
		_, err := h.engine.CreateTask(ctx, spec, "wallet-creator", "esc-reuse")
		require.NoError(t, err)
		_, err = h.engine.CreateTask(ctx, spec, "wallet-creator", "esc-reuse")
		assert.Equal(t, "tx_already_used", market.CodeOf(err))
	})
}

func TestDelegationEndToEnd(t *testing.T) {
	// Child verifications score 8 and 9; parent is finalized by fan-in.
	h := newHarness(t, 8, 9)
	ctx := context.Background()

	parent := h.createTask(t, 10000) // payout 9500, coordinator fee 475
	_, err := h.engine.ClaimTask(ctx, parent.TaskID, "wallet-coord", "coordinator")
	require.NoError(t, err)

	specs := []market.TaskSpec{
		{Title: "collect sources", Description: "d", Type: "scrape", Reward: 4000},
		{Title: "write summary", Description: "d", Type: "content", Reward: 5000},
	}
	delegated, err := h.engine.Delegate(ctx, parent.TaskID, "wallet-coord", specs)
	require.NoError(t, err)
	assert.Equal(t, market.StatusDelegated, delegated.Status)
	assert.Equal(t, int64(475), delegated.CoordinatorFee)
	require.Len(t, delegated.SubtaskIDs, 2)

	for i, childID := range delegated.SubtaskIDs {
		worker := []string{"wallet-w1", "wallet-w2"}[i]
		_, err := h.engine.ClaimTask(ctx, childID, worker, "")
		require.NoError(t, err)
		_, err = h.engine.SubmitTask(ctx, childID, worker, "child result", "")
		require.NoError(t, err)
		_, err = h.engine.VerifyTask(ctx, childID)
		require.NoError(t, err)
	}

	fin, err := h.engine.GetTask(ctx, parent.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusVerified, fin.Status)
	require.NotNil(t, fin.Verification)
	assert.Len(t, fin.Verification.Subtasks, 2)
	assert.Equal(t, 8, fin.Verification.Score, "parent carries the weakest child score")

	sent, err := h.queue.ProcessOnce(ctx)
	require.NoError(t, err)
	// Two child worker payouts (no child platform fees), coordinator fee,
	// parent platform fee.
	assert.Equal(t, 4, sent)

	coord, err := h.engine.WorkerStats(ctx, "wallet-coord")
	require.NoError(t, err)
	assert.Equal(t, int64(475), coord.Earned)
	assert.Zero(t, coord.Completed, "coordinator fee is not a completed task")
}

func TestRecoverStalledDelegation(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	parent := h.createTask(t, 10000)
	_, err := h.engine.ClaimTask(ctx, parent.TaskID, "wallet-coord", "")
	require.NoError(t, err)
	delegated, err := h.engine.Delegate(ctx, parent.TaskID, "wallet-coord", []market.TaskSpec{
		{Title: "collect sources", Description: "d", Reward: 4000},
		{Title: "write summary", Description: "d", Reward: 5000},
	})
	require.NoError(t, err)

	// First child completes through the engine; the fan-in counter drops to
	// one without finalizing the parent.
	first := delegated.SubtaskIDs[0]
	_, err = h.engine.ClaimTask(ctx, first, "wallet-w1", "")
	require.NoError(t, err)
	_, err = h.engine.SubmitTask(ctx, first, "wallet-w1", "sources", "")
	require.NoError(t, err)
	_, err = h.engine.VerifyTask(ctx, first)
	require.NoError(t, err)

	// Second child: drive the store directly so the decrement lands without
	// the parent finalize, the state a crash between the two leaves behind.
	second := delegated.SubtaskIDs[1]
	_, err = h.engine.ClaimTask(ctx, second, "wallet-w2", "")
	require.NoError(t, err)
	_, err = h.engine.SubmitTask(ctx, second, "wallet-w2", "summary", "")
	require.NoError(t, err)
	_, err = h.store.MarkVerified(ctx, second,
		market.Verification{Score: 9, Threshold: market.VerifyThreshold, VerifiedAt: time.Now().UTC()},
		queuePayout(nil, "wallet-w2", 5000, market.WorkerPayoutKey(second)))
	require.NoError(t, err)
	remaining, err := h.store.CompleteChild(ctx, parent.TaskID)
	require.NoError(t, err)
	require.Zero(t, remaining)

	stranded, err := h.engine.GetTask(ctx, parent.TaskID)
	require.NoError(t, err)
	require.Equal(t, market.StatusDelegated, stranded.Status)

	recovered, err := h.engine.RecoverDelegations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	fin, err := h.engine.GetTask(ctx, parent.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusVerified, fin.Status)
	require.NotNil(t, fin.Verification)
	assert.Equal(t, 8, fin.Verification.Score)

	// Recovery is idempotent and the queued money is complete: two child
	// payouts, the coordinator fee, the parent platform fee.
	recovered, err = h.engine.RecoverDelegations(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	sent, err := h.queue.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sent)
}

func TestDelegationGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := h.createTask(t, 10000)
	_, err := h.engine.ClaimTask(ctx, parent.TaskID, "wallet-coord", "")
	require.NoError(t, err)

	okSpecs := []market.TaskSpec{
		{Title: "a", Description: "d", Reward: 2000},
		{Title: "b", Description: "d", Reward: 2000},
	}

	t.Run("only claimer delegates", func(t *testing.T) {
		_, err := h.engine.Delegate(ctx, parent.TaskID, "wallet-other", okSpecs)
		assert.Equal(t, "not_claimer", market.CodeOf(err))
	})

	t.Run("budget overflow leaves no children", func(t *testing.T) {
		_, err := h.engine.Delegate(ctx, parent.TaskID, "wallet-coord", []market.TaskSpec{
			{Title: "a", Description: "d", Reward: 5000},
			{Title: "b", Description: "d", Reward: 5000}, // 10000 + 475 > 9500
		})
		assert.Equal(t, "budget_exceeded", market.CodeOf(err))
		subs, err := h.engine.ListTasks(ctx, market.TaskFilter{Parent: parent.TaskID})
		require.NoError(t, err)
		assert.Empty(t, subs)
	})

	t.Run("single subtask refused", func(t *testing.T) {
		_, err := h.engine.Delegate(ctx, parent.TaskID, "wallet-coord", okSpecs[:1])
		assert.Equal(t, "too_few_subtasks", market.CodeOf(err))
	})

	t.Run("depth limit", func(t *testing.T) {
		// Walk a chain down to the max depth; the deepest claimer may not
		// delegate again.
		id := parent.TaskID
		coordinator := "wallet-coord"
		budget := int64(4000)
		for depth := 0; depth < market.MaxDepth; depth++ {
			delegated, err := h.engine.Delegate(ctx, id, coordinator, []market.TaskSpec{
				{Title: "left", Description: "d", Reward: budget / 2},
				{Title: "right", Description: "d", Reward: budget / 4},
			})
			require.NoError(t, err)
			id = delegated.SubtaskIDs[0]
			coordinator = fmt.Sprintf("wallet-deep-%d", depth)
			_, err = h.engine.ClaimTask(ctx, id, coordinator, "")
			require.NoError(t, err)
			budget /= 2
		}
		_, err := h.engine.Delegate(ctx, id, coordinator, []market.TaskSpec{
			{Title: "too deep a", Description: "d", Reward: market.MinSubtaskReward},
			{Title: "too deep b", Description: "d", Reward: market.MinSubtaskReward},
		})
		assert.Equal(t, "max_depth", market.CodeOf(err))
	})
}

func TestCancelDelegatedParentRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := h.createTask(t, 10000)
	_, err := h.engine.ClaimTask(ctx, parent.TaskID, "wallet-coord", "")
	require.NoError(t, err)
	_, err = h.engine.Delegate(ctx, parent.TaskID, "wallet-coord", []market.TaskSpec{
		{Title: "a", Description: "d", Reward: 2000},
		{Title: "b", Description: "d", Reward: 2000},
	})
	require.NoError(t, err)

	_, err = h.engine.CancelTask(ctx, parent.TaskID, "wallet-creator")
	assert.Equal(t, "not_cancellable", market.CodeOf(err))
}

func TestExpiredTaskCannotBeSubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, 2000)
	_, err := h.engine.ClaimTask(ctx, task.TaskID, "wallet-worker", "")
	require.NoError(t, err)

	// Force the claim window into the past and sweep.
	_, err = h.store.ExpireTasks(ctx, time.Now().Add(market.ClaimWindow+time.Hour))
	require.NoError(t, err)

	cur, err := h.engine.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusExpired, cur.Status)

	_, err = h.engine.SubmitTask(ctx, task.TaskID, "wallet-worker", "late", "")
	require.Error(t, err)
}

func TestTree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := h.createTask(t, 10000)
	_, err := h.engine.ClaimTask(ctx, parent.TaskID, "wallet-coord", "")
	require.NoError(t, err)
	delegated, err := h.engine.Delegate(ctx, parent.TaskID, "wallet-coord", []market.TaskSpec{
		{Title: "a", Description: "d", Reward: 2000},
		{Title: "b", Description: "d", Reward: 2000},
		{Title: "c", Description: "d", Reward: 2000},
	})
	require.NoError(t, err)

	tree, err := h.engine.Tree(ctx, parent.TaskID)
	require.NoError(t, err)
	assert.Equal(t, delegated.TaskID, tree.Task.TaskID)
	assert.Len(t, tree.Children, 3)
	for _, child := range tree.Children {
		assert.Equal(t, parent.TaskID, child.Task.ParentTaskID)
		assert.Equal(t, 1, child.Task.DelegationDepth)
	}
}
