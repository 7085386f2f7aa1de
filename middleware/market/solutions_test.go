package market

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wattmarket-backend/core/market"
	"wattmarket-backend/ledger"
)

func prepareSolution(t *testing.T, h *harness) market.Solution {
	t.Helper()
	sol, err := h.engine.PrepareSolution(context.Background(),
		"Fix flaky checkout tests", "checkout suite must pass 50 consecutive runs",
		10000, "wallet-customer", "example/shop")
	require.NoError(t, err)
	return sol
}

func fundSolution(t *testing.T, h *harness, sol market.Solution) market.Solution {
	t.Helper()
	h.ledger.Seed(ledger.Transfer{
		Ref:       "esc-" + sol.Slug,
		Sender:    "wallet-customer",
		Recipient: "collection-wallet",
		Amount:    sol.Budget,
		Tag:       SolutionMemo(sol.Slug),
		BlockTime: time.Now().UTC(),
	})
	funded, err := h.engine.FundSolution(context.Background(), sol.SolutionID, "esc-"+sol.Slug)
	require.NoError(t, err)
	return funded
}

func TestSolutionPrepare(t *testing.T) {
	h := newHarness(t)
	sol := prepareSolution(t, h)

	assert.Equal(t, market.SolutionPendingEscrow, sol.Status)
	assert.True(t, strings.HasPrefix(sol.Slug, "fix-flaky-checkout-tests-"), sol.Slug)
	assert.Equal(t, int64(500), sol.Fee)
	assert.Equal(t, int64(9500), sol.WinnerPayout)
	assert.NotEmpty(t, sol.ApprovalToken)

	t.Run("budget floor", func(t *testing.T) {
		_, err := h.engine.PrepareSolution(context.Background(), "small", "spec", 100, "wallet-customer", "")
		assert.Equal(t, "budget_too_low", market.CodeOf(err))
	})
}

func TestSolutionFundingMemoMismatch(t *testing.T) {
	h := newHarness(t)
	sol := prepareSolution(t, h)

	h.ledger.Seed(ledger.Transfer{
		Ref:       "esc-untagged",
		Sender:    "wallet-customer",
		Recipient: "collection-wallet",
		Amount:    sol.Budget,
		Tag:       "solve:someone-elses-slug",
		BlockTime: time.Now().UTC(),
	})
	_, err := h.engine.FundSolution(context.Background(), sol.SolutionID, "esc-untagged")
	assert.Equal(t, "tx_memo_mismatch", market.CodeOf(err))

	cur, err := h.engine.GetSolution(context.Background(), sol.SolutionID)
	require.NoError(t, err)
	assert.Equal(t, market.SolutionPendingEscrow, cur.Status, "rejection leaves the solution unfunded")
}

func TestSolutionApprovalFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sol := fundSolution(t, h, prepareSolution(t, h))
	assert.Equal(t, market.SolutionOpen, sol.Status)

	_, err := h.engine.ClaimSolutionSpec(ctx, sol.SolutionID, "wallet-dev1")
	require.NoError(t, err)
	_, err = h.engine.ClaimSolutionSpec(ctx, sol.SolutionID, "wallet-dev2")
	require.NoError(t, err)

	t.Run("bad token refused", func(t *testing.T) {
		_, err := h.engine.ApproveSolution(ctx, sol.SolutionID, "wrong-token", "wallet-dev1")
		assert.Equal(t, "bad_approval_token", market.CodeOf(err))
	})

	t.Run("winner must have claimed", func(t *testing.T) {
		_, err := h.engine.ApproveSolution(ctx, sol.SolutionID, sol.ApprovalToken, "wallet-stranger")
		assert.Equal(t, "winner_not_claimant", market.CodeOf(err))
	})

	h.queue.OnSent = h.engine.SettleSolutionPayout
	approved, err := h.engine.ApproveSolution(ctx, sol.SolutionID, sol.ApprovalToken, "wallet-dev1")
	require.NoError(t, err)
	assert.Equal(t, market.SolutionApproved, approved.Status)

	sent, err := h.queue.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent, "winner payout and treasury fee")

	settled, err := h.engine.GetSolution(ctx, sol.SolutionID)
	require.NoError(t, err)
	assert.Equal(t, market.SolutionPaid, settled.Status)

	winner, err := h.engine.WorkerStats(ctx, "wallet-dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(9500), winner.Earned)
}

func TestSolutionRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sol := fundSolution(t, h, prepareSolution(t, h))

	refunded, err := h.engine.RefundSolution(ctx, sol.SolutionID, sol.ApprovalToken)
	require.NoError(t, err)
	assert.Equal(t, market.SolutionRefunded, refunded.Status)

	sent, err := h.queue.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	hist, err := h.engine.PayoutHistory(ctx, "wallet-customer", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, sol.Budget, hist[0].Amount)
}

func TestSolutionClaimListBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sol := fundSolution(t, h, prepareSolution(t, h))

	for i := 0; i < market.MaxSpecClaims; i++ {
		_, err := h.engine.ClaimSolutionSpec(ctx, sol.SolutionID, market.NewTaskID())
		require.NoError(t, err)
	}
	_, err := h.engine.ClaimSolutionSpec(ctx, sol.SolutionID, "wallet-51st")
	assert.Equal(t, "claims_full", market.CodeOf(err))
}
