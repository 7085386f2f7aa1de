package market

import "fmt"

// PlatformFee is the treasury cut of a task reward. Integer division: the
// remainder stays in the worker payout so the split always sums back to the
// full reward.
func PlatformFee(reward int64) int64 {
	return reward * PlatformFeePct / 100
}

// WorkerPayout is what the claimer receives on verification.
func WorkerPayout(reward int64) int64 {
	return reward - PlatformFee(reward)
}

// CoordinatorFee is the delegating agent's cut of the parent worker payout.
func CoordinatorFee(parentPayout int64) int64 {
	return parentPayout * CoordinatorPct / 100
}

// SolutionFee is the treasury cut of an escrowed solution budget.
func SolutionFee(budget int64) int64 {
	return budget * SolutionFeePct / 100
}

// Purpose keys tie a payout queue entry to the one effect it may cause.
// They are derived from business identity, never from a request id.

func WorkerPayoutKey(taskID string) string      { return fmt.Sprintf("task:%s:worker-payout", taskID) }
func PlatformFeeKey(taskID string) string       { return fmt.Sprintf("task:%s:platform-fee", taskID) }
func CoordinatorFeeKey(taskID string) string    { return fmt.Sprintf("task:%s:coordinator-fee", taskID) }
func SolutionWinnerKey(solutionID string) string { return fmt.Sprintf("solution:%s:winner-payout", solutionID) }
func SolutionFeeKey(solutionID string) string    { return fmt.Sprintf("solution:%s:platform-fee", solutionID) }
func SolutionRefundKey(solutionID string) string { return fmt.Sprintf("solution:%s:refund", solutionID) }
