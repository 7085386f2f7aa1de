// Package market persists marketplace state. The store is the single
// writer-arbitrated resource: every lifecycle transition is a conditional
// write here, and uniqueness of escrow references and payout purpose keys
// is enforced at this layer, not just in the engine.
package market

import (
	"context"
	"strings"
	"time"

	"wattmarket-backend/core/market"
)

// isWorkerPayoutKey reports whether a purpose key pays a worker for a
// completed task, as opposed to a fee or refund. Only these count toward a
// wallet's completed total.
func isWorkerPayoutKey(key string) bool {
	return strings.HasSuffix(key, ":worker-payout")
}

// Store abstracts marketplace persistence. Postgres and memory
// implementations exist; both give the same compare-and-swap semantics.
type Store interface {
	// CreateTaskWithEscrow admits a task and consumes its escrow reference
	// in one atomic unit. If the write fails the reference stays
	// unconsumed so a client retry is safe. A reused reference yields
	// market.ErrEscrowAlreadyUsed.
	CreateTaskWithEscrow(ctx context.Context, task market.Task, esc market.EscrowRecord) error
	GetTask(ctx context.Context, id string) (market.Task, error)
	ListTasks(ctx context.Context, filter market.TaskFilter) ([]market.Task, error)

	// ClaimTask is a compare-and-swap from open to claimed. Losers of a
	// concurrent claim get market.ErrTaskConflict, never a crash.
	ClaimTask(ctx context.Context, taskID, wallet, name string, expires time.Time) (market.Task, error)
	// SubmitTask moves claimed -> submitted, only for the recorded claimer.
	SubmitTask(ctx context.Context, taskID, wallet string, sub market.Submission) (market.Task, error)
	// MarkVerified moves submitted -> verified and writes the payout queue
	// rows in the same atomic unit: either the transition and its payouts
	// commit together, or nothing does. Duplicate purpose keys are skipped.
	MarkVerified(ctx context.Context, taskID string, v market.Verification, payouts []market.PayoutItem) (market.Task, error)
	// ReopenRejected moves submitted -> open, clears the claimer, records
	// the failed verification, and increments rejection counters.
	ReopenRejected(ctx context.Context, taskID string, v market.Verification) (market.Task, error)
	// DelegateTask commits a delegation atomically: parent claimed ->
	// delegated plus all child rows, or nothing.
	DelegateTask(ctx context.Context, parentID, coordinator string, fee int64, children []market.Task) (market.Task, error)
	// CompleteChild atomically decrements the parent's remaining-children
	// counter and returns the value after the decrement. Exactly one
	// caller observes zero.
	CompleteChild(ctx context.Context, parentID string) (int, error)
	// FinalizeParent moves delegated -> verified once fan-in completes,
	// committing the coordinator and fee payouts with the transition.
	FinalizeParent(ctx context.Context, parentID string, v market.Verification, payouts []market.PayoutItem) (market.Task, error)
	// CancelTask moves open/rejected -> cancelled, requester only.
	CancelTask(ctx context.Context, taskID, wallet string) (market.Task, error)
	// ExpireTasks marks claimed/submitted tasks whose window passed, and
	// open tasks past their overall deadline, as expired. Returns the
	// tasks it transitioned.
	ExpireTasks(ctx context.Context, now time.Time) ([]market.Task, error)

	GetEscrow(ctx context.Context, ref string) (market.EscrowRecord, error)

	// EnqueuePayout inserts a queue item; a duplicate purpose key is a
	// no-op returning market.ErrDuplicatePayout.
	EnqueuePayout(ctx context.Context, item market.PayoutItem) error
	GetPayout(ctx context.Context, purposeKey string) (market.PayoutItem, error)
	// DuePayouts returns pending items whose next attempt time has passed.
	DuePayouts(ctx context.Context, now time.Time, limit int) ([]market.PayoutItem, error)
	// MarkPayoutSent binds the one transfer reference this item may ever
	// have. Subsequent calls with a different reference fail.
	MarkPayoutSent(ctx context.Context, purposeKey, txRef string, at time.Time) error
	// MarkPayoutFailed records a failed attempt and its backoff schedule;
	// final flips the item to failed for manual handling.
	MarkPayoutFailed(ctx context.Context, purposeKey string, at, next time.Time, final bool) error
	// SentUnmirrored lists items sent but not yet copied to history.
	SentUnmirrored(ctx context.Context) ([]market.PayoutItem, error)
	// MirrorPayout appends the permanent history row and marks the item
	// mirrored, updating worker aggregates.
	MirrorPayout(ctx context.Context, purposeKey string) error
	ListHistory(ctx context.Context, recipient string, limit int) ([]market.PayoutRecord, error)
	Leaderboard(ctx context.Context, sortBy string, limit int) ([]market.WorkerStats, error)

	// Solutions.
	CreateSolution(ctx context.Context, s market.Solution) error
	GetSolution(ctx context.Context, id string) (market.Solution, error)
	GetSolutionBySlug(ctx context.Context, slug string) (market.Solution, error)
	// FundSolution consumes the escrow reference and opens the solution
	// in one atomic unit.
	FundSolution(ctx context.Context, id string, esc market.EscrowRecord) (market.Solution, error)
	// AddSolutionClaim appends a worker to the bounded claim list.
	AddSolutionClaim(ctx context.Context, id, wallet string) (market.Solution, error)
	// ApproveSolution moves open -> approved for the winner, committing
	// the winner payout and treasury fee with the transition.
	ApproveSolution(ctx context.Context, id, winnerWallet string, payouts []market.PayoutItem) (market.Solution, error)
	MarkSolutionPaid(ctx context.Context, id string) error
	// RefundSolution moves a refund-eligible solution to refunded,
	// committing the repayment with the transition.
	RefundSolution(ctx context.Context, id string, payouts []market.PayoutItem) (market.Solution, error)
	// ExpireSolutions marks open solutions past deadline as expired.
	ExpireSolutions(ctx context.Context, now time.Time) ([]market.Solution, error)

	Stats(ctx context.Context) (market.Stats, error)
	WorkerStats(ctx context.Context, wallet string) (market.WorkerStats, error)

	Close()
}
