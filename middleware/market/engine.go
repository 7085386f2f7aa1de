// Package market is the marketplace engine: lifecycle transitions,
// delegation, escrow admission, the quality gate, and the payout pipeline.
// The store arbitrates all writes; nothing here holds a lock across an
// external call.
package market

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wattmarket-backend/core/market"
	mstore "wattmarket-backend/storage/market"
)

// Engine drives task state. Every transition is a conditional write in the
// store; the engine adds the guards, fee math, and gate calls around them.
// Transitions that release funds hand their payout items to the store so the
// state change and the queue rows commit as one unit.
type Engine struct {
	store          mstore.Store
	escrow         *EscrowVerifier
	gate           *VerificationGate
	log            *zap.SugaredLogger
	platformWallet string
}

// NewEngine wires the engine. platformWallet receives fee payouts.
func NewEngine(store mstore.Store, escrow *EscrowVerifier, gate *VerificationGate, platformWallet string, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:          store,
		escrow:         escrow,
		gate:           gate,
		log:            log,
		platformWallet: platformWallet,
	}
}

// CreateTask validates the spec, verifies the escrow transfer, and admits
// the task. Escrow consumption and task admission are one store
// transaction; a definitive escrow rejection never touches the store.
func (e *Engine) CreateTask(ctx context.Context, spec market.TaskSpec, creatorWallet, escrowRef string) (market.Task, error) {
	market.NormalizeSpec(&spec)
	if err := market.ValidateSpec(spec); err != nil {
		return market.Task{}, err
	}
	if creatorWallet == "" {
		return market.Task{}, market.Errf(market.KindValidation, "wallet_required", "creator wallet is required")
	}

	esc, err := e.escrow.Verify(ctx, escrowRef, spec.Reward, "")
	if err != nil {
		return market.Task{}, err
	}

	now := time.Now().UTC()
	deadline := now.Add(market.DefaultTaskDeadline)
	if spec.DeadlineHours > 0 {
		deadline = now.Add(time.Duration(spec.DeadlineHours) * time.Hour)
	}
	fee := market.PlatformFee(spec.Reward)
	task := market.Task{
		TaskID:        market.NewTaskID(),
		Title:         spec.Title,
		Description:   spec.Description,
		Type:          spec.Type,
		Reward:        spec.Reward,
		PlatformFee:   fee,
		WorkerPayout:  spec.Reward - fee,
		Requirements:  spec.Requirements,
		WorkerType:    spec.WorkerType,
		CreatorWallet: creatorWallet,
		EscrowTx:      esc.TxRef,
		Status:        market.StatusOpen,
		CreatedAt:     now,
		Deadline:      deadline,
	}
	if err := e.store.CreateTaskWithEscrow(ctx, task, esc); err != nil {
		return market.Task{}, err
	}
	metricTasksCreated.Inc()
	emit(market.EventTaskCreated, task.TaskID, creatorWallet, task.Title)
	e.log.Infow("task created", "task_id", task.TaskID, "reward", task.Reward, "escrow_tx", esc.TxRef)
	return task, nil
}

// GetTask returns one task.
func (e *Engine) GetTask(ctx context.Context, id string) (market.Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(ctx context.Context, f market.TaskFilter) ([]market.Task, error) {
	return e.store.ListTasks(ctx, f)
}

// ClaimTask moves an open task to claimed for the worker. The claim window
// never extends past the task deadline.
func (e *Engine) ClaimTask(ctx context.Context, taskID, wallet, name string) (market.Task, error) {
	if wallet == "" {
		return market.Task{}, market.Errf(market.KindValidation, "wallet_required", "claimer wallet is required")
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, err
	}
	if task.CreatorWallet == wallet {
		return market.Task{}, market.Errf(market.KindGuard, "own_task", "cannot claim your own task")
	}
	expires := time.Now().UTC().Add(market.ClaimWindow)
	if !task.Deadline.IsZero() && expires.After(task.Deadline) {
		expires = task.Deadline
	}
	claimed, err := e.store.ClaimTask(ctx, taskID, wallet, name, expires)
	if err != nil {
		return market.Task{}, err
	}
	emit(market.EventTaskClaimed, taskID, wallet, "")
	e.log.Infow("task claimed", "task_id", taskID, "wallet", wallet, "expires", expires)
	return claimed, nil
}

// SubmitTask records the claimer's result. Verification is a separate
// trigger so a scorer outage never wedges a submission.
func (e *Engine) SubmitTask(ctx context.Context, taskID, wallet, result, resultURL string) (market.Task, error) {
	if result == "" && resultURL == "" {
		return market.Task{}, market.Errf(market.KindValidation, "result_required", "result or result_url is required")
	}
	if len(result) > market.MaxResultLen {
		return market.Task{}, market.Errf(market.KindValidation, "result_too_long", "result exceeds %d chars", market.MaxResultLen)
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, err
	}
	if task.Status == market.StatusClaimed && task.ClaimExpires != nil && time.Now().After(*task.ClaimExpires) {
		return market.Task{}, market.Errf(market.KindGuard, "claim_expired", "claim window has passed")
	}
	sub := market.Submission{Result: result, ResultURL: resultURL, SubmittedAt: time.Now().UTC()}
	updated, err := e.store.SubmitTask(ctx, taskID, wallet, sub)
	if err != nil {
		return market.Task{}, err
	}
	emit(market.EventTaskSubmitted, taskID, wallet, "")
	e.log.Infow("task submitted", "task_id", taskID, "wallet", wallet)
	return updated, nil
}

// VerifyTask runs the quality gate on a submitted task. Score at or above
// threshold: verified, payouts enqueued, fan-in propagated. Below: the task
// reopens with the rejection recorded. Scorer unavailable: the task stays
// submitted and the error is retryable.
func (e *Engine) VerifyTask(ctx context.Context, taskID string) (market.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, err
	}
	if task.Status != market.StatusSubmitted {
		if task.Terminal() {
			return market.Task{}, market.ErrTaskTerminal
		}
		return market.Task{}, market.Errf(market.KindGuard, "not_submitted", "task is %s, nothing to verify", task.Status)
	}

	requirements := task.Requirements
	if requirements == "" {
		requirements = task.Description
	}
	artifact := ""
	if task.Submission != nil {
		artifact = task.Submission.Result
		if artifact == "" {
			artifact = task.Submission.ResultURL
		}
	}

	verdict, accepted, err := e.gate.Check(ctx, requirements, artifact)
	if err != nil {
		return market.Task{}, err
	}

	if !accepted {
		reopened, err := e.store.ReopenRejected(ctx, taskID, verdict)
		if err != nil {
			return market.Task{}, err
		}
		metricTasksRejected.Inc()
		emit(market.EventTaskRejected, taskID, task.ClaimerWallet, verdict.Feedback)
		e.log.Infow("submission rejected", "task_id", taskID, "score", verdict.Score, "threshold", verdict.Threshold)
		return reopened, nil
	}

	var items []market.PayoutItem
	items = queuePayout(items, task.ClaimerWallet, task.WorkerPayout, market.WorkerPayoutKey(taskID))
	items = queuePayout(items, e.platformWallet, task.PlatformFee, market.PlatformFeeKey(taskID))
	verified, err := e.store.MarkVerified(ctx, taskID, verdict, items)
	if err != nil {
		return market.Task{}, err
	}
	metricTasksVerified.Inc()
	emit(market.EventTaskVerified, taskID, verified.ClaimerWallet, "")
	e.log.Infow("task verified", "task_id", taskID, "score", verdict.Score, "payout", verified.WorkerPayout)

	if verified.ParentTaskID != "" {
		if err := e.propagateChildVerified(ctx, verified); err != nil {
			return market.Task{}, err
		}
	}
	return verified, nil
}

// propagateChildVerified decrements the parent's fan-in counter. Exactly
// one child observes zero; that caller finalizes the parent.
func (e *Engine) propagateChildVerified(ctx context.Context, child market.Task) error {
	remaining, err := e.store.CompleteChild(ctx, child.ParentTaskID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return e.finalizeParent(ctx, child.ParentTaskID)
}

// finalizeParent verifies a delegated parent whose children are all in. The
// verdict aggregates per-subtask scores and carries the weakest one; the
// coordinator fee and parent platform fee commit with the transition.
func (e *Engine) finalizeParent(ctx context.Context, parentID string) error {
	parent, err := e.store.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != market.StatusDelegated || parent.RemainingChildren != 0 {
		return market.ErrTaskConflict
	}
	verdict := market.Verification{
		Feedback:   "all subtasks verified",
		Threshold:  market.VerifyThreshold,
		VerifiedAt: time.Now().UTC(),
	}
	minScore := market.MaxScore
	for _, id := range parent.SubtaskIDs {
		sub, err := e.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		score := 0
		if sub.Verification != nil {
			score = sub.Verification.Score
		}
		if score < minScore {
			minScore = score
		}
		verdict.Subtasks = append(verdict.Subtasks, market.SubtaskResult{TaskID: sub.TaskID, Title: sub.Title, Score: score})
	}
	verdict.Score = minScore

	var items []market.PayoutItem
	items = queuePayout(items, parent.CoordinatorWallet, parent.CoordinatorFee, market.CoordinatorFeeKey(parent.TaskID))
	items = queuePayout(items, e.platformWallet, parent.PlatformFee, market.PlatformFeeKey(parent.TaskID))
	finalized, err := e.store.FinalizeParent(ctx, parent.TaskID, verdict, items)
	if err != nil {
		return err
	}
	metricTasksVerified.Inc()
	emit(market.EventTaskVerified, finalized.TaskID, finalized.CoordinatorWallet, "fan-in complete")
	e.log.Infow("delegated parent verified", "task_id", finalized.TaskID, "coordinator_fee", finalized.CoordinatorFee)
	return nil
}

// RecoverDelegations finalizes delegated parents whose last child completed
// but whose parent transition never committed, the state a crash between the
// fan-in decrement and the finalize leaves behind. Run it at startup.
func (e *Engine) RecoverDelegations(ctx context.Context) (int, error) {
	parents, err := e.store.ListTasks(ctx, market.TaskFilter{Status: market.StatusDelegated})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, p := range parents {
		if p.RemainingChildren != 0 {
			continue
		}
		if err := e.finalizeParent(ctx, p.TaskID); err != nil {
			e.log.Warnw("delegation recovery failed", "task_id", p.TaskID, "err", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.log.Infow("recovered stalled delegations", "parents", recovered)
	}
	return recovered, nil
}

// Delegate splits a claimed task into subtasks. The budget rule: sum of
// child rewards plus the coordinator fee must fit inside the parent's
// worker payout. The parent transition and all child rows commit together
// or not at all.
func (e *Engine) Delegate(ctx context.Context, parentID, coordinator string, specs []market.TaskSpec) (market.Task, error) {
	parent, err := e.store.GetTask(ctx, parentID)
	if err != nil {
		return market.Task{}, err
	}
	if parent.Terminal() {
		return market.Task{}, market.ErrTaskTerminal
	}
	if parent.Status != market.StatusClaimed {
		return market.Task{}, market.Errf(market.KindGuard, "not_claimed", "only claimed tasks delegate, task is %s", parent.Status)
	}
	if parent.ClaimerWallet != coordinator {
		return market.Task{}, market.Errf(market.KindGuard, "not_claimer", "only the claimer may delegate")
	}
	if parent.DelegationDepth >= market.MaxDepth {
		return market.Task{}, market.Errf(market.KindGuard, "max_depth", "delegation depth %d reached", market.MaxDepth)
	}
	normalized := make([]market.TaskSpec, len(specs))
	copy(normalized, specs)
	if err := market.ValidateSubtaskSpecs(normalized); err != nil {
		return market.Task{}, err
	}

	fee := market.CoordinatorFee(parent.WorkerPayout)
	var total int64
	for _, sp := range normalized {
		total += sp.Reward
	}
	if total+fee > parent.WorkerPayout {
		return market.Task{}, market.Errf(market.KindGuard, "budget_exceeded",
			"children %d + coordinator fee %d exceed budget %d", total, fee, parent.WorkerPayout)
	}

	now := time.Now().UTC()
	children := make([]market.Task, 0, len(normalized))
	for _, sp := range normalized {
		deadline := parent.Deadline
		if sp.DeadlineHours > 0 {
			deadline = now.Add(time.Duration(sp.DeadlineHours) * time.Hour)
		}
		children = append(children, market.Task{
			TaskID:          market.NewTaskID(),
			Title:           sp.Title,
			Description:     sp.Description,
			Type:            sp.Type,
			Reward:          sp.Reward,
			PlatformFee:     0, // fee already taken at the parent level
			WorkerPayout:    sp.Reward,
			Requirements:    sp.Requirements,
			WorkerType:      sp.WorkerType,
			CreatorWallet:   coordinator,
			EscrowTx:        parent.EscrowTx,
			Status:          market.StatusOpen,
			CreatedAt:       now,
			Deadline:        deadline,
			ParentTaskID:    parent.TaskID,
			DelegationDepth: parent.DelegationDepth + 1,
		})
	}

	delegated, err := e.store.DelegateTask(ctx, parentID, coordinator, fee, children)
	if err != nil {
		return market.Task{}, err
	}
	metricDelegations.Inc()
	emit(market.EventTaskDelegated, parentID, coordinator, fmt.Sprintf("%d subtasks", len(children)))
	e.log.Infow("task delegated", "task_id", parentID, "subtasks", len(children), "coordinator_fee", fee)
	return delegated, nil
}

// CancelTask withdraws an open task. Funds do not move; escrow refund is a
// separate explicit operation.
func (e *Engine) CancelTask(ctx context.Context, taskID, wallet string) (market.Task, error) {
	cancelled, err := e.store.CancelTask(ctx, taskID, wallet)
	if err != nil {
		return market.Task{}, err
	}
	emit(market.EventTaskCancelled, taskID, wallet, "")
	e.log.Infow("task cancelled", "task_id", taskID)
	return cancelled, nil
}

// TaskNode is one node of a delegation tree.
type TaskNode struct {
	Task     market.Task `json:"task"`
	Children []TaskNode  `json:"children,omitempty"`
}

// Tree returns the delegation tree rooted at taskID, traversed by repeated
// lookups and bounded by the fixed max depth.
func (e *Engine) Tree(ctx context.Context, taskID string) (TaskNode, error) {
	return e.subtree(ctx, taskID, 0)
}

func (e *Engine) subtree(ctx context.Context, taskID string, depth int) (TaskNode, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskNode{}, err
	}
	node := TaskNode{Task: task}
	if depth >= market.MaxDepth {
		return node, nil
	}
	for _, id := range task.SubtaskIDs {
		child, err := e.subtree(ctx, id, depth+1)
		if err != nil {
			return TaskNode{}, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// Stats returns marketplace-wide counters.
func (e *Engine) Stats(ctx context.Context) (market.Stats, error) {
	return e.store.Stats(ctx)
}

// Leaderboard ranks workers from payout history.
func (e *Engine) Leaderboard(ctx context.Context, sortBy string, limit int) ([]market.WorkerStats, error) {
	return e.store.Leaderboard(ctx, sortBy, limit)
}

// WorkerStats returns one wallet's aggregates.
func (e *Engine) WorkerStats(ctx context.Context, wallet string) (market.WorkerStats, error) {
	return e.store.WorkerStats(ctx, wallet)
}

// PayoutHistory lists settled payouts, optionally for one recipient.
func (e *Engine) PayoutHistory(ctx context.Context, recipient string, limit int) ([]market.PayoutRecord, error) {
	return e.store.ListHistory(ctx, recipient, limit)
}
