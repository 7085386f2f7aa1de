package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"wattmarket-backend/core/market"
)

// MemoryStore keeps everything behind one mutex. It backs tests and
// single-node dev runs and honors the same conditional-write contracts as
// the Postgres store.
type MemoryStore struct {
	mu        sync.Mutex
	tasks     map[string]*market.Task
	taskOrder []string
	escrows   map[string]*market.EscrowRecord
	payouts   map[string]*market.PayoutItem
	payOrder  []string
	history   []market.PayoutRecord
	solutions map[string]*market.Solution
	slugs     map[string]string
	workers   map[string]*market.WorkerStats
	stats     market.Stats
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*market.Task),
		escrows:   make(map[string]*market.EscrowRecord),
		payouts:   make(map[string]*market.PayoutItem),
		solutions: make(map[string]*market.Solution),
		slugs:     make(map[string]string),
		workers:   make(map[string]*market.WorkerStats),
	}
}

func cloneTask(t *market.Task) market.Task {
	cp := *t
	if t.SubtaskIDs != nil {
		cp.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	}
	if t.Submission != nil {
		s := *t.Submission
		cp.Submission = &s
	}
	if t.Verification != nil {
		v := *t.Verification
		v.Subtasks = append([]market.SubtaskResult(nil), t.Verification.Subtasks...)
		cp.Verification = &v
	}
	return cp
}

func (m *MemoryStore) consumeEscrowLocked(esc market.EscrowRecord, by string) error {
	if prev, ok := m.escrows[esc.TxRef]; ok && prev.Consumed {
		return market.ErrEscrowAlreadyUsed
	}
	now := time.Now().UTC()
	esc.Consumed = true
	esc.ConsumedBy = by
	esc.ConsumedAt = &now
	m.escrows[esc.TxRef] = &esc
	return nil
}

// CreateTaskWithEscrow admits a task and consumes its escrow atomically.
func (m *MemoryStore) CreateTaskWithEscrow(_ context.Context, task market.Task, esc market.EscrowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.consumeEscrowLocked(esc, task.TaskID); err != nil {
		return err
	}
	cp := cloneTask(&task)
	m.tasks[task.TaskID] = &cp
	m.taskOrder = append(m.taskOrder, task.TaskID)
	m.stats.TotalCreated++
	m.stats.TotalEscrowed += esc.Amount
	return nil
}

// GetTask returns a copy of the task.
func (m *MemoryStore) GetTask(_ context.Context, id string) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListTasks applies the filter in creation order, newest first.
func (m *MemoryStore) ListTasks(_ context.Context, f market.TaskFilter) ([]market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Task, 0)
	skipped := 0
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		t := m.tasks[m.taskOrder[i]]
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.WorkerType != "" && t.WorkerType != f.WorkerType && t.WorkerType != "any" {
			continue
		}
		if f.Parent == "none" && t.ParentTaskID != "" {
			continue
		}
		if f.Parent != "" && f.Parent != "none" && t.ParentTaskID != f.Parent {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, cloneTask(t))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// ClaimTask swaps open -> claimed; a concurrent loser sees ErrTaskConflict.
func (m *MemoryStore) ClaimTask(_ context.Context, taskID, wallet, name string, expires time.Time) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	if t.Terminal() {
		return market.Task{}, market.ErrTaskTerminal
	}
	if t.Status != market.StatusOpen {
		return market.Task{}, market.ErrTaskConflict
	}
	now := time.Now().UTC()
	t.Status = market.StatusClaimed
	t.ClaimerWallet = wallet
	t.ClaimerName = name
	t.ClaimedAt = &now
	t.ClaimExpires = &expires
	return cloneTask(t), nil
}

// SubmitTask swaps claimed -> submitted for the recorded claimer.
func (m *MemoryStore) SubmitTask(_ context.Context, taskID, wallet string, sub market.Submission) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	if t.Terminal() {
		return market.Task{}, market.ErrTaskTerminal
	}
	if t.Status != market.StatusClaimed {
		return market.Task{}, market.ErrTaskConflict
	}
	if t.ClaimerWallet != wallet {
		return market.Task{}, market.Errf(market.KindGuard, "not_claimer", "task claimed by another wallet")
	}
	t.Status = market.StatusSubmitted
	s := sub
	t.Submission = &s
	t.SubmittedAt = &s.SubmittedAt
	return cloneTask(t), nil
}

// MarkVerified swaps submitted -> verified and queues the payouts under the
// same lock, so the transition and its money commit as one unit.
func (m *MemoryStore) MarkVerified(_ context.Context, taskID string, v market.Verification, payouts []market.PayoutItem) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	if t.Status != market.StatusSubmitted {
		return market.Task{}, market.ErrTaskConflict
	}
	t.Status = market.StatusVerified
	vv := v
	t.Verification = &vv
	t.VerifiedAt = &vv.VerifiedAt
	m.stats.TotalCompleted++
	m.enqueuePayoutsLocked(payouts)
	return cloneTask(t), nil
}

// ReopenRejected puts a failed submission back on the market.
func (m *MemoryStore) ReopenRejected(_ context.Context, taskID string, v market.Verification) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	if t.Status != market.StatusSubmitted {
		return market.Task{}, market.ErrTaskConflict
	}
	worker := t.ClaimerWallet
	t.Status = market.StatusOpen
	vv := v
	t.Verification = &vv
	t.Rejections++
	t.ClaimerWallet = ""
	t.ClaimerName = ""
	t.ClaimedAt = nil
	t.ClaimExpires = nil
	t.Submission = nil
	t.SubmittedAt = nil
	m.workerLocked(worker).Rejections++
	return cloneTask(t), nil
}

// DelegateTask commits the parent transition and all children together.
func (m *MemoryStore) DelegateTask(_ context.Context, parentID, coordinator string, fee int64, children []market.Task) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tasks[parentID]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	if p.Terminal() {
		return market.Task{}, market.ErrTaskTerminal
	}
	if p.Status != market.StatusClaimed || p.ClaimerWallet != coordinator {
		return market.Task{}, market.ErrTaskConflict
	}
	p.Status = market.StatusDelegated
	p.CoordinatorWallet = coordinator
	p.CoordinatorFee = fee
	p.RemainingChildren = len(children)
	p.SubtaskIDs = make([]string, 0, len(children))
	for i := range children {
		c := cloneTask(&children[i])
		m.tasks[c.TaskID] = &c
		m.taskOrder = append(m.taskOrder, c.TaskID)
		p.SubtaskIDs = append(p.SubtaskIDs, c.TaskID)
		m.stats.TotalCreated++
	}
	return cloneTask(p), nil
}

// CompleteChild decrements the parent's remaining-children counter.
func (m *MemoryStore) CompleteChild(_ context.Context, parentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tasks[parentID]
	if !ok {
		return 0, market.ErrTaskNotFound
	}
	if p.Status != market.StatusDelegated || p.RemainingChildren <= 0 {
		return 0, market.ErrTaskConflict
	}
	p.RemainingChildren--
	return p.RemainingChildren, nil
}

// FinalizeParent swaps delegated -> verified after fan-in, queueing the
// coordinator and fee payouts with the transition.
func (m *MemoryStore) FinalizeParent(_ context.Context, parentID string, v market.Verification, payouts []market.PayoutItem) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tasks[parentID]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	if p.Status != market.StatusDelegated || p.RemainingChildren != 0 {
		return market.Task{}, market.ErrTaskConflict
	}
	p.Status = market.StatusVerified
	vv := v
	p.Verification = &vv
	p.VerifiedAt = &vv.VerifiedAt
	m.stats.TotalCompleted++
	m.enqueuePayoutsLocked(payouts)
	return cloneTask(p), nil
}

// CancelTask swaps open -> cancelled for the requester.
func (m *MemoryStore) CancelTask(_ context.Context, taskID, wallet string) (market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return market.Task{}, market.ErrTaskNotFound
	}
	if t.Terminal() {
		return market.Task{}, market.ErrTaskTerminal
	}
	if t.CreatorWallet != wallet {
		return market.Task{}, market.Errf(market.KindGuard, "not_creator", "only the creator may cancel")
	}
	if t.Status != market.StatusOpen {
		return market.Task{}, market.Errf(market.KindGuard, "not_cancellable", "task is %s, only open tasks cancel", t.Status)
	}
	now := time.Now().UTC()
	t.Status = market.StatusCancelled
	t.CancelledAt = &now
	return cloneTask(t), nil
}

// ExpireTasks sweeps overdue tasks into the expired state.
func (m *MemoryStore) ExpireTasks(_ context.Context, now time.Time) ([]market.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Task
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		switch t.Status {
		case market.StatusOpen:
			if !t.Deadline.IsZero() && now.After(t.Deadline) {
				t.Status = market.StatusExpired
				out = append(out, cloneTask(t))
			}
		case market.StatusClaimed:
			if t.ClaimExpires != nil && now.After(*t.ClaimExpires) {
				t.Status = market.StatusExpired
				out = append(out, cloneTask(t))
			}
		case market.StatusSubmitted:
			if !t.Deadline.IsZero() && now.After(t.Deadline) {
				t.Status = market.StatusExpired
				out = append(out, cloneTask(t))
			}
		}
	}
	return out, nil
}

// GetEscrow returns the stored escrow record for a reference.
func (m *MemoryStore) GetEscrow(_ context.Context, ref string) (market.EscrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[ref]
	if !ok {
		return market.EscrowRecord{}, market.ErrEscrowNotFound
	}
	return *e, nil
}

// EnqueuePayout inserts a queue item keyed by purpose.
func (m *MemoryStore) EnqueuePayout(_ context.Context, item market.PayoutItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[item.PurposeKey]; ok {
		return market.ErrDuplicatePayout
	}
	cp := item
	m.payouts[item.PurposeKey] = &cp
	m.payOrder = append(m.payOrder, item.PurposeKey)
	return nil
}

// enqueuePayoutsLocked queues items inside a transition. An already present
// purpose key is skipped, keeping a retried transition from double-paying.
func (m *MemoryStore) enqueuePayoutsLocked(items []market.PayoutItem) {
	for _, item := range items {
		if _, ok := m.payouts[item.PurposeKey]; ok {
			continue
		}
		cp := item
		m.payouts[item.PurposeKey] = &cp
		m.payOrder = append(m.payOrder, item.PurposeKey)
	}
}

// GetPayout returns a queue item by purpose key.
func (m *MemoryStore) GetPayout(_ context.Context, purposeKey string) (market.PayoutItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[purposeKey]
	if !ok {
		return market.PayoutItem{}, market.ErrTaskNotFound
	}
	return *p, nil
}

// DuePayouts lists pending items whose attempt time has arrived.
func (m *MemoryStore) DuePayouts(_ context.Context, now time.Time, limit int) ([]market.PayoutItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.PayoutItem
	for _, key := range m.payOrder {
		p := m.payouts[key]
		if p.Status != market.PayoutPending || p.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkPayoutSent binds the single transfer reference for the item.
func (m *MemoryStore) MarkPayoutSent(_ context.Context, purposeKey, txRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[purposeKey]
	if !ok {
		return market.ErrTaskNotFound
	}
	if p.Status == market.PayoutSent {
		if p.TxRef != txRef {
			return market.Errf(market.KindConflict, "txref_mismatch", "payout already sent as %s", p.TxRef)
		}
		return nil
	}
	p.Status = market.PayoutSent
	p.TxRef = txRef
	p.LastAttemptAt = &at
	m.stats.TotalPaid += p.Amount
	return nil
}

// MarkPayoutFailed records a failed attempt and its next schedule.
func (m *MemoryStore) MarkPayoutFailed(_ context.Context, purposeKey string, at, next time.Time, final bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[purposeKey]
	if !ok {
		return market.ErrTaskNotFound
	}
	p.Attempts++
	p.LastAttemptAt = &at
	p.NextAttemptAt = next
	if final {
		p.Status = market.PayoutFailed
	}
	return nil
}

// SentUnmirrored lists sent items not yet copied into history.
func (m *MemoryStore) SentUnmirrored(_ context.Context) ([]market.PayoutItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.PayoutItem
	for _, key := range m.payOrder {
		p := m.payouts[key]
		if p.Status == market.PayoutSent && !p.Mirrored {
			out = append(out, *p)
		}
	}
	return out, nil
}

// MirrorPayout appends the permanent history row and updates aggregates.
// Calling it twice for the same key is a no-op.
func (m *MemoryStore) MirrorPayout(_ context.Context, purposeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[purposeKey]
	if !ok {
		return market.ErrTaskNotFound
	}
	if p.Status != market.PayoutSent {
		return market.Errf(market.KindConflict, "not_sent", "payout %s not sent yet", purposeKey)
	}
	if p.Mirrored {
		return nil
	}
	paidAt := time.Now().UTC()
	if p.LastAttemptAt != nil {
		paidAt = *p.LastAttemptAt
	}
	m.history = append(m.history, market.PayoutRecord{
		PurposeKey: p.PurposeKey,
		Recipient:  p.Recipient,
		Amount:     p.Amount,
		TxRef:      p.TxRef,
		PaidAt:     paidAt,
	})
	p.Mirrored = true
	w := m.workerLocked(p.Recipient)
	w.Earned += p.Amount
	if isWorkerPayoutKey(p.PurposeKey) {
		w.Completed++
	}
	return nil
}

// ListHistory returns payout records newest first, optionally per recipient.
func (m *MemoryStore) ListHistory(_ context.Context, recipient string, limit int) ([]market.PayoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.PayoutRecord
	for i := len(m.history) - 1; i >= 0; i-- {
		r := m.history[i]
		if recipient != "" && r.Recipient != recipient {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Leaderboard ranks workers by earned or completed.
func (m *MemoryStore) Leaderboard(_ context.Context, sortBy string, limit int) ([]market.WorkerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.WorkerStats, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if sortBy == "completed" {
			if out[i].Completed != out[j].Completed {
				return out[i].Completed > out[j].Completed
			}
		}
		if out[i].Earned != out[j].Earned {
			return out[i].Earned > out[j].Earned
		}
		return out[i].Wallet < out[j].Wallet
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) workerLocked(wallet string) *market.WorkerStats {
	w, ok := m.workers[wallet]
	if !ok {
		w = &market.WorkerStats{Wallet: wallet}
		m.workers[wallet] = w
	}
	return w
}

func cloneSolution(s *market.Solution) market.Solution {
	cp := *s
	cp.Claims = append([]string(nil), s.Claims...)
	return cp
}

// CreateSolution records a solution awaiting escrow.
func (m *MemoryStore) CreateSolution(_ context.Context, s market.Solution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slugs[s.Slug]; ok {
		return market.Errf(market.KindConflict, "slug_taken", "slug %s already in use", s.Slug)
	}
	cp := cloneSolution(&s)
	m.solutions[s.SolutionID] = &cp
	m.slugs[s.Slug] = s.SolutionID
	return nil
}

// GetSolution returns a copy of the solution.
func (m *MemoryStore) GetSolution(_ context.Context, id string) (market.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solutions[id]
	if !ok {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	return cloneSolution(s), nil
}

// GetSolutionBySlug resolves the memo slug to its solution.
func (m *MemoryStore) GetSolutionBySlug(_ context.Context, slug string) (market.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slugs[slug]
	if !ok {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	return cloneSolution(m.solutions[id]), nil
}

// FundSolution consumes the escrow and opens the solution atomically.
func (m *MemoryStore) FundSolution(_ context.Context, id string, esc market.EscrowRecord) (market.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solutions[id]
	if !ok {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	if s.Status != market.SolutionPendingEscrow {
		return market.Solution{}, market.Errf(market.KindConflict, "already_funded", "solution is %s", s.Status)
	}
	if err := m.consumeEscrowLocked(esc, id); err != nil {
		return market.Solution{}, err
	}
	s.Status = market.SolutionOpen
	s.EscrowTx = esc.TxRef
	m.stats.TotalEscrowed += esc.Amount
	return cloneSolution(s), nil
}

// AddSolutionClaim appends a worker to the bounded claim list.
func (m *MemoryStore) AddSolutionClaim(_ context.Context, id, wallet string) (market.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solutions[id]
	if !ok {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	if s.Status != market.SolutionOpen {
		return market.Solution{}, market.Errf(market.KindGuard, "not_open", "solution is %s", s.Status)
	}
	for _, c := range s.Claims {
		if c == wallet {
			return cloneSolution(s), nil
		}
	}
	if len(s.Claims) >= market.MaxSpecClaims {
		return market.Solution{}, market.Errf(market.KindGuard, "claims_full", "claim list is full")
	}
	s.Claims = append(s.Claims, wallet)
	return cloneSolution(s), nil
}

// ApproveSolution records the winner chosen by the customer and queues the
// winner payout and treasury fee with the transition.
func (m *MemoryStore) ApproveSolution(_ context.Context, id, winnerWallet string, payouts []market.PayoutItem) (market.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solutions[id]
	if !ok {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	if s.Status != market.SolutionOpen {
		return market.Solution{}, market.Errf(market.KindConflict, "not_open", "solution is %s", s.Status)
	}
	s.Status = market.SolutionApproved
	s.WinnerWallet = winnerWallet
	m.enqueuePayoutsLocked(payouts)
	return cloneSolution(s), nil
}

// MarkSolutionPaid swaps approved -> paid.
func (m *MemoryStore) MarkSolutionPaid(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solutions[id]
	if !ok {
		return market.ErrSolutionNotFound
	}
	if s.Status != market.SolutionApproved {
		return market.Errf(market.KindConflict, "not_approved", "solution is %s", s.Status)
	}
	s.Status = market.SolutionPaid
	return nil
}

// RefundSolution returns escrowed funds to the customer, queueing the
// repayment with the transition.
func (m *MemoryStore) RefundSolution(_ context.Context, id string, payouts []market.PayoutItem) (market.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solutions[id]
	if !ok {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	if s.Status != market.SolutionOpen && s.Status != market.SolutionExpired {
		return market.Solution{}, market.Errf(market.KindGuard, "not_refundable", "solution is %s", s.Status)
	}
	now := time.Now().UTC()
	s.Status = market.SolutionRefunded
	s.RefundedAt = &now
	m.enqueuePayoutsLocked(payouts)
	return cloneSolution(s), nil
}

// ExpireSolutions sweeps open solutions past their deadline.
func (m *MemoryStore) ExpireSolutions(_ context.Context, now time.Time) ([]market.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Solution
	for _, s := range m.solutions {
		if s.Status == market.SolutionOpen && !s.Deadline.IsZero() && now.After(s.Deadline) {
			s.Status = market.SolutionExpired
			out = append(out, cloneSolution(s))
		}
	}
	return out, nil
}

// Stats returns marketplace-wide counters.
func (m *MemoryStore) Stats(_ context.Context) (market.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

// WorkerStats returns one wallet's aggregates.
func (m *MemoryStore) WorkerStats(_ context.Context, wallet string) (market.WorkerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[wallet]
	if !ok {
		return market.WorkerStats{Wallet: wallet}, nil
	}
	return *w, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() {}
