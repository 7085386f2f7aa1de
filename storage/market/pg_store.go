package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wattmarket-backend/core/market"
)

// PGStore persists marketplace state in Postgres. Transition methods use
// conditional UPDATEs so concurrent callers race safely: the row's status
// clause is the compare, the update is the swap.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS market_tasks (
  task_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT NOT NULL,
  task_type TEXT NOT NULL,
  reward BIGINT NOT NULL,
  platform_fee BIGINT NOT NULL,
  worker_payout BIGINT NOT NULL,
  requirements TEXT NOT NULL DEFAULT '',
  worker_type TEXT NOT NULL,
  creator_wallet TEXT NOT NULL,
  escrow_tx TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  deadline TIMESTAMPTZ,
  claimer_wallet TEXT NOT NULL DEFAULT '',
  claimer_name TEXT NOT NULL DEFAULT '',
  claimed_at TIMESTAMPTZ,
  claim_expires_at TIMESTAMPTZ,
  submission JSONB,
  submitted_at TIMESTAMPTZ,
  verification JSONB,
  verified_at TIMESTAMPTZ,
  rejections INT NOT NULL DEFAULT 0,
  cancelled_at TIMESTAMPTZ,
  parent_task_id TEXT NOT NULL DEFAULT '',
  subtask_ids TEXT[],
  remaining_children INT NOT NULL DEFAULT 0,
  delegation_depth INT NOT NULL DEFAULT 0,
  coordinator_wallet TEXT NOT NULL DEFAULT '',
  coordinator_fee BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_market_tasks_status ON market_tasks(status);
CREATE INDEX IF NOT EXISTS idx_market_tasks_parent ON market_tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS market_escrows (
  tx_ref TEXT PRIMARY KEY,
  sender TEXT NOT NULL,
  recipient TEXT NOT NULL,
  amount BIGINT NOT NULL,
  block_time TIMESTAMPTZ NOT NULL,
  consumed BOOLEAN NOT NULL DEFAULT FALSE,
  consumed_by TEXT NOT NULL DEFAULT '',
  consumed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS market_payout_queue (
  purpose_key TEXT PRIMARY KEY,
  recipient TEXT NOT NULL,
  amount BIGINT NOT NULL,
  status TEXT NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_attempt_at TIMESTAMPTZ,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  tx_ref TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  mirrored BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payout_queue_txref
  ON market_payout_queue(tx_ref) WHERE tx_ref <> '';
CREATE INDEX IF NOT EXISTS idx_payout_queue_due
  ON market_payout_queue(next_attempt_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS market_payout_history (
  purpose_key TEXT PRIMARY KEY,
  recipient TEXT NOT NULL,
  amount BIGINT NOT NULL,
  tx_ref TEXT NOT NULL,
  paid_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payout_history_recipient ON market_payout_history(recipient);

CREATE TABLE IF NOT EXISTS market_worker_stats (
  wallet TEXT PRIMARY KEY,
  completed INT NOT NULL DEFAULT 0,
  earned BIGINT NOT NULL DEFAULT 0,
  rejections INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS market_solutions (
  solution_id TEXT PRIMARY KEY,
  slug TEXT UNIQUE NOT NULL,
  title TEXT NOT NULL,
  spec TEXT NOT NULL,
  budget BIGINT NOT NULL,
  fee BIGINT NOT NULL,
  winner_payout BIGINT NOT NULL,
  escrow_tx TEXT NOT NULL DEFAULT '',
  customer_wallet TEXT NOT NULL,
  target_repo TEXT NOT NULL DEFAULT '',
  approval_token TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  claims TEXT[],
  winner_wallet TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  deadline TIMESTAMPTZ,
  refunded_at TIMESTAMPTZ
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close shuts down the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `task_id, title, description, task_type, reward, platform_fee, worker_payout,
requirements, worker_type, creator_wallet, escrow_tx, status, created_at, deadline,
claimer_wallet, claimer_name, claimed_at, claim_expires_at, submission, submitted_at,
verification, verified_at, rejections, cancelled_at, parent_task_id, subtask_ids,
remaining_children, delegation_depth, coordinator_wallet, coordinator_fee`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarketTask(row rowScanner) (market.Task, error) {
	var (
		t              market.Task
		deadline       *time.Time
		subJSON, vJSON []byte
	)
	err := row.Scan(&t.TaskID, &t.Title, &t.Description, &t.Type, &t.Reward, &t.PlatformFee, &t.WorkerPayout,
		&t.Requirements, &t.WorkerType, &t.CreatorWallet, &t.EscrowTx, &t.Status, &t.CreatedAt, &deadline,
		&t.ClaimerWallet, &t.ClaimerName, &t.ClaimedAt, &t.ClaimExpires, &subJSON, &t.SubmittedAt,
		&vJSON, &t.VerifiedAt, &t.Rejections, &t.CancelledAt, &t.ParentTaskID, &t.SubtaskIDs,
		&t.RemainingChildren, &t.DelegationDepth, &t.CoordinatorWallet, &t.CoordinatorFee)
	if err != nil {
		return market.Task{}, err
	}
	if deadline != nil {
		t.Deadline = *deadline
	}
	if len(subJSON) > 0 {
		var sub market.Submission
		if err := json.Unmarshal(subJSON, &sub); err == nil {
			t.Submission = &sub
		}
	}
	if len(vJSON) > 0 {
		var v market.Verification
		if err := json.Unmarshal(vJSON, &v); err == nil {
			t.Verification = &v
		}
	}
	return t, nil
}

func insertTaskTx(ctx context.Context, tx pgx.Tx, t market.Task) error {
	var deadline *time.Time
	if !t.Deadline.IsZero() {
		deadline = &t.Deadline
	}
	_, err := tx.Exec(ctx, `
INSERT INTO market_tasks (task_id, title, description, task_type, reward, platform_fee, worker_payout,
  requirements, worker_type, creator_wallet, escrow_tx, status, created_at, deadline,
  parent_task_id, delegation_depth, remaining_children)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`, t.TaskID, t.Title, t.Description, t.Type, t.Reward, t.PlatformFee, t.WorkerPayout,
		t.Requirements, t.WorkerType, t.CreatorWallet, t.EscrowTx, t.Status, t.CreatedAt, deadline,
		t.ParentTaskID, t.DelegationDepth, t.RemainingChildren)
	return err
}

// consumeEscrowTx marks a ledger reference as consumed, inserting it if the
// store has not seen it. A reference already consumed fails the transaction.
func consumeEscrowTx(ctx context.Context, tx pgx.Tx, esc market.EscrowRecord, by string) error {
	tag, err := tx.Exec(ctx, `
INSERT INTO market_escrows (tx_ref, sender, recipient, amount, block_time, consumed, consumed_by, consumed_at)
VALUES ($1,$2,$3,$4,$5,TRUE,$6,now())
ON CONFLICT (tx_ref) DO UPDATE
  SET consumed=TRUE, consumed_by=EXCLUDED.consumed_by, consumed_at=now()
  WHERE market_escrows.consumed = FALSE
`, esc.TxRef, esc.Sender, esc.Recipient, esc.Amount, esc.BlockTime, by)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return market.ErrEscrowAlreadyUsed
	}
	return nil
}

// CreateTaskWithEscrow admits a task and consumes its escrow in one
// transaction.
func (s *PGStore) CreateTaskWithEscrow(ctx context.Context, task market.Task, esc market.EscrowRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := consumeEscrowTx(ctx, tx, esc, task.TaskID); err != nil {
		return err
	}
	if err := insertTaskTx(ctx, tx, task); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetTask returns one task row.
func (s *PGStore) GetTask(ctx context.Context, id string) (market.Task, error) {
	t, err := scanMarketTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM market_tasks WHERE task_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, market.ErrTaskNotFound
	}
	return t, err
}

// ListTasks applies the filter, newest first.
func (s *PGStore) ListTasks(ctx context.Context, f market.TaskFilter) ([]market.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM market_tasks
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR task_type = $2)
  AND ($3 = '' OR worker_type = $3 OR worker_type = 'any')
  AND ($4 = '' OR ($4 = 'none' AND parent_task_id = '') OR parent_task_id = $4)
ORDER BY created_at DESC
LIMIT $5 OFFSET $6
`, f.Status, f.Type, f.WorkerType, f.Parent, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Task
	for rows.Next() {
		t, err := scanMarketTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask swaps open -> claimed. The WHERE clause is the compare; zero
// rows affected means someone else won.
func (s *PGStore) ClaimTask(ctx context.Context, taskID, wallet, name string, expires time.Time) (market.Task, error) {
	t, err := scanMarketTask(s.pool.QueryRow(ctx, `
UPDATE market_tasks
SET status='claimed', claimer_wallet=$2, claimer_name=$3, claimed_at=now(), claim_expires_at=$4
WHERE task_id=$1 AND status='open'
RETURNING `+taskColumns, taskID, wallet, name, expires))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, s.classifyConflict(ctx, taskID)
	}
	return t, err
}

// classifyConflict distinguishes missing, terminal, and contended rows after
// a conditional update touched nothing.
func (s *PGStore) classifyConflict(ctx context.Context, taskID string) error {
	cur, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if cur.Terminal() {
		return market.ErrTaskTerminal
	}
	return market.ErrTaskConflict
}

// SubmitTask swaps claimed -> submitted for the recorded claimer.
func (s *PGStore) SubmitTask(ctx context.Context, taskID, wallet string, sub market.Submission) (market.Task, error) {
	subJSON, err := json.Marshal(sub)
	if err != nil {
		return market.Task{}, err
	}
	t, err := scanMarketTask(s.pool.QueryRow(ctx, `
UPDATE market_tasks
SET status='submitted', submission=$3, submitted_at=$4
WHERE task_id=$1 AND status='claimed' AND claimer_wallet=$2
RETURNING `+taskColumns, taskID, wallet, subJSON, sub.SubmittedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetTask(ctx, taskID)
		if gerr != nil {
			return market.Task{}, gerr
		}
		if cur.Status == market.StatusClaimed && cur.ClaimerWallet != wallet {
			return market.Task{}, market.Errf(market.KindGuard, "not_claimer", "task claimed by another wallet")
		}
		if cur.Terminal() {
			return market.Task{}, market.ErrTaskTerminal
		}
		return market.Task{}, market.ErrTaskConflict
	}
	return t, err
}

// enqueuePayoutTx inserts a queue row inside a transition transaction. An
// existing purpose key is left alone.
func enqueuePayoutTx(ctx context.Context, tx pgx.Tx, item market.PayoutItem) error {
	_, err := tx.Exec(ctx, `
INSERT INTO market_payout_queue (purpose_key, recipient, amount, status, attempts, next_attempt_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (purpose_key) DO NOTHING
`, item.PurposeKey, item.Recipient, item.Amount, item.Status, item.Attempts, item.NextAttemptAt, item.CreatedAt)
	return err
}

// MarkVerified swaps submitted -> verified and inserts the payout queue rows
// in the same transaction, so a crash never strands a verified task without
// its payouts.
func (s *PGStore) MarkVerified(ctx context.Context, taskID string, v market.Verification, payouts []market.PayoutItem) (market.Task, error) {
	vJSON, err := json.Marshal(v)
	if err != nil {
		return market.Task{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Task{}, err
	}
	defer tx.Rollback(ctx)

	t, err := scanMarketTask(tx.QueryRow(ctx, `
UPDATE market_tasks
SET status='verified', verification=$2, verified_at=$3
WHERE task_id=$1 AND status='submitted'
RETURNING `+taskColumns, taskID, vJSON, v.VerifiedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, s.classifyConflict(ctx, taskID)
	}
	if err != nil {
		return market.Task{}, err
	}
	for _, item := range payouts {
		if err := enqueuePayoutTx(ctx, tx, item); err != nil {
			return market.Task{}, err
		}
	}
	return t, tx.Commit(ctx)
}

// ReopenRejected puts a failed submission back on the market and charges the
// rejection to the worker who submitted it.
func (s *PGStore) ReopenRejected(ctx context.Context, taskID string, v market.Verification) (market.Task, error) {
	vJSON, err := json.Marshal(v)
	if err != nil {
		return market.Task{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Task{}, err
	}
	defer tx.Rollback(ctx)

	var worker string
	err = tx.QueryRow(ctx, `SELECT claimer_wallet FROM market_tasks WHERE task_id=$1 AND status='submitted' FOR UPDATE`, taskID).Scan(&worker)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, s.classifyConflict(ctx, taskID)
	}
	if err != nil {
		return market.Task{}, err
	}

	t, err := scanMarketTask(tx.QueryRow(ctx, `
UPDATE market_tasks
SET status='open', verification=$2, rejections=rejections+1,
    claimer_wallet='', claimer_name='', claimed_at=NULL, claim_expires_at=NULL,
    submission=NULL, submitted_at=NULL
WHERE task_id=$1
RETURNING `+taskColumns, taskID, vJSON))
	if err != nil {
		return market.Task{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO market_worker_stats (wallet, rejections) VALUES ($1, 1)
ON CONFLICT (wallet) DO UPDATE SET rejections = market_worker_stats.rejections + 1
`, worker); err != nil {
		return market.Task{}, err
	}
	return t, tx.Commit(ctx)
}

// DelegateTask commits the parent transition and all child rows together.
func (s *PGStore) DelegateTask(ctx context.Context, parentID, coordinator string, fee int64, children []market.Task) (market.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Task{}, err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.TaskID)
	}
	p, err := scanMarketTask(tx.QueryRow(ctx, `
UPDATE market_tasks
SET status='delegated', coordinator_wallet=$2, coordinator_fee=$3,
    remaining_children=$4, subtask_ids=$5
WHERE task_id=$1 AND status='claimed' AND claimer_wallet=$2
RETURNING `+taskColumns, parentID, coordinator, fee, len(children), ids))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, s.classifyConflict(ctx, parentID)
	}
	if err != nil {
		return market.Task{}, err
	}
	for _, c := range children {
		if err := insertTaskTx(ctx, tx, c); err != nil {
			return market.Task{}, err
		}
	}
	return p, tx.Commit(ctx)
}

// CompleteChild atomically decrements the parent's remaining-children count.
func (s *PGStore) CompleteChild(ctx context.Context, parentID string) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
UPDATE market_tasks
SET remaining_children = remaining_children - 1
WHERE task_id=$1 AND status='delegated' AND remaining_children > 0
RETURNING remaining_children
`, parentID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.classifyConflict(ctx, parentID)
	}
	return remaining, err
}

// FinalizeParent swaps delegated -> verified once all children are in,
// committing the coordinator and fee payouts with the transition.
func (s *PGStore) FinalizeParent(ctx context.Context, parentID string, v market.Verification, payouts []market.PayoutItem) (market.Task, error) {
	vJSON, err := json.Marshal(v)
	if err != nil {
		return market.Task{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Task{}, err
	}
	defer tx.Rollback(ctx)

	t, err := scanMarketTask(tx.QueryRow(ctx, `
UPDATE market_tasks
SET status='verified', verification=$2, verified_at=$3
WHERE task_id=$1 AND status='delegated' AND remaining_children=0
RETURNING `+taskColumns, parentID, vJSON, v.VerifiedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, s.classifyConflict(ctx, parentID)
	}
	if err != nil {
		return market.Task{}, err
	}
	for _, item := range payouts {
		if err := enqueuePayoutTx(ctx, tx, item); err != nil {
			return market.Task{}, err
		}
	}
	return t, tx.Commit(ctx)
}

// CancelTask swaps open -> cancelled for the requester.
func (s *PGStore) CancelTask(ctx context.Context, taskID, wallet string) (market.Task, error) {
	t, err := scanMarketTask(s.pool.QueryRow(ctx, `
UPDATE market_tasks
SET status='cancelled', cancelled_at=now()
WHERE task_id=$1 AND status='open' AND creator_wallet=$2
RETURNING `+taskColumns, taskID, wallet))
	if !errors.Is(err, pgx.ErrNoRows) {
		return t, err
	}
	cur, gerr := s.GetTask(ctx, taskID)
	if gerr != nil {
		return market.Task{}, gerr
	}
	if cur.CreatorWallet != wallet {
		return market.Task{}, market.Errf(market.KindGuard, "not_creator", "only the creator may cancel")
	}
	if cur.Terminal() {
		return market.Task{}, market.ErrTaskTerminal
	}
	return market.Task{}, market.Errf(market.KindGuard, "not_cancellable", "task is %s, only open tasks cancel", cur.Status)
}

// ExpireTasks sweeps overdue rows into the expired state and returns them.
func (s *PGStore) ExpireTasks(ctx context.Context, now time.Time) ([]market.Task, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE market_tasks
SET status='expired'
WHERE (status IN ('open','submitted') AND deadline IS NOT NULL AND deadline < $1)
   OR (status='claimed' AND claim_expires_at IS NOT NULL AND claim_expires_at < $1)
RETURNING `+taskColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Task
	for rows.Next() {
		t, err := scanMarketTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetEscrow returns one escrow row.
func (s *PGStore) GetEscrow(ctx context.Context, ref string) (market.EscrowRecord, error) {
	var e market.EscrowRecord
	err := s.pool.QueryRow(ctx, `
SELECT tx_ref, sender, recipient, amount, block_time, consumed, consumed_by, consumed_at
FROM market_escrows WHERE tx_ref=$1
`, ref).Scan(&e.TxRef, &e.Sender, &e.Recipient, &e.Amount, &e.BlockTime, &e.Consumed, &e.ConsumedBy, &e.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.EscrowRecord{}, market.ErrEscrowNotFound
	}
	return e, err
}

// EnqueuePayout inserts a queue item; the primary key enforces idempotency.
func (s *PGStore) EnqueuePayout(ctx context.Context, item market.PayoutItem) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO market_payout_queue (purpose_key, recipient, amount, status, attempts, next_attempt_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (purpose_key) DO NOTHING
`, item.PurposeKey, item.Recipient, item.Amount, item.Status, item.Attempts, item.NextAttemptAt, item.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return market.ErrDuplicatePayout
	}
	return nil
}

const payoutColumns = `purpose_key, recipient, amount, status, attempts, last_attempt_at, next_attempt_at, tx_ref, created_at, mirrored`

func scanPayout(row rowScanner) (market.PayoutItem, error) {
	var p market.PayoutItem
	err := row.Scan(&p.PurposeKey, &p.Recipient, &p.Amount, &p.Status, &p.Attempts,
		&p.LastAttemptAt, &p.NextAttemptAt, &p.TxRef, &p.CreatedAt, &p.Mirrored)
	return p, err
}

// GetPayout returns one queue item.
func (s *PGStore) GetPayout(ctx context.Context, purposeKey string) (market.PayoutItem, error) {
	p, err := scanPayout(s.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM market_payout_queue WHERE purpose_key=$1`, purposeKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.PayoutItem{}, market.ErrTaskNotFound
	}
	return p, err
}

// DuePayouts lists pending items whose attempt time has arrived.
func (s *PGStore) DuePayouts(ctx context.Context, now time.Time, limit int) ([]market.PayoutItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+payoutColumns+` FROM market_payout_queue
WHERE status='pending' AND next_attempt_at <= $1
ORDER BY created_at
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.PayoutItem
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPayoutSent binds the single transfer reference for the item.
func (s *PGStore) MarkPayoutSent(ctx context.Context, purposeKey, txRef string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE market_payout_queue
SET status='sent', tx_ref=$2, last_attempt_at=$3
WHERE purpose_key=$1 AND (status <> 'sent' OR tx_ref=$2)
`, purposeKey, txRef, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		p, gerr := s.GetPayout(ctx, purposeKey)
		if gerr != nil {
			return gerr
		}
		return market.Errf(market.KindConflict, "txref_mismatch", "payout already sent as %s", p.TxRef)
	}
	return nil
}

// MarkPayoutFailed records a failed attempt and its next schedule.
func (s *PGStore) MarkPayoutFailed(ctx context.Context, purposeKey string, at, next time.Time, final bool) error {
	status := market.PayoutPending
	if final {
		status = market.PayoutFailed
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE market_payout_queue
SET attempts=attempts+1, last_attempt_at=$2, next_attempt_at=$3, status=$4
WHERE purpose_key=$1
`, purposeKey, at, next, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return market.ErrTaskNotFound
	}
	return nil
}

// SentUnmirrored lists sent items not yet copied into history.
func (s *PGStore) SentUnmirrored(ctx context.Context) ([]market.PayoutItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+payoutColumns+` FROM market_payout_queue
WHERE status='sent' AND mirrored=FALSE
ORDER BY created_at
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.PayoutItem
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MirrorPayout appends the history row, marks the item mirrored, and updates
// worker aggregates, all in one transaction. Repeat calls are no-ops.
func (s *PGStore) MirrorPayout(ctx context.Context, purposeKey string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM market_payout_queue WHERE purpose_key=$1 FOR UPDATE`, purposeKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.ErrTaskNotFound
	}
	if err != nil {
		return err
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
	if _, err := tx.Exec(ctx, `
INSERT INTO market_payout_history (purpose_key, recipient, amount, tx_ref, paid_at)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT (purpose_key) DO NOTHING
`, p.PurposeKey, p.Recipient, p.Amount, p.TxRef, paidAt); err != nil {
		return err
	}
	completed := 0
	if isWorkerPayoutKey(p.PurposeKey) {
		completed = 1
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO market_worker_stats (wallet, completed, earned)
VALUES ($1,$2,$3)
ON CONFLICT (wallet) DO UPDATE
  SET completed = market_worker_stats.completed + EXCLUDED.completed,
      earned = market_worker_stats.earned + EXCLUDED.earned
`, p.Recipient, completed, p.Amount); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE market_payout_queue SET mirrored=TRUE WHERE purpose_key=$1`, purposeKey); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListHistory returns payout records newest first, optionally per recipient.
func (s *PGStore) ListHistory(ctx context.Context, recipient string, limit int) ([]market.PayoutRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT purpose_key, recipient, amount, tx_ref, paid_at
FROM market_payout_history
WHERE ($1 = '' OR recipient = $1)
ORDER BY paid_at DESC
LIMIT $2
`, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.PayoutRecord
	for rows.Next() {
		var r market.PayoutRecord
		if err := rows.Scan(&r.PurposeKey, &r.Recipient, &r.Amount, &r.TxRef, &r.PaidAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Leaderboard ranks workers by earned or completed.
func (s *PGStore) Leaderboard(ctx context.Context, sortBy string, limit int) ([]market.WorkerStats, error) {
	if limit <= 0 {
		limit = 20
	}
	order := `earned DESC, wallet`
	if sortBy == "completed" {
		order = `completed DESC, earned DESC, wallet`
	}
	rows, err := s.pool.Query(ctx, `
SELECT wallet, completed, earned, rejections FROM market_worker_stats
ORDER BY `+order+` LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.WorkerStats
	for rows.Next() {
		var w market.WorkerStats
		if err := rows.Scan(&w.Wallet, &w.Completed, &w.Earned, &w.Rejections); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const solutionColumns = `solution_id, slug, title, spec, budget, fee, winner_payout, escrow_tx,
customer_wallet, target_repo, approval_token, status, claims, winner_wallet, created_at, deadline, refunded_at`

func scanSolution(row rowScanner) (market.Solution, error) {
	var (
		sol      market.Solution
		deadline *time.Time
	)
	err := row.Scan(&sol.SolutionID, &sol.Slug, &sol.Title, &sol.Spec, &sol.Budget, &sol.Fee, &sol.WinnerPayout,
		&sol.EscrowTx, &sol.CustomerWallet, &sol.TargetRepo, &sol.ApprovalToken, &sol.Status, &sol.Claims,
		&sol.WinnerWallet, &sol.CreatedAt, &deadline, &sol.RefundedAt)
	if deadline != nil {
		sol.Deadline = *deadline
	}
	return sol, err
}

// CreateSolution records a solution awaiting escrow.
func (s *PGStore) CreateSolution(ctx context.Context, sol market.Solution) error {
	var deadline *time.Time
	if !sol.Deadline.IsZero() {
		deadline = &sol.Deadline
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO market_solutions (solution_id, slug, title, spec, budget, fee, winner_payout,
  customer_wallet, target_repo, approval_token, status, created_at, deadline)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (slug) DO NOTHING
`, sol.SolutionID, sol.Slug, sol.Title, sol.Spec, sol.Budget, sol.Fee, sol.WinnerPayout,
		sol.CustomerWallet, sol.TargetRepo, sol.ApprovalToken, sol.Status, sol.CreatedAt, deadline)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return market.Errf(market.KindConflict, "slug_taken", "slug %s already in use", sol.Slug)
	}
	return nil
}

// GetSolution returns one solution row.
func (s *PGStore) GetSolution(ctx context.Context, id string) (market.Solution, error) {
	sol, err := scanSolution(s.pool.QueryRow(ctx, `SELECT `+solutionColumns+` FROM market_solutions WHERE solution_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	return sol, err
}

// GetSolutionBySlug resolves the memo slug to its solution.
func (s *PGStore) GetSolutionBySlug(ctx context.Context, slug string) (market.Solution, error) {
	sol, err := scanSolution(s.pool.QueryRow(ctx, `SELECT `+solutionColumns+` FROM market_solutions WHERE slug=$1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Solution{}, market.ErrSolutionNotFound
	}
	return sol, err
}

// FundSolution consumes the escrow and opens the solution atomically.
func (s *PGStore) FundSolution(ctx context.Context, id string, esc market.EscrowRecord) (market.Solution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Solution{}, err
	}
	defer tx.Rollback(ctx)

	if err := consumeEscrowTx(ctx, tx, esc, id); err != nil {
		return market.Solution{}, err
	}
	sol, err := scanSolution(tx.QueryRow(ctx, `
UPDATE market_solutions
SET status='open', escrow_tx=$2
WHERE solution_id=$1 AND status='pending_escrow'
RETURNING `+solutionColumns, id, esc.TxRef))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetSolution(ctx, id)
		if gerr != nil {
			return market.Solution{}, gerr
		}
		return market.Solution{}, market.Errf(market.KindConflict, "already_funded", "solution is %s", cur.Status)
	}
	if err != nil {
		return market.Solution{}, err
	}
	return sol, tx.Commit(ctx)
}

// AddSolutionClaim appends a worker to the bounded claim list.
func (s *PGStore) AddSolutionClaim(ctx context.Context, id, wallet string) (market.Solution, error) {
	sol, err := scanSolution(s.pool.QueryRow(ctx, `
UPDATE market_solutions
SET claims = array_append(COALESCE(claims, '{}'), $2)
WHERE solution_id=$1 AND status='open'
  AND NOT ($2 = ANY(COALESCE(claims, '{}')))
  AND COALESCE(array_length(claims, 1), 0) < $3
RETURNING `+solutionColumns, id, wallet, market.MaxSpecClaims))
	if err == nil {
		return sol, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return market.Solution{}, err
	}
	cur, gerr := s.GetSolution(ctx, id)
	if gerr != nil {
		return market.Solution{}, gerr
	}
	if cur.Status != market.SolutionOpen {
		return market.Solution{}, market.Errf(market.KindGuard, "not_open", "solution is %s", cur.Status)
	}
	for _, c := range cur.Claims {
		if c == wallet {
			return cur, nil
		}
	}
	return market.Solution{}, market.Errf(market.KindGuard, "claims_full", "claim list is full")
}

// ApproveSolution records the winner chosen by the customer, committing the
// winner payout and treasury fee with the transition.
func (s *PGStore) ApproveSolution(ctx context.Context, id, winnerWallet string, payouts []market.PayoutItem) (market.Solution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Solution{}, err
	}
	defer tx.Rollback(ctx)

	sol, err := scanSolution(tx.QueryRow(ctx, `
UPDATE market_solutions
SET status='approved', winner_wallet=$2
WHERE solution_id=$1 AND status='open'
RETURNING `+solutionColumns, id, winnerWallet))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetSolution(ctx, id)
		if gerr != nil {
			return market.Solution{}, gerr
		}
		return market.Solution{}, market.Errf(market.KindConflict, "not_open", "solution is %s", cur.Status)
	}
	if err != nil {
		return market.Solution{}, err
	}
	for _, item := range payouts {
		if err := enqueuePayoutTx(ctx, tx, item); err != nil {
			return market.Solution{}, err
		}
	}
	return sol, tx.Commit(ctx)
}

// MarkSolutionPaid swaps approved -> paid.
func (s *PGStore) MarkSolutionPaid(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE market_solutions SET status='paid' WHERE solution_id=$1 AND status='approved'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		cur, gerr := s.GetSolution(ctx, id)
		if gerr != nil {
			return gerr
		}
		return market.Errf(market.KindConflict, "not_approved", "solution is %s", cur.Status)
	}
	return nil
}

// RefundSolution returns escrowed funds to the customer, committing the
// repayment with the transition.
func (s *PGStore) RefundSolution(ctx context.Context, id string, payouts []market.PayoutItem) (market.Solution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Solution{}, err
	}
	defer tx.Rollback(ctx)

	sol, err := scanSolution(tx.QueryRow(ctx, `
UPDATE market_solutions
SET status='refunded', refunded_at=now()
WHERE solution_id=$1 AND status IN ('open','expired')
RETURNING `+solutionColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetSolution(ctx, id)
		if gerr != nil {
			return market.Solution{}, gerr
		}
		return market.Solution{}, market.Errf(market.KindGuard, "not_refundable", "solution is %s", cur.Status)
	}
	if err != nil {
		return market.Solution{}, err
	}
	for _, item := range payouts {
		if err := enqueuePayoutTx(ctx, tx, item); err != nil {
			return market.Solution{}, err
		}
	}
	return sol, tx.Commit(ctx)
}

// ExpireSolutions sweeps open solutions past their deadline.
func (s *PGStore) ExpireSolutions(ctx context.Context, now time.Time) ([]market.Solution, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE market_solutions
SET status='expired'
WHERE status='open' AND deadline IS NOT NULL AND deadline < $1
RETURNING `+solutionColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Solution
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sol)
	}
	return out, rows.Err()
}

// Stats derives marketplace counters from the live tables.
func (s *PGStore) Stats(ctx context.Context) (market.Stats, error) {
	var st market.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
  (SELECT count(*) FROM market_tasks),
  (SELECT count(*) FROM market_tasks WHERE status='verified'),
  (SELECT COALESCE(sum(amount),0) FROM market_escrows WHERE consumed),
  (SELECT COALESCE(sum(amount),0) FROM market_payout_queue WHERE status='sent')
`).Scan(&st.TotalCreated, &st.TotalCompleted, &st.TotalEscrowed, &st.TotalPaid)
	return st, err
}

// WorkerStats returns one wallet's aggregates.
func (s *PGStore) WorkerStats(ctx context.Context, wallet string) (market.WorkerStats, error) {
	w := market.WorkerStats{Wallet: wallet}
	err := s.pool.QueryRow(ctx, `
SELECT completed, earned, rejections FROM market_worker_stats WHERE wallet=$1
`, wallet).Scan(&w.Completed, &w.Earned, &w.Rejections)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, nil
	}
	return w, err
}
