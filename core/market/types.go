package market

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Marketplace limits and fee schedule. Amounts are whole WATT (minor units).
const (
	PlatformFeePct   = 5
	CoordinatorPct   = 5
	MinReward        = 100
	MaxReward        = 1_000_000
	MinSubtaskReward = 100
	MaxSubtasks      = 10
	MinSubtasks      = 2
	MaxDepth         = 3

	ClaimWindow         = 48 * time.Hour
	DefaultTaskDeadline = 72 * time.Hour
	EscrowMaxAge        = 30 * time.Minute

	VerifyThreshold = 7
	MaxScore        = 10

	MaxTitleLen       = 200
	MaxDescriptionLen = 4000
	MaxResultLen      = 10000

	SolutionFeePct    = 5
	MinSolutionBudget = 5000
	MaxSpecClaims     = 50
)

// Task statuses.
const (
	StatusOpen      = "open"
	StatusClaimed   = "claimed"
	StatusSubmitted = "submitted"
	StatusVerified  = "verified"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
	StatusDelegated = "delegated"
	StatusRefunded  = "refunded"
)

// ValidTypes is the closed set of task types.
var ValidTypes = []string{"code", "data", "content", "scrape", "analysis", "compute", "other"}

// ValidWorkerTypes restricts who a task is addressed to.
var ValidWorkerTypes = []string{"agent", "node", "any"}

// Task is a unit of work with a WATT-denominated reward, a lifecycle, and
// optional children created by delegation.
type Task struct {
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Type         string `json:"type"`
	Reward       int64  `json:"reward"`
	PlatformFee  int64  `json:"platform_fee"`
	WorkerPayout int64  `json:"worker_payout"`
	Requirements string `json:"requirements,omitempty"`
	WorkerType   string `json:"worker_type"`

	CreatorWallet string `json:"creator_wallet"`
	EscrowTx      string `json:"escrow_tx"`
	Status        string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`

	ClaimerWallet string     `json:"claimer_wallet,omitempty"`
	ClaimerName   string     `json:"claimer_name,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimExpires  *time.Time `json:"claim_expires_at,omitempty"`

	Submission  *Submission `json:"submission,omitempty"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`

	Verification *Verification `json:"verification,omitempty"`
	VerifiedAt   *time.Time    `json:"verified_at,omitempty"`
	Rejections   int           `json:"rejections,omitempty"`

	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	ParentTaskID      string   `json:"parent_task_id,omitempty"`
	SubtaskIDs        []string `json:"subtask_ids,omitempty"`
	RemainingChildren int      `json:"remaining_children,omitempty"`
	DelegationDepth   int      `json:"delegation_depth"`
	CoordinatorWallet string   `json:"coordinator_wallet,omitempty"`
	CoordinatorFee    int64    `json:"coordinator_fee,omitempty"`
}

// Terminal reports whether the task is in an immutable end state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusVerified, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Submission is the result a claimer turned in.
type Submission struct {
	Result      string    `json:"result,omitempty"`
	ResultURL   string    `json:"result_url,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Verification records the quality-gate outcome for a submission.
type Verification struct {
	Score      int             `json:"score"`
	Feedback   string          `json:"feedback"`
	Threshold  int             `json:"threshold"`
	VerifiedAt time.Time       `json:"verified_at"`
	Subtasks   []SubtaskResult `json:"subtask_results,omitempty"`
}

// SubtaskResult summarizes one child outcome on a delegated parent.
type SubtaskResult struct {
	TaskID string `json:"subtask_id"`
	Title  string `json:"title"`
	Score  int    `json:"score"`
}

// TaskSpec is the caller-supplied shape for creating a task or subtask.
type TaskSpec struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Type          string `json:"type"`
	Reward        int64  `json:"reward"`
	Requirements  string `json:"requirements,omitempty"`
	DeadlineHours int    `json:"deadline_hours,omitempty"`
	WorkerType    string `json:"worker_type,omitempty"`
}

// TaskFilter captures list query parameters.
type TaskFilter struct {
	Status     string
	Type       string
	WorkerType string
	// Parent filters by parent task; "none" selects top-level tasks only.
	Parent string
	Limit  int
	Offset int
}

// EscrowRecord proves a value transfer occurred on the WATT ledger. A
// reference backs at most one admission or release; Consumed flips
// atomically with the state transition it authorizes.
type EscrowRecord struct {
	TxRef      string     `json:"tx_ref"`
	Sender     string     `json:"sender"`
	Recipient  string     `json:"recipient"`
	Amount     int64      `json:"amount"`
	BlockTime  time.Time  `json:"block_time"`
	Consumed   bool       `json:"consumed"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Payout item statuses.
const (
	PayoutPending = "pending"
	PayoutSent    = "sent"
	PayoutFailed  = "failed"
)

// PayoutItem is one durable queue entry. PurposeKey is the idempotency key:
// exactly one successful transfer reference may ever be associated with it.
type PayoutItem struct {
	PurposeKey    string     `json:"purpose_key"`
	Recipient     string     `json:"recipient"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	TxRef         string     `json:"tx_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Mirrored      bool       `json:"mirrored"`
}

// PayoutRecord is the permanent history row mirrored from a sent item.
// Leaderboards and audits read from here, never from the live queue.
type PayoutRecord struct {
	PurposeKey string    `json:"purpose_key"`
	Recipient  string    `json:"recipient"`
	Amount     int64     `json:"amount"`
	TxRef      string    `json:"tx_ref"`
	PaidAt     time.Time `json:"paid_at"`
}

// Solution statuses.
const (
	SolutionPendingEscrow = "pending_escrow"
	SolutionOpen          = "open"
	SolutionUnderReview   = "under_review"
	SolutionApproved      = "approved"
	SolutionPaid          = "paid"
	SolutionRefunded      = "refunded"
	SolutionExpired       = "expired"
)

// Solution is a request for external settlement: funds escrowed up front,
// released to whichever worker the customer approves.
type Solution struct {
	SolutionID     string     `json:"solution_id"`
	Slug           string     `json:"slug"`
	Title          string     `json:"title"`
	Spec           string     `json:"spec"`
	Budget         int64      `json:"budget"`
	Fee            int64      `json:"fee"`
	WinnerPayout   int64      `json:"winner_payout"`
	EscrowTx       string     `json:"escrow_tx,omitempty"`
	CustomerWallet string     `json:"customer_wallet"`
	TargetRepo     string     `json:"target_repo,omitempty"`
	ApprovalToken  string     `json:"approval_token,omitempty"`
	Status         string     `json:"status"`
	Claims         []string   `json:"claims,omitempty"`
	WinnerWallet   string     `json:"winner_wallet,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Deadline       time.Time  `json:"deadline"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`
}

// WorkerStats aggregates a wallet's marketplace history. Rejections are
// recorded here; how they weigh on reputation is a policy decision left to
// consumers (see Config.RejectionPenaltyAfter).
type WorkerStats struct {
	Wallet     string `json:"wallet"`
	Completed  int    `json:"completed"`
	Earned     int64  `json:"earned"`
	Rejections int    `json:"rejections"`
}

// Stats are marketplace-wide counters.
type Stats struct {
	TotalCreated   int   `json:"total_created"`
	TotalCompleted int   `json:"total_completed"`
	TotalEscrowed  int64 `json:"total_watt_escrowed"`
	TotalPaid      int64 `json:"total_watt_paid"`
}

// Event is a fire-and-forget notification emitted on state transitions.
// Delivery is best-effort and never blocks the transition that produced it.
type Event struct {
	Type      string         `json:"type"`
	EntityID  string         `json:"entity_id"`
	Actor     string         `json:"actor,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event types.
const (
	EventTaskCreated      = "task_created"
	EventTaskClaimed      = "task_claimed"
	EventTaskSubmitted    = "task_submitted"
	EventTaskDelegated    = "task_delegated"
	EventTaskVerified     = "task_verified"
	EventTaskRejected     = "task_rejected"
	EventTaskExpired      = "task_expired"
	EventTaskCancelled    = "task_cancelled"
	EventPayoutSent       = "payout_sent"
	EventSolutionCreated  = "solution_created"
	EventSolutionApproved = "solution_approved"
	EventSolutionRefunded = "solution_refunded"
)

// NewTaskID generates an opaque task identifier.
func NewTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewSolutionID generates an opaque solution identifier.
func NewSolutionID() string {
	return "sol_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
