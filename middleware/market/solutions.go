package market

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"wattmarket-backend/core/market"
)

// solutionWindow is how long a funded solution stays open before it becomes
// refund-eligible.
const solutionWindow = 7 * 24 * time.Hour

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// SolutionMemo is the correlation tag the customer must put on the escrow
// transfer so the deposit can be matched to its solution.
func SolutionMemo(slug string) string {
	return "solve:" + slug
}

func makeSlug(title string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "solution"
	}
	// Short random suffix keeps retried titles from colliding.
	return slug + "-" + uuid.NewString()[:6]
}

// PrepareSolution records a solution awaiting escrow and returns it with
// the deposit memo the customer must use. No funds are checked yet.
func (e *Engine) PrepareSolution(ctx context.Context, title, specText string, budget int64, customerWallet, targetRepo string) (market.Solution, error) {
	if strings.TrimSpace(title) == "" {
		return market.Solution{}, market.Errf(market.KindValidation, "bad_title", "title is required")
	}
	if strings.TrimSpace(specText) == "" {
		return market.Solution{}, market.Errf(market.KindValidation, "bad_spec", "spec text is required")
	}
	if customerWallet == "" {
		return market.Solution{}, market.Errf(market.KindValidation, "wallet_required", "customer wallet is required")
	}
	if budget < market.MinSolutionBudget {
		return market.Solution{}, market.Errf(market.KindValidation, "budget_too_low", "budget must be >= %d WATT", market.MinSolutionBudget)
	}

	now := time.Now().UTC()
	fee := market.SolutionFee(budget)
	sol := market.Solution{
		SolutionID:     market.NewSolutionID(),
		Slug:           makeSlug(title),
		Title:          strings.TrimSpace(title),
		Spec:           specText,
		Budget:         budget,
		Fee:            fee,
		WinnerPayout:   budget - fee,
		CustomerWallet: customerWallet,
		TargetRepo:     strings.TrimSpace(targetRepo),
		ApprovalToken:  uuid.NewString(),
		Status:         market.SolutionPendingEscrow,
		CreatedAt:      now,
		Deadline:       now.Add(solutionWindow),
	}
	if err := e.store.CreateSolution(ctx, sol); err != nil {
		return market.Solution{}, err
	}
	emit(market.EventSolutionCreated, sol.SolutionID, customerWallet, sol.Slug)
	e.log.Infow("solution prepared", "solution_id", sol.SolutionID, "slug", sol.Slug, "budget", budget)
	return sol, nil
}

// FundSolution verifies the escrow deposit (memo must match the slug) and
// opens the solution. Escrow consumption and the open transition are one
// store transaction.
func (e *Engine) FundSolution(ctx context.Context, solutionID, txRef string) (market.Solution, error) {
	sol, err := e.store.GetSolution(ctx, solutionID)
	if err != nil {
		return market.Solution{}, err
	}
	esc, err := e.escrow.Verify(ctx, txRef, sol.Budget, SolutionMemo(sol.Slug))
	if err != nil {
		return market.Solution{}, err
	}
	funded, err := e.store.FundSolution(ctx, solutionID, esc)
	if err != nil {
		return market.Solution{}, err
	}
	e.log.Infow("solution funded", "solution_id", solutionID, "escrow_tx", esc.TxRef)
	return funded, nil
}

// ClaimSolutionSpec unlocks the full spec for a worker and records them on
// the bounded claim list. Repeat claims by the same wallet are free.
func (e *Engine) ClaimSolutionSpec(ctx context.Context, solutionID, wallet string) (market.Solution, error) {
	if wallet == "" {
		return market.Solution{}, market.Errf(market.KindValidation, "wallet_required", "worker wallet is required")
	}
	return e.store.AddSolutionClaim(ctx, solutionID, wallet)
}

// ApproveSolution settles a solution on the winner chosen by the customer.
// The approval token gates the call; the winner payout (95%) and treasury
// fee (5%) commit with the approval behind their purpose keys.
func (e *Engine) ApproveSolution(ctx context.Context, solutionID, approvalToken, winnerWallet string) (market.Solution, error) {
	sol, err := e.store.GetSolution(ctx, solutionID)
	if err != nil {
		return market.Solution{}, err
	}
	if approvalToken == "" || approvalToken != sol.ApprovalToken {
		return market.Solution{}, market.Errf(market.KindGuard, "bad_approval_token", "approval token does not match")
	}
	claimed := false
	for _, c := range sol.Claims {
		if c == winnerWallet {
			claimed = true
			break
		}
	}
	if !claimed {
		return market.Solution{}, market.Errf(market.KindGuard, "winner_not_claimant", "winner wallet never claimed this spec")
	}

	var items []market.PayoutItem
	items = queuePayout(items, winnerWallet, sol.WinnerPayout, market.SolutionWinnerKey(solutionID))
	items = queuePayout(items, e.platformWallet, sol.Fee, market.SolutionFeeKey(solutionID))
	approved, err := e.store.ApproveSolution(ctx, solutionID, winnerWallet, items)
	if err != nil {
		return market.Solution{}, err
	}
	emit(market.EventSolutionApproved, solutionID, sol.CustomerWallet, winnerWallet)
	e.log.Infow("solution approved", "solution_id", solutionID, "winner", winnerWallet, "payout", approved.WinnerPayout)
	return approved, nil
}

// RefundSolution returns the escrowed budget to the customer. Allowed while
// the solution is open or expired, gated by the approval token.
func (e *Engine) RefundSolution(ctx context.Context, solutionID, approvalToken string) (market.Solution, error) {
	sol, err := e.store.GetSolution(ctx, solutionID)
	if err != nil {
		return market.Solution{}, err
	}
	if approvalToken == "" || approvalToken != sol.ApprovalToken {
		return market.Solution{}, market.Errf(market.KindGuard, "bad_approval_token", "approval token does not match")
	}
	items := queuePayout(nil, sol.CustomerWallet, sol.Budget, market.SolutionRefundKey(solutionID))
	refunded, err := e.store.RefundSolution(ctx, solutionID, items)
	if err != nil {
		return market.Solution{}, err
	}
	emit(market.EventSolutionRefunded, solutionID, sol.CustomerWallet, "")
	e.log.Infow("solution refunded", "solution_id", solutionID, "amount", sol.Budget)
	return refunded, nil
}

// GetSolution returns one solution.
func (e *Engine) GetSolution(ctx context.Context, id string) (market.Solution, error) {
	return e.store.GetSolution(ctx, id)
}

// SettleSolutionPayout marks a solution paid once its winner payout clears
// the queue. Wire it to PayoutQueue.OnSent.
func (e *Engine) SettleSolutionPayout(item market.PayoutItem) {
	rest, ok := strings.CutPrefix(item.PurposeKey, "solution:")
	if !ok {
		return
	}
	id, ok := strings.CutSuffix(rest, ":winner-payout")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.MarkSolutionPaid(ctx, id); err != nil {
		e.log.Warnw("settle solution payout", "solution_id", id, "err", err)
	}
}
