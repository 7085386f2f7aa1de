package market

import (
	"context"
	"errors"
	"time"

	"wattmarket-backend/core/market"
	"wattmarket-backend/ledger"
)

// EscrowVerifier checks a claimed transfer reference against the
// authoritative ledger. It only validates; consuming the reference happens
// in the same store transaction that admits the record it funds, so a
// failed admission leaves the reference unconsumed and a retry safe.
type EscrowVerifier struct {
	ledger           ledger.Ledger
	collectionWallet string
	maxAge           time.Duration
}

// NewEscrowVerifier builds a verifier for the given collection wallet.
func NewEscrowVerifier(l ledger.Ledger, collectionWallet string, maxAge time.Duration) *EscrowVerifier {
	if maxAge <= 0 {
		maxAge = market.EscrowMaxAge
	}
	return &EscrowVerifier{ledger: l, collectionWallet: collectionWallet, maxAge: maxAge}
}

// Verify looks up the transfer and runs the checks: recipient, amount,
// freshness, and memo when the flow requires a correlation tag. Rejections
// other than not-found are definitive; callers must not retry them with the
// same reference.
func (v *EscrowVerifier) Verify(ctx context.Context, txRef string, minAmount int64, memo string) (market.EscrowRecord, error) {
	t, err := v.ledger.Lookup(ctx, txRef)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			metricEscrowRejected.WithLabelValues("tx_not_found").Inc()
			return market.EscrowRecord{}, market.ErrEscrowNotFound
		}
		return market.EscrowRecord{}, market.WrapExternal("ledger_unreachable", err)
	}
	if t.Failed {
		metricEscrowRejected.WithLabelValues("failed_on_chain").Inc()
		return market.EscrowRecord{}, market.ErrEscrowFailedOnChain
	}
	if t.Recipient != v.collectionWallet {
		metricEscrowRejected.WithLabelValues("tx_wrong_recipient").Inc()
		return market.EscrowRecord{}, market.ErrEscrowWrongRecipient
	}
	if t.Amount < minAmount {
		metricEscrowRejected.WithLabelValues("tx_amount_too_low").Inc()
		return market.EscrowRecord{}, market.ErrEscrowAmountTooLow
	}
	if time.Since(t.BlockTime) > v.maxAge {
		metricEscrowRejected.WithLabelValues("tx_too_old").Inc()
		return market.EscrowRecord{}, market.ErrEscrowTooOld
	}
	if memo != "" && t.Tag != memo {
		metricEscrowRejected.WithLabelValues("tx_memo_mismatch").Inc()
		return market.EscrowRecord{}, market.ErrEscrowBadMemo
	}
	return market.EscrowRecord{
		TxRef:     t.Ref,
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Amount:    t.Amount,
		BlockTime: t.BlockTime,
	}, nil
}
