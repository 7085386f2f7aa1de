// Package ledger is the boundary to the WATT transfer network. The core
// never trusts caller-supplied amounts; everything money-related is read
// back from here.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Transfer is a settled value movement on the ledger.
type Transfer struct {
	Ref       string    `json:"ref"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Amount    int64     `json:"amount"`
	Tag       string    `json:"tag,omitempty"`
	BlockTime time.Time `json:"block_time"`
	Failed    bool      `json:"failed,omitempty"`
}

// ErrNotFound means the reference is not (yet) visible on the ledger.
// Callers may retry; every other rejection is definitive.
var ErrNotFound = errors.New("transfer not found")

// Ledger abstracts lookup and send on the transfer network.
//
// FindByTag is the reconciliation read-path: it answers "has a transfer
// tagged with this purpose key already settled", which is what makes the
// payout pipeline safe across restarts.
type Ledger interface {
	Lookup(ctx context.Context, ref string) (*Transfer, error)
	FindByTag(ctx context.Context, tag string) (*Transfer, error)
	Transfer(ctx context.Context, to string, amount int64, tag string) (string, error)
}
