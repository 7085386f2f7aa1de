package market

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy: validation and guard
// errors surface synchronously, external failures are retried by sweeps,
// conflicts are surfaced so the caller can re-fetch, terminal means the
// record is in an immutable end state.
type Kind string

const (
	KindValidation Kind = "validation"
	KindGuard      Kind = "guard"
	KindExternal   Kind = "external"
	KindConflict   Kind = "conflict"
	KindTerminal   Kind = "terminal"
)

// Error carries a kind and a stable reason code alongside the message.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindExternal || e.Kind == KindConflict
}

// Errf builds a reason-coded error.
func Errf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapExternal tags a dependency failure so sweeps know to retry it.
func WrapExternal(code string, cause error) *Error {
	return &Error{Kind: KindExternal, Code: code, Msg: "external dependency failed", Cause: cause}
}

// KindOf extracts the Kind from err, or empty if err is not a market error.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// CodeOf extracts the reason code from err, or empty.
func CodeOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// Common sentinel errors shared across stores and the engine.
var (
	ErrTaskNotFound     = Errf(KindValidation, "task_not_found", "task not found")
	ErrSolutionNotFound = Errf(KindValidation, "solution_not_found", "solution not found")
	ErrTaskConflict     = Errf(KindConflict, "task_conflict", "task state changed concurrently")
	ErrTaskTerminal     = Errf(KindTerminal, "task_terminal", "task is in a final state")
	ErrDuplicatePayout  = Errf(KindConflict, "duplicate_payout", "purpose key already enqueued")
)

// Escrow verification rejection codes. Only not_found is retryable: the
// transfer may simply not be visible yet.
var (
	ErrEscrowNotFound       = Errf(KindExternal, "tx_not_found", "transaction not found on ledger")
	ErrEscrowFailedOnChain  = Errf(KindValidation, "failed_on_chain", "transfer failed on chain")
	ErrEscrowTooOld         = Errf(KindValidation, "tx_too_old", "transaction older than freshness window")
	ErrEscrowWrongRecipient = Errf(KindValidation, "tx_wrong_recipient", "transfer did not reach the collection wallet")
	ErrEscrowAmountTooLow   = Errf(KindValidation, "tx_amount_too_low", "transfer amount below expected")
	ErrEscrowAlreadyUsed    = Errf(KindValidation, "tx_already_used", "transaction already used")
	ErrEscrowBadMemo        = Errf(KindValidation, "tx_memo_mismatch", "transfer memo does not match")
)
