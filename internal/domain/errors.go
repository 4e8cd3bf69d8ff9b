package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Validation: the request is malformed.
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrInvalidResolveWindow = errors.New("invalid resolve window")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidMarket        = errors.New("invalid market parameters")
	ErrInvalidAccount       = errors.New("invalid account")

	// Conflict: the market is in the wrong lifecycle phase.
	ErrMarketResolved    = errors.New("market already resolved")
	ErrMarketNotResolved = errors.New("market not resolved yet")
	ErrResolveTooEarly   = errors.New("resolve window has not opened")

	// Insufficient: permanently not possible with the current balances.
	ErrInsufficientLiquidity = errors.New("insufficient outstanding shares")
	ErrInsufficientShares    = errors.New("insufficient shares held")
	ErrNothingToRedeem       = errors.New("nothing to redeem")
	ErrNoWinningClaims       = errors.New("no winning shares held")
	ErrInsufficientPool      = errors.New("insufficient pooled balance")

	// Unavailable: a collaborator failed; retrying later may succeed.
	ErrTransferFailed    = errors.New("token transfer failed")
	ErrTransferPending   = errors.New("token transfer pending")
	ErrOracleStale       = errors.New("oracle price is stale")
	ErrOracleUnavailable = errors.New("oracle unavailable")
)

// PendingTransferError reports a transfer that custody handed off but could
// not confirm. The tokens may still move; Ref identifies the transfer to
// custody (a transaction hash on chain).
type PendingTransferError struct {
	Ref string
	Err error
}

func (e *PendingTransferError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransferPending, e.Ref, e.Err)
}

func (e *PendingTransferError) Unwrap() []error {
	return []error{ErrTransferPending, e.Err}
}

// ErrorKind classifies errors so callers can tell a malformed request from a
// transient failure.
type ErrorKind string

const (
	KindInternal     ErrorKind = "internal"
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
	KindInsufficient ErrorKind = "insufficient"
	KindUnavailable  ErrorKind = "unavailable"
	KindNotFound     ErrorKind = "not_found"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrNotFound, KindNotFound},
	{ErrInvalidOutcome, KindValidation},
	{ErrInvalidResolveWindow, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidMarket, KindValidation},
	{ErrInvalidAccount, KindValidation},
	{ErrAlreadyExists, KindConflict},
	{ErrMarketResolved, KindConflict},
	{ErrMarketNotResolved, KindConflict},
	{ErrResolveTooEarly, KindConflict},
	{ErrInsufficientLiquidity, KindInsufficient},
	{ErrInsufficientShares, KindInsufficient},
	{ErrNothingToRedeem, KindInsufficient},
	{ErrNoWinningClaims, KindInsufficient},
	{ErrInsufficientPool, KindInsufficient},
	{ErrTransferFailed, KindUnavailable},
	{ErrTransferPending, KindUnavailable},
	{ErrOracleStale, KindUnavailable},
	{ErrOracleUnavailable, KindUnavailable},
	{ErrLockHeld, KindUnavailable},
}

// KindOf returns the kind of the first known sentinel found in err's chain.
// Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}

// Retryable reports whether err stems from a collaborator that may recover.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
