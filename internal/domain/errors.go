package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrMarketNotFound         = errors.New("market not found")
	ErrBetNotFound            = errors.New("bet not found")
	ErrOnlyAdmin              = errors.New("caller is not the admin")
	ErrMarketNotActive        = errors.New("market is not active")
	ErrVotingClosed           = errors.New("voting window has closed")
	ErrAlreadyBet             = errors.New("caller already has a bet on this market")
	ErrAlreadyClaimed         = errors.New("payout already claimed")
	ErrTotalsNotDecrypted     = errors.New("market totals not yet decrypted")
	ErrTotalsAlreadyDecrypted = errors.New("market totals already decrypted")
	ErrInvalidDecryptionProof = errors.New("invalid decryption proof")
	ErrPayoutOverflow         = errors.New("payout arithmetic would overflow")
	ErrInsufficientBalance    = errors.New("insufficient encrypted balance")
	ErrInsufficientAllowance  = errors.New("insufficient encrypted allowance")
	ErrLockHeld               = errors.New("lock already held")
)
