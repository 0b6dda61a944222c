package state

import (
	"errors"

	"msusd/internal/ledger"
)

// Protocol errors. Callers match them with errors.Is; the core re-exports
// them so API consumers only import one package.
var (
	ErrNotSupportedAsset        = errors.New("asset not supported")
	ErrNotWhitelisted           = errors.New("caller not whitelisted")
	ErrInsufficientOutputAmount = errors.New("insufficient output amount")
	ErrSupplyLimitExceeded      = errors.New("supply limit exceeded")
	ErrRedemptionsDisabled      = errors.New("redemptions disabled")
	ErrRedemptionCapExceeded    = errors.New("redemption cap exceeded")
	ErrNoTokensClaimable        = errors.New("no tokens claimable")
	ErrOperationNotAllowed      = errors.New("operation not allowed")
	ErrExcessiveWithdrawAmount  = errors.New("excessive withdraw amount")
	ErrExcessiveRedeemAmount    = errors.New("excessive redeem amount")
	ErrCooldownNotFinished      = errors.New("cooldown not finished")
	ErrNothingToUnstake         = errors.New("nothing to unstake")
	ErrMinSharesViolation       = errors.New("min shares violation")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidZeroAddress       = errors.New("invalid zero address")
	ErrInvalidAddress           = errors.New("invalid address")
	ErrAlreadySet               = errors.New("already set")
	ErrAlreadyExists            = errors.New("already exists")
	ErrUnchanged                = errors.New("unchanged")
	ErrNotAuthorized            = errors.New("not authorized")
	ErrInsufficientReserves     = errors.New("insufficient reserves")
	ErrInvalidPrice             = errors.New("invalid price")
	ErrInsufficientBalance      = ledger.ErrInsufficientBalance
)
