package core

import (
	"errors"

	"msusd/internal/state"
)

// Protocol errors. Match with errors.Is; call sites wrap them with context.
var (
	ErrNotSupportedAsset        = state.ErrNotSupportedAsset
	ErrNotWhitelisted           = state.ErrNotWhitelisted
	ErrInsufficientOutputAmount = state.ErrInsufficientOutputAmount
	ErrSupplyLimitExceeded      = state.ErrSupplyLimitExceeded
	ErrRedemptionsDisabled      = state.ErrRedemptionsDisabled
	ErrRedemptionCapExceeded    = state.ErrRedemptionCapExceeded
	ErrNoTokensClaimable        = state.ErrNoTokensClaimable
	ErrOperationNotAllowed      = state.ErrOperationNotAllowed
	ErrExcessiveWithdrawAmount  = state.ErrExcessiveWithdrawAmount
	ErrExcessiveRedeemAmount    = state.ErrExcessiveRedeemAmount
	ErrCooldownNotFinished      = state.ErrCooldownNotFinished
	ErrNothingToUnstake         = state.ErrNothingToUnstake
	ErrMinSharesViolation       = state.ErrMinSharesViolation
	ErrInvalidAmount            = state.ErrInvalidAmount
	ErrInvalidZeroAddress       = state.ErrInvalidZeroAddress
	ErrInvalidAddress           = state.ErrInvalidAddress
	ErrAlreadySet               = state.ErrAlreadySet
	ErrAlreadyExists            = state.ErrAlreadyExists
	ErrUnchanged                = state.ErrUnchanged
	ErrNotAuthorized            = state.ErrNotAuthorized
	ErrInsufficientReserves     = state.ErrInsufficientReserves
	ErrInvalidPrice             = state.ErrInvalidPrice
	ErrInsufficientBalance      = state.ErrInsufficientBalance

	ErrReentrantCall    = errors.New("reentrant call")
	ErrDuplicateCommand = errors.New("duplicate command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrHashMismatch     = errors.New("state hash mismatch")
)

var rejectReasons = []struct {
	err    error
	reason string
}{
	{ErrDuplicateCommand, "duplicate"},
	{ErrReentrantCall, "reentrant"},
	{ErrNotAuthorized, "not_authorized"},
	{ErrNotWhitelisted, "not_whitelisted"},
	{ErrNotSupportedAsset, "not_supported_asset"},
	{ErrSupplyLimitExceeded, "supply_limit"},
	{ErrInsufficientOutputAmount, "slippage"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInsufficientReserves, "insufficient_reserves"},
	{ErrInvalidPrice, "invalid_price"},
}

// RejectReason maps an error to a low-cardinality metric label.
func RejectReason(err error) string {
	for _, r := range rejectReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "validation"
}

var rejections = []error{
	ErrNotSupportedAsset, ErrNotWhitelisted, ErrInsufficientOutputAmount,
	ErrSupplyLimitExceeded, ErrRedemptionsDisabled, ErrRedemptionCapExceeded,
	ErrNoTokensClaimable, ErrOperationNotAllowed, ErrExcessiveWithdrawAmount,
	ErrExcessiveRedeemAmount, ErrCooldownNotFinished, ErrNothingToUnstake,
	ErrMinSharesViolation, ErrInvalidAmount, ErrInvalidZeroAddress,
	ErrInvalidAddress, ErrAlreadySet, ErrAlreadyExists, ErrUnchanged,
	ErrNotAuthorized, ErrInsufficientReserves, ErrInvalidPrice,
	ErrInsufficientBalance, ErrDuplicateCommand, ErrUnknownCommand,
}

// IsRejection reports whether err rejects the command itself. Resubmitting
// a rejected command unchanged fails the same way; any other error (a
// cancelled context, an unreachable idempotency store) may be retried.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
