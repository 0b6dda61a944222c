package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed and applicable.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return v.tracker.CanApply(batch)
}

// ValidateSupplyConsistency verifies that recorded supply equals the sum of
// all tracked balances for every asset.
func (v *InvariantValidator) ValidateSupplyConsistency() error {
	computed := v.tracker.ComputeSupplyFromBalances()

	for asset, total := range computed {
		if recorded := v.tracker.Supply(asset); !recorded.Eq(total) {
			return fmt.Errorf("supply of %s drifted: recorded=%s computed=%s",
				asset.Hex(), recorded.Dec(), total.Dec())
		}
	}

	for asset, recorded := range v.tracker.supply {
		if _, ok := computed[asset]; !ok && !recorded.IsZero() {
			return fmt.Errorf("supply of %s drifted: recorded=%s computed=0", asset.Hex(), recorded.Dec())
		}
	}

	return nil
}

// ValidateCovered checks that a system account holds at least the given
// liability, e.g. engine collateral versus pending redemptions.
func (v *InvariantValidator) ValidateCovered(subType AccountSubType, asset common.Address, liability *uint256.Int) error {
	held := v.tracker.SystemBalance(subType, asset)
	if held.Lt(liability) {
		key := NewSystemAccountKey(subType, asset)
		return fmt.Errorf("%s holds %s, owes %s", key.AccountPath(), held.Dec(), liability.Dec())
	}
	return nil
}
