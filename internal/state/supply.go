package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// SupplyLimit is the global msUSD ceiling checked on every supply increase.
type SupplyLimit struct {
	limit *uint256.Int
}

func NewSupplyLimit(limit *uint256.Int) *SupplyLimit {
	return &SupplyLimit{limit: new(uint256.Int).Set(limit)}
}

// Check fails when current + increase would exceed the limit.
func (s *SupplyLimit) Check(current, increase *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(current, increase)
	if overflow || next.Gt(s.limit) {
		return fmt.Errorf("supply %s + %s > limit %s: %w",
			current.Dec(), increase.Dec(), s.limit.Dec(), ErrSupplyLimitExceeded)
	}
	return nil
}

func (s *SupplyLimit) Limit() *uint256.Int {
	return new(uint256.Int).Set(s.limit)
}

// Set changes the ceiling. Lowering it below the current supply only blocks
// further increases.
func (s *SupplyLimit) Set(limit *uint256.Int) error {
	if s.limit.Eq(limit) {
		return fmt.Errorf("supply limit %s: %w", limit.Dec(), ErrAlreadySet)
	}
	s.limit = new(uint256.Int).Set(limit)
	return nil
}

// BridgeMode selects how bridged msUSD is accounted on this chain.
type BridgeMode uint8

const (
	// BridgeModeHome locks and releases tokens from the bridge escrow.
	BridgeModeHome BridgeMode = iota
	// BridgeModeSatellite mints on credit and burns on debit.
	BridgeModeSatellite
)

func (m BridgeMode) String() string {
	switch m {
	case BridgeModeHome:
		return "home"
	case BridgeModeSatellite:
		return "satellite"
	default:
		return "unknown"
	}
}

func ParseBridgeMode(s string) (BridgeMode, error) {
	switch s {
	case "", "home":
		return BridgeModeHome, nil
	case "satellite":
		return BridgeModeSatellite, nil
	default:
		return 0, fmt.Errorf("unknown bridge mode %q", s)
	}
}
