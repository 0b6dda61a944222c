package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type SetSupplyLimit struct {
	Header
	Limit *uint256.Int `json:"limit"`
}

func (e *SetSupplyLimit) EventType() EventType { return EventTypeSetSupplyLimit }

type SetRole struct {
	Header
	Role   string         `json:"role"`
	Holder common.Address `json:"holder"`
}

func (e *SetRole) EventType() EventType { return EventTypeSetRole }

type SetWhitelisted struct {
	Header
	Account common.Address `json:"account"`
	Allowed bool           `json:"allowed"`
}

func (e *SetWhitelisted) EventType() EventType { return EventTypeSetWhitelisted }

type SetCooldownDuration struct {
	Header
	Duration time.Duration `json:"duration"`
}

func (e *SetCooldownDuration) EventType() EventType { return EventTypeSetCooldownDuration }

type SetRewardTax struct {
	Header
	PerThousand uint64 `json:"per_thousand"`
}

func (e *SetRewardTax) EventType() EventType { return EventTypeSetRewardTax }

type SetRebaseTax struct {
	Header
	PerThousand uint64 `json:"per_thousand"`
}

func (e *SetRebaseTax) EventType() EventType { return EventTypeSetRebaseTax }

type SetFeeCollector struct {
	Header
	FeeCollector common.Address `json:"fee_collector"`
}

func (e *SetFeeCollector) EventType() EventType { return EventTypeSetFeeCollector }

type SetClaimDelay struct {
	Header
	Delay time.Duration `json:"delay"`
}

func (e *SetClaimDelay) EventType() EventType { return EventTypeSetClaimDelay }

type SetRedemptionsEnabled struct {
	Header
	Enabled bool `json:"enabled"`
}

func (e *SetRedemptionsEnabled) EventType() EventType { return EventTypeSetRedemptionsEnabled }

type SetRedemptionCap struct {
	Header
	Asset common.Address `json:"asset"`
	Cap   *uint256.Int   `json:"cap"`
}

func (e *SetRedemptionCap) EventType() EventType { return EventTypeSetRedemptionCap }
