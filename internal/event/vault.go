package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type VaultDeposit struct {
	Header
	Assets   *uint256.Int   `json:"assets"`
	Receiver common.Address `json:"receiver"`
}

func (e *VaultDeposit) EventType() EventType { return EventTypeVaultDeposit }

type VaultMint struct {
	Header
	Shares   *uint256.Int   `json:"shares"`
	Receiver common.Address `json:"receiver"`
}

func (e *VaultMint) EventType() EventType { return EventTypeVaultMint }

type VaultWithdraw struct {
	Header
	Assets   *uint256.Int   `json:"assets"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

func (e *VaultWithdraw) EventType() EventType { return EventTypeVaultWithdraw }

type VaultRedeem struct {
	Header
	Shares   *uint256.Int   `json:"shares"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

func (e *VaultRedeem) EventType() EventType { return EventTypeVaultRedeem }

type CooldownAssets struct {
	Header
	Assets *uint256.Int   `json:"assets"`
	Owner  common.Address `json:"owner"`
}

func (e *CooldownAssets) EventType() EventType { return EventTypeCooldownAssets }

type CooldownShares struct {
	Header
	Shares *uint256.Int   `json:"shares"`
	Owner  common.Address `json:"owner"`
}

func (e *CooldownShares) EventType() EventType { return EventTypeCooldownShares }

type Unstake struct {
	Header
	Receiver common.Address `json:"receiver"`
}

func (e *Unstake) EventType() EventType { return EventTypeUnstake }

type MintRewards struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (e *MintRewards) EventType() EventType { return EventTypeMintRewards }
