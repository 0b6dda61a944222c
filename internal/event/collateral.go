package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OracleQuote is the price a command was executed at. The core fills it on
// first execution so replays never consult a live oracle.
type OracleQuote struct {
	OracleID string       `json:"oracle_id"`
	Rate     *uint256.Int `json:"rate"`
	Decimals uint8        `json:"decimals"`
}

type AddAsset struct {
	Header
	Asset    common.Address `json:"asset"`
	OracleID string         `json:"oracle_id"`
	Decimals uint8          `json:"decimals"`
}

func (e *AddAsset) EventType() EventType { return EventTypeAddAsset }

type RemoveAsset struct {
	Header
	Asset common.Address `json:"asset"`
}

func (e *RemoveAsset) EventType() EventType { return EventTypeRemoveAsset }

type RestoreAsset struct {
	Header
	Asset common.Address `json:"asset"`
}

func (e *RestoreAsset) EventType() EventType { return EventTypeRestoreAsset }

type UpdateOracle struct {
	Header
	Asset    common.Address `json:"asset"`
	OracleID string         `json:"oracle_id"`
}

func (e *UpdateOracle) EventType() EventType { return EventTypeUpdateOracle }

// Mint swaps collateral held by the caller for freshly minted msUSD.
type Mint struct {
	Header
	Asset        common.Address `json:"asset"`
	AmountIn     *uint256.Int   `json:"amount_in"`
	MinAmountOut *uint256.Int   `json:"min_amount_out"`
	Quote        *OracleQuote   `json:"quote,omitempty"`
}

func (e *Mint) EventType() EventType { return EventTypeMint }

// DepositCollateral records collateral arriving in a holder's wallet from
// outside the ledger. Only the depositor role submits it.
type DepositCollateral struct {
	Header
	Holder common.Address `json:"holder"`
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *DepositCollateral) EventType() EventType { return EventTypeDepositCollateral }

// WithdrawCollateral moves the caller's collateral out of the ledger.
type WithdrawCollateral struct {
	Header
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *WithdrawCollateral) EventType() EventType { return EventTypeWithdrawCollateral }

// Transfer moves msUSD or vault shares between holders.
type Transfer struct {
	Header
	Token  common.Address `json:"token"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *Transfer) EventType() EventType { return EventTypeTransfer }
