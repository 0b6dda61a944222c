package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestRedemption burns msUSD and queues a collateral claim.
type RequestRedemption struct {
	Header
	Asset    common.Address `json:"asset"`
	AmountIn *uint256.Int   `json:"amount_in"`
	Quote    *OracleQuote   `json:"quote,omitempty"`
}

func (e *RequestRedemption) EventType() EventType { return EventTypeRequestRedemption }

type ClaimRedemption struct {
	Header
	Asset       common.Address `json:"asset"`
	MaxRequests int            `json:"max_requests"`
}

func (e *ClaimRedemption) EventType() EventType { return EventTypeClaimRedemption }

// Sweep sends the engine's withdrawable collateral to the custodian.
type Sweep struct {
	Header
	Asset        common.Address `json:"asset"`
	MinAmountOut *uint256.Int   `json:"min_amount_out"`
}

func (e *Sweep) EventType() EventType { return EventTypeSweep }

// ReturnToEngine moves custodian collateral back into the engine to fund
// claims.
type ReturnToEngine struct {
	Header
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *ReturnToEngine) EventType() EventType { return EventTypeReturnToEngine }
