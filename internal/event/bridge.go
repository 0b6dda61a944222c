package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BridgeCredit delivers msUSD that arrived from another chain.
type BridgeCredit struct {
	Header
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
	// Cross-chain message id, used as the idempotency key when set
	MessageID string `json:"message_id,omitempty"`
}

func (e *BridgeCredit) EventType() EventType { return EventTypeBridgeCredit }

// BridgeDebit takes msUSD from sender for delivery to another chain.
type BridgeDebit struct {
	Header
	Sender common.Address `json:"sender"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *BridgeDebit) EventType() EventType { return EventTypeBridgeDebit }

// DerivedKey returns the key a credit is deduplicated by when the sender
// supplied none. A replayed bridge message then maps to the same key.
func (e *BridgeCredit) DerivedKey() string {
	if e.MessageID == "" {
		return ""
	}
	return "bridge:" + e.MessageID
}
