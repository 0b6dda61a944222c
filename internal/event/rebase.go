package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type RebaseMint struct {
	Header
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *RebaseMint) EventType() EventType { return EventTypeRebaseMint }

type RebaseBurn struct {
	Header
	From   common.Address `json:"from"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *RebaseBurn) EventType() EventType { return EventTypeRebaseBurn }

type RebaseTransfer struct {
	Header
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *RebaseTransfer) EventType() EventType { return EventTypeRebaseTransfer }

type RebaseOptOut struct {
	Header
	Holder common.Address `json:"holder"`
}

func (e *RebaseOptOut) EventType() EventType { return EventTypeRebaseOptOut }

type RebaseOptIn struct {
	Header
	Holder common.Address `json:"holder"`
}

func (e *RebaseOptIn) EventType() EventType { return EventTypeRebaseOptIn }

type Rebase struct {
	Header
	Delta *uint256.Int `json:"delta"`
}

func (e *Rebase) EventType() EventType { return EventTypeRebase }
