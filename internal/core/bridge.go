package core

import (
	"github.com/holiman/uint256"

	"msusd/internal/event"
	"msusd/internal/ledger"
	"msusd/internal/state"
)

// On the home chain bridged msUSD is locked in escrow; satellites mint on
// arrival and burn on departure so the global supply is conserved.

func (c *DeterministicCore) bridgeEscrow() ledger.AccountKey {
	return ledger.NewSystemAccountKey(ledger.SubTypeBridgeEscrow, c.cfg.MsUSD)
}

func (c *DeterministicCore) handleBridgeCredit(e *event.BridgeCredit) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleBridge); err != nil {
		return nil, err
	}
	if err := requireAddress("recipient", e.Recipient); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", e.Amount); err != nil {
		return nil, err
	}

	to := ledger.NewWalletKey(e.Recipient, c.cfg.MsUSD)
	gen := c.newJournals(&e.Header)
	if c.bridgeMode == state.BridgeModeSatellite {
		if err := c.supplyLimit.Check(c.balances.Supply(c.cfg.MsUSD), e.Amount); err != nil {
			return nil, err
		}
		gen.Issue(to, e.Amount, ledger.JournalTypeBridgeCredit)
	} else {
		gen.Move(c.bridgeEscrow(), to, e.Amount, ledger.JournalTypeBridgeCredit)
	}
	return &plan{batch: gen.Batch(), result: new(uint256.Int).Set(e.Amount)}, nil
}

func (c *DeterministicCore) handleBridgeDebit(e *event.BridgeDebit) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleBridge); err != nil {
		return nil, err
	}
	if err := requireAddress("sender", e.Sender); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", e.Amount); err != nil {
		return nil, err
	}

	from := ledger.NewWalletKey(e.Sender, c.cfg.MsUSD)
	gen := c.newJournals(&e.Header)
	if c.bridgeMode == state.BridgeModeSatellite {
		gen.Retire(from, e.Amount, ledger.JournalTypeBridgeDebit)
	} else {
		gen.Move(from, c.bridgeEscrow(), e.Amount, ledger.JournalTypeBridgeDebit)
	}
	return &plan{batch: gen.Batch(), result: new(uint256.Int).Set(e.Amount)}, nil
}
