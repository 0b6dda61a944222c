package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"msusd/internal/event"
	"msusd/internal/state"
)

// The v1 rebasing token keeps its own books outside the ledger. Its handlers
// mutate during planning; every RebaseAccounting method validates before it
// writes, so a rejected command leaves it untouched.

func (c *DeterministicCore) handleRebaseMint(e *event.RebaseMint) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleOwner); err != nil {
		return nil, err
	}
	if err := requireAddress("to", e.To); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", e.Amount); err != nil {
		return nil, err
	}
	if err := c.rebase.Mint(e.To, e.Amount); err != nil {
		return nil, err
	}
	return &plan{result: c.rebase.BalanceOf(e.To)}, nil
}

func (c *DeterministicCore) handleRebaseBurn(e *event.RebaseBurn) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleOwner); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", e.Amount); err != nil {
		return nil, err
	}
	if err := c.rebase.Burn(e.From, e.Amount); err != nil {
		return nil, err
	}
	return &plan{result: c.rebase.BalanceOf(e.From)}, nil
}

func (c *DeterministicCore) handleRebaseTransfer(e *event.RebaseTransfer) (*plan, error) {
	if err := requireAddress("to", e.To); err != nil {
		return nil, err
	}
	if e.To == e.Caller {
		return nil, fmt.Errorf("transfer to self: %w", ErrInvalidAddress)
	}
	if err := requirePositive("amount", e.Amount); err != nil {
		return nil, err
	}
	if err := c.rebase.Transfer(e.Caller, e.To, e.Amount); err != nil {
		return nil, err
	}
	return &plan{result: c.rebase.BalanceOf(e.Caller)}, nil
}

// holderOrOwner authorizes opt-in changes made by the holder or the owner.
func (c *DeterministicCore) holderOrOwner(caller, holder common.Address) error {
	if caller == holder {
		return nil
	}
	return c.roles.Authorize(caller, state.RoleOwner)
}

func (c *DeterministicCore) handleRebaseOptOut(e *event.RebaseOptOut) (*plan, error) {
	if err := c.holderOrOwner(e.Caller, e.Holder); err != nil {
		return nil, err
	}
	if err := c.rebase.DisableRebase(e.Holder); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleRebaseOptIn(e *event.RebaseOptIn) (*plan, error) {
	if err := c.holderOrOwner(e.Caller, e.Holder); err != nil {
		return nil, err
	}
	if err := c.rebase.EnableRebase(e.Holder); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleRebase(e *event.Rebase) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleRewarder); err != nil {
		return nil, err
	}
	if err := requirePositive("delta", e.Delta); err != nil {
		return nil, err
	}
	res, err := c.rebase.RebaseWithDelta(e.Delta, c.feeCollector)
	if err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("old_index", res.OldIndex.Dec()).
		Str("new_index", res.NewIndex.Dec()).
		Str("tax", res.Tax.Dec()).
		Msg("rebase applied")
	return &plan{result: res}, nil
}
