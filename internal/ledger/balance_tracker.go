package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientBalance is returned when a batch would drive a tracked
// account below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory token balances. External accounts are
// not tracked; moving value across them changes the asset's supply.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	supply   map[common.Address]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		supply:   make(map[common.Address]*uint256.Int),
	}
}

// CanApply checks that every journal in the batch can be applied in order
// without underflowing a tracked account or overflowing a balance.
func (bt *BalanceTracker) CanApply(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	scratch := make(map[AccountKey]*uint256.Int)
	scratchSupply := make(map[common.Address]*uint256.Int)

	get := func(key AccountKey) *uint256.Int {
		if v, ok := scratch[key]; ok {
			return v
		}
		v := bt.GetBalance(key)
		scratch[key] = v
		return v
	}
	getSupply := func(asset common.Address) *uint256.Int {
		if v, ok := scratchSupply[asset]; ok {
			return v
		}
		v := bt.Supply(asset)
		scratchSupply[asset] = v
		return v
	}

	for _, j := range batch.Journals {
		if j.CreditAccount.IsExternal() {
			s := getSupply(j.Asset)
			if _, overflow := s.AddOverflow(s, j.Amount); overflow {
				return fmt.Errorf("supply overflow for %s", j.Asset.Hex())
			}
		} else {
			bal := get(j.CreditAccount)
			if bal.Lt(j.Amount) {
				return fmt.Errorf("%w: %s has %s, needs %s",
					ErrInsufficientBalance, j.CreditAccount.AccountPath(), bal.Dec(), j.Amount.Dec())
			}
			bal.Sub(bal, j.Amount)
		}

		if j.DebitAccount.IsExternal() {
			s := getSupply(j.Asset)
			if s.Lt(j.Amount) {
				return fmt.Errorf("%w: supply of %s below burn amount", ErrInsufficientBalance, j.Asset.Hex())
			}
			s.Sub(s, j.Amount)
		} else {
			bal := get(j.DebitAccount)
			if _, overflow := bal.AddOverflow(bal, j.Amount); overflow {
				return fmt.Errorf("balance overflow for %s", j.DebitAccount.AccountPath())
			}
		}
	}

	return nil
}

// ApplyJournal applies a single journal entry to balances. Callers must have
// checked the batch with CanApply.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	if j.CreditAccount.IsExternal() {
		bt.adjustSupply(j.Asset, j.Amount, true)
	} else {
		bal := bt.balanceRef(j.CreditAccount)
		bal.Sub(bal, j.Amount)
		if bal.IsZero() {
			delete(bt.balances, j.CreditAccount)
		}
	}

	if j.DebitAccount.IsExternal() {
		bt.adjustSupply(j.Asset, j.Amount, false)
	} else {
		bal := bt.balanceRef(j.DebitAccount)
		bal.Add(bal, j.Amount)
	}
}

// ApplyBatch applies all journals in a batch, or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := bt.CanApply(batch); err != nil {
		return err
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

func (bt *BalanceTracker) balanceRef(key AccountKey) *uint256.Int {
	bal, ok := bt.balances[key]
	if !ok {
		bal = new(uint256.Int)
		bt.balances[key] = bal
	}
	return bal
}

func (bt *BalanceTracker) adjustSupply(asset common.Address, amount *uint256.Int, increase bool) {
	s, ok := bt.supply[asset]
	if !ok {
		s = new(uint256.Int)
		bt.supply[asset] = s
	}
	if increase {
		s.Add(s, amount)
	} else {
		s.Sub(s, amount)
	}
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if bal, ok := bt.balances[key]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// WalletBalance returns a holder's balance of a token.
func (bt *BalanceTracker) WalletBalance(owner, asset common.Address) *uint256.Int {
	return bt.GetBalance(NewWalletKey(owner, asset))
}

// SystemBalance returns a protocol-owned balance.
func (bt *BalanceTracker) SystemBalance(subType AccountSubType, asset common.Address) *uint256.Int {
	return bt.GetBalance(NewSystemAccountKey(subType, asset))
}

// Supply returns the amount of an asset held inside the ledger.
func (bt *BalanceTracker) Supply(asset common.Address) *uint256.Int {
	if s, ok := bt.supply[asset]; ok {
		return new(uint256.Int).Set(s)
	}
	return new(uint256.Int)
}

// ComputeSupplyFromBalances sums tracked balances per asset. It must always
// equal Supply for every asset.
func (bt *BalanceTracker) ComputeSupplyFromBalances() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(uint256.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(uint256.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances and recomputes supplies from them.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*uint256.Int) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(balances))
	for k, v := range balances {
		if k.IsExternal() || v.IsZero() {
			continue
		}
		bt.balances[k] = new(uint256.Int).Set(v)
	}
	bt.supply = bt.ComputeSupplyFromBalances()
}
