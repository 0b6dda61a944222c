package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fpmath "msusd/internal/math"
)

// RebaseAccounting is the legacy v1 token. Rebasing holders own shares of a
// global index (WAD = 1.0); opted-out holders keep fixed balances. It keeps
// its own balances and is not part of the ledger.
type RebaseAccounting struct {
	index          *uint256.Int
	shares         map[common.Address]*uint256.Int
	fixed          map[common.Address]*uint256.Int
	optedOut       map[common.Address]bool
	totalShares    *uint256.Int
	fixedSupply    *uint256.Int
	taxPerThousand uint64
}

func NewRebaseAccounting(taxPerThousand uint64) *RebaseAccounting {
	return &RebaseAccounting{
		index:          new(uint256.Int).Set(fpmath.WAD),
		shares:         make(map[common.Address]*uint256.Int),
		fixed:          make(map[common.Address]*uint256.Int),
		optedOut:       make(map[common.Address]bool),
		totalShares:    new(uint256.Int),
		fixedSupply:    new(uint256.Int),
		taxPerThousand: taxPerThousand,
	}
}

func (r *RebaseAccounting) Index() *uint256.Int {
	return new(uint256.Int).Set(r.index)
}

func (r *RebaseAccounting) RebaseDisabled(holder common.Address) bool {
	return r.optedOut[holder]
}

// BalanceOf returns the holder's token balance, rounded down for rebasing
// holders.
func (r *RebaseAccounting) BalanceOf(holder common.Address) *uint256.Int {
	if r.optedOut[holder] {
		return cloneOrZero(r.fixed[holder])
	}
	s, ok := r.shares[holder]
	if !ok {
		return new(uint256.Int)
	}
	bal, err := fpmath.MulDiv(s, r.index, fpmath.WAD, fpmath.RoundDown)
	if err != nil {
		panic(fmt.Sprintf("FATAL: rebase balance of %s: %v", holder.Hex(), err))
	}
	return bal
}

func (r *RebaseAccounting) SharesOf(holder common.Address) *uint256.Int {
	return cloneOrZero(r.shares[holder])
}

// RebasingSupply is the token value of all outstanding shares.
func (r *RebaseAccounting) RebasingSupply() *uint256.Int {
	s, err := fpmath.MulDiv(r.totalShares, r.index, fpmath.WAD, fpmath.RoundDown)
	if err != nil {
		panic(fmt.Sprintf("FATAL: rebasing supply: %v", err))
	}
	return s
}

func (r *RebaseAccounting) TotalSupply() *uint256.Int {
	return new(uint256.Int).Add(r.RebasingSupply(), r.fixedSupply)
}

func (r *RebaseAccounting) FixedSupply() *uint256.Int {
	return new(uint256.Int).Set(r.fixedSupply)
}

func (r *RebaseAccounting) Mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrInvalidZeroAddress
	}
	if amount.IsZero() {
		return fmt.Errorf("mint amount: %w", ErrInvalidAmount)
	}

	if r.optedOut[to] {
		r.fixedRef(to).Add(r.fixedRef(to), amount)
		r.fixedSupply.Add(r.fixedSupply, amount)
		return nil
	}

	s, err := fpmath.MulDiv(amount, fpmath.WAD, r.index, fpmath.RoundDown)
	if err != nil {
		return err
	}
	if s.IsZero() {
		return fmt.Errorf("mint of %s rounds to zero shares: %w", amount.Dec(), ErrInvalidAmount)
	}
	r.sharesRef(to).Add(r.sharesRef(to), s)
	r.totalShares.Add(r.totalShares, s)
	return nil
}

// Burn removes amount from holder. Share burns round up so the holder never
// keeps value that was burned.
func (r *RebaseAccounting) Burn(from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("burn amount: %w", ErrInvalidAmount)
	}
	bal := r.BalanceOf(from)
	if bal.Lt(amount) {
		return fmt.Errorf("burn %s from %s holding %s: %w",
			amount.Dec(), from.Hex(), bal.Dec(), ErrInsufficientBalance)
	}

	if r.optedOut[from] {
		r.fixedRef(from).Sub(r.fixedRef(from), amount)
		r.fixedSupply.Sub(r.fixedSupply, amount)
		r.prune(from)
		return nil
	}

	s, err := fpmath.MulDiv(amount, fpmath.WAD, r.index, fpmath.RoundUp)
	if err != nil {
		return err
	}
	held := r.sharesRef(from)
	s = fpmath.Min(s, held)
	held.Sub(held, s)
	r.totalShares.Sub(r.totalShares, s)
	r.prune(from)
	return nil
}

func (r *RebaseAccounting) Transfer(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrInvalidZeroAddress
	}
	if from == to {
		return fmt.Errorf("transfer to self: %w", ErrInvalidAddress)
	}
	if bal := r.BalanceOf(from); bal.Lt(amount) {
		return fmt.Errorf("transfer %s from %s holding %s: %w",
			amount.Dec(), from.Hex(), bal.Dec(), ErrInsufficientBalance)
	}
	// Checked above so Burn cannot fail after Mint is known to succeed.
	if !r.optedOut[to] {
		s, err := fpmath.MulDiv(amount, fpmath.WAD, r.index, fpmath.RoundDown)
		if err != nil {
			return err
		}
		if s.IsZero() {
			return fmt.Errorf("transfer of %s rounds to zero shares: %w", amount.Dec(), ErrInvalidAmount)
		}
	}
	if err := r.Burn(from, amount); err != nil {
		return err
	}
	return r.Mint(to, amount)
}

// DisableRebase freezes holder's current balance.
func (r *RebaseAccounting) DisableRebase(holder common.Address) error {
	if holder == (common.Address{}) {
		return ErrInvalidZeroAddress
	}
	if r.optedOut[holder] {
		return fmt.Errorf("rebase for %s: %w", holder.Hex(), ErrAlreadySet)
	}
	bal := r.BalanceOf(holder)
	if s, ok := r.shares[holder]; ok {
		r.totalShares.Sub(r.totalShares, s)
		delete(r.shares, holder)
	}
	r.optedOut[holder] = true
	if !bal.IsZero() {
		r.fixed[holder] = bal
		r.fixedSupply.Add(r.fixedSupply, bal)
	}
	return nil
}

// EnableRebase converts holder's fixed balance back into shares.
func (r *RebaseAccounting) EnableRebase(holder common.Address) error {
	if !r.optedOut[holder] {
		return fmt.Errorf("rebase for %s: %w", holder.Hex(), ErrAlreadySet)
	}
	bal := cloneOrZero(r.fixed[holder])
	s, err := fpmath.MulDiv(bal, fpmath.WAD, r.index, fpmath.RoundDown)
	if err != nil {
		return err
	}
	delete(r.optedOut, holder)
	delete(r.fixed, holder)
	r.fixedSupply.Sub(r.fixedSupply, bal)
	if !s.IsZero() {
		r.sharesRef(holder).Add(r.sharesRef(holder), s)
		r.totalShares.Add(r.totalShares, s)
	}
	return nil
}

// RebaseResult reports how a rebase was distributed.
type RebaseResult struct {
	Tax      *uint256.Int
	NetDelta *uint256.Int
	OldIndex *uint256.Int
	NewIndex *uint256.Int
}

// RebaseWithDelta distributes delta across rebasing holders. The tax share
// goes to feeCollector; a tax worth less than one share at the new index is
// left to the holders instead. Nothing is written until every amount is known.
func (r *RebaseAccounting) RebaseWithDelta(delta *uint256.Int, feeCollector common.Address) (*RebaseResult, error) {
	if delta.IsZero() {
		return nil, fmt.Errorf("rebase delta: %w", ErrInvalidAmount)
	}

	tax, err := fpmath.PerThousand(delta, r.taxPerThousand)
	if err != nil {
		return nil, err
	}
	if !tax.IsZero() && feeCollector == (common.Address{}) {
		return nil, fmt.Errorf("fee collector: %w", ErrInvalidZeroAddress)
	}

	supply := r.RebasingSupply()
	if supply.IsZero() {
		return nil, fmt.Errorf("rebasing supply is zero: %w", ErrInvalidAmount)
	}

	net := new(uint256.Int).Sub(delta, tax)
	newIndex, err := r.indexAfter(supply, net)
	if err != nil {
		return nil, err
	}

	taxShares := new(uint256.Int)
	if !tax.IsZero() && !r.optedOut[feeCollector] {
		taxShares, err = fpmath.MulDiv(tax, fpmath.WAD, newIndex, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		if taxShares.IsZero() {
			tax = new(uint256.Int)
			net = new(uint256.Int).Set(delta)
			if newIndex, err = r.indexAfter(supply, net); err != nil {
				return nil, err
			}
		}
	}

	res := &RebaseResult{
		Tax:      tax,
		NetDelta: net,
		OldIndex: new(uint256.Int).Set(r.index),
		NewIndex: newIndex,
	}
	r.index = newIndex
	switch {
	case tax.IsZero():
	case r.optedOut[feeCollector]:
		r.fixedRef(feeCollector).Add(r.fixedRef(feeCollector), tax)
		r.fixedSupply.Add(r.fixedSupply, tax)
	default:
		r.sharesRef(feeCollector).Add(r.sharesRef(feeCollector), taxShares)
		r.totalShares.Add(r.totalShares, taxShares)
	}
	return res, nil
}

// indexAfter returns index * (supply + net) / supply, failing unless the
// index strictly grows.
func (r *RebaseAccounting) indexAfter(supply, net *uint256.Int) (*uint256.Int, error) {
	grown, err := fpmath.Add(supply, net)
	if err != nil {
		return nil, err
	}
	newIndex, err := fpmath.MulDiv(r.index, grown, supply, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if !newIndex.Gt(r.index) {
		return nil, fmt.Errorf("index %s does not grow past %s: %w", newIndex.Dec(), r.index.Dec(), ErrInvalidAmount)
	}
	return newIndex, nil
}

func (r *RebaseAccounting) TaxPerThousand() uint64 {
	return r.taxPerThousand
}

func (r *RebaseAccounting) SetTaxPerThousand(parts uint64) error {
	if parts > 1000 {
		return fmt.Errorf("rebase tax %d/1000: %w", parts, ErrInvalidAmount)
	}
	if parts == r.taxPerThousand {
		return fmt.Errorf("rebase tax %d/1000: %w", parts, ErrAlreadySet)
	}
	r.taxPerThousand = parts
	return nil
}

func (r *RebaseAccounting) sharesRef(holder common.Address) *uint256.Int {
	s, ok := r.shares[holder]
	if !ok {
		s = new(uint256.Int)
		r.shares[holder] = s
	}
	return s
}

func (r *RebaseAccounting) fixedRef(holder common.Address) *uint256.Int {
	f, ok := r.fixed[holder]
	if !ok {
		f = new(uint256.Int)
		r.fixed[holder] = f
	}
	return f
}

func (r *RebaseAccounting) prune(holder common.Address) {
	if s, ok := r.shares[holder]; ok && s.IsZero() {
		delete(r.shares, holder)
	}
	if f, ok := r.fixed[holder]; ok && f.IsZero() {
		delete(r.fixed, holder)
	}
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

type RebaseSnapshot struct {
	Index          *uint256.Int                    `json:"index"`
	Shares         map[common.Address]*uint256.Int `json:"shares"`
	Fixed          map[common.Address]*uint256.Int `json:"fixed"`
	OptedOut       []common.Address                `json:"opted_out"`
	TaxPerThousand uint64                          `json:"tax_per_thousand"`
}

func (r *RebaseAccounting) Snapshot() RebaseSnapshot {
	snap := RebaseSnapshot{
		Index:          new(uint256.Int).Set(r.index),
		Shares:         make(map[common.Address]*uint256.Int, len(r.shares)),
		Fixed:          make(map[common.Address]*uint256.Int, len(r.fixed)),
		TaxPerThousand: r.taxPerThousand,
	}
	for h, s := range r.shares {
		snap.Shares[h] = new(uint256.Int).Set(s)
	}
	for h, f := range r.fixed {
		snap.Fixed[h] = new(uint256.Int).Set(f)
	}
	for h := range r.optedOut {
		snap.OptedOut = append(snap.OptedOut, h)
	}
	return snap
}

func (r *RebaseAccounting) Load(snap RebaseSnapshot) {
	fresh := NewRebaseAccounting(snap.TaxPerThousand)
	fresh.index = new(uint256.Int).Set(snap.Index)
	for h, s := range snap.Shares {
		fresh.shares[h] = new(uint256.Int).Set(s)
		fresh.totalShares.Add(fresh.totalShares, s)
	}
	for h, f := range snap.Fixed {
		fresh.fixed[h] = new(uint256.Int).Set(f)
		fresh.fixedSupply.Add(fresh.fixedSupply, f)
	}
	for _, h := range snap.OptedOut {
		fresh.optedOut[h] = true
	}
	*r = *fresh
}
