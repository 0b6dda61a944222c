package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"msusd/internal/event"
	"msusd/internal/ledger"
	fpmath "msusd/internal/math"
	"msusd/internal/state"
)

// --- Asset registry ---

func (c *DeterministicCore) handleAddAsset(e *event.AddAsset) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleOwner); err != nil {
		return nil, err
	}
	if err := c.requireOracle(e.OracleID); err != nil {
		return nil, err
	}
	if err := c.assets.Add(e.Asset, e.OracleID, e.Decimals); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleRemoveAsset(e *event.RemoveAsset) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleOwner); err != nil {
		return nil, err
	}
	if err := c.assets.Remove(e.Asset); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleRestoreAsset(e *event.RestoreAsset) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleOwner); err != nil {
		return nil, err
	}
	if err := c.assets.Reinstate(e.Asset); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

// handleUpdateOracle rebinds an asset. Pending redemptions were priced when
// requested and are unaffected.
func (c *DeterministicCore) handleUpdateOracle(e *event.UpdateOracle) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleOwner); err != nil {
		return nil, err
	}
	if err := c.requireOracle(e.OracleID); err != nil {
		return nil, err
	}
	if err := c.assets.UpdateOracle(e.Asset, e.OracleID); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) requireOracle(id string) error {
	if _, ok := c.oracles.Get(id); !ok {
		return fmt.Errorf("oracle %q not registered: %w", id, ErrInvalidAddress)
	}
	return nil
}

// --- Pricing ---

// quote prices asset. Replays reuse the quote pinned in the command; live
// execution always asks the oracle and pins the answer.
func (c *DeterministicCore) quote(ctx context.Context, info state.AssetInfo, pinned *event.OracleQuote, mode execMode) (*event.OracleQuote, error) {
	if mode == modeReplay && pinned != nil {
		return pinned, nil
	}
	o, ok := c.oracles.Get(info.OracleID)
	if !ok {
		return nil, fmt.Errorf("oracle %q for %s: %w", info.OracleID, info.Asset.Hex(), ErrInvalidAddress)
	}
	rate, decimals, err := o.Quote(ctx, info.Asset)
	if err != nil {
		if errors.Is(err, ErrReentrantCall) {
			return nil, err
		}
		return nil, fmt.Errorf("oracle %q: %v: %w", info.OracleID, err, ErrInvalidPrice)
	}
	if rate == nil || rate.IsZero() {
		return nil, fmt.Errorf("oracle %q returned zero rate: %w", info.OracleID, ErrInvalidPrice)
	}
	return &event.OracleQuote{OracleID: info.OracleID, Rate: new(uint256.Int).Set(rate), Decimals: decimals}, nil
}

// mintAmountOut converts collateral to msUSD: amountIn * rate / 10^oracleDecimals,
// rescaled from the asset's decimals to 18. Rounds down.
func mintAmountOut(amountIn *uint256.Int, assetDecimals uint8, q *event.OracleQuote) (*uint256.Int, error) {
	unit, err := fpmath.Pow10(q.Decimals)
	if err != nil {
		return nil, err
	}
	// Rescale first when it is exact so small-decimal assets keep precision.
	if assetDecimals <= fpmath.TokenDecimals {
		scaled, err := fpmath.Normalize(amountIn, assetDecimals, fpmath.TokenDecimals, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		return fpmath.MulDiv(scaled, q.Rate, unit, fpmath.RoundDown)
	}
	value, err := fpmath.MulDiv(amountIn, q.Rate, unit, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.Normalize(value, assetDecimals, fpmath.TokenDecimals, fpmath.RoundDown)
}

// redeemAmountOut converts msUSD to collateral: amountIn * 10^oracleDecimals / rate,
// rescaled from 18 to the asset's decimals. Rounds down.
func redeemAmountOut(amountIn *uint256.Int, assetDecimals uint8, q *event.OracleQuote) (*uint256.Int, error) {
	unit, err := fpmath.Pow10(q.Decimals)
	if err != nil {
		return nil, err
	}
	value, err := fpmath.MulDiv(amountIn, unit, q.Rate, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.Normalize(value, fpmath.TokenDecimals, assetDecimals, fpmath.RoundDown)
}

// --- Mint ---

type MintResult struct {
	AmountOut *uint256.Int
	Quote     *event.OracleQuote
}

func (c *DeterministicCore) handleMint(ctx context.Context, e *event.Mint, mode execMode) (*plan, error) {
	if err := c.roles.RequireWhitelisted(e.Caller); err != nil {
		return nil, err
	}
	info, err := c.assets.Active(e.Asset)
	if err != nil {
		return nil, err
	}
	if err := requirePositive("amount in", e.AmountIn); err != nil {
		return nil, err
	}

	q, err := c.quote(ctx, info, e.Quote, mode)
	if err != nil {
		return nil, err
	}
	out, err := mintAmountOut(e.AmountIn, info.Decimals, q)
	if err != nil {
		return nil, fmt.Errorf("mint conversion: %w", err)
	}
	if out.IsZero() {
		return nil, fmt.Errorf("mint of %s rounds to zero: %w", e.AmountIn.Dec(), ErrInvalidAmount)
	}
	if e.MinAmountOut != nil && out.Lt(e.MinAmountOut) {
		return nil, fmt.Errorf("out %s < min %s: %w", out.Dec(), e.MinAmountOut.Dec(), ErrInsufficientOutputAmount)
	}
	if err := c.supplyLimit.Check(c.balances.Supply(c.cfg.MsUSD), out); err != nil {
		return nil, err
	}
	e.Quote = q

	batch := c.newJournals(&e.Header).
		Move(ledger.NewWalletKey(e.Caller, e.Asset), ledger.NewSystemAccountKey(ledger.SubTypeEngine, e.Asset), e.AmountIn, ledger.JournalTypeMintCollateral).
		Issue(ledger.NewWalletKey(e.Caller, c.cfg.MsUSD), out, ledger.JournalTypeMintIssue).
		Batch()

	return &plan{batch: batch, result: &MintResult{AmountOut: out, Quote: q}}, nil
}

// --- Wallet operations ---

func (c *DeterministicCore) handleDepositCollateral(e *event.DepositCollateral) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleDepositor); err != nil {
		return nil, err
	}
	if err := requireAddress("holder", e.Holder); err != nil {
		return nil, err
	}
	if _, err := c.assets.Known(e.Asset); err != nil {
		return nil, err
	}
	if err := requirePositive("deposit amount", e.Amount); err != nil {
		return nil, err
	}

	batch := c.newJournals(&e.Header).
		Move(ledger.NewExternalAccountKey(ledger.SubTypeChain, e.Asset), ledger.NewWalletKey(e.Holder, e.Asset), e.Amount, ledger.JournalTypeCollateralDeposit).
		Batch()
	return &plan{batch: batch, result: e.Amount}, nil
}

func (c *DeterministicCore) handleWithdrawCollateral(e *event.WithdrawCollateral) (*plan, error) {
	if _, err := c.assets.Known(e.Asset); err != nil {
		return nil, err
	}
	if err := requirePositive("withdraw amount", e.Amount); err != nil {
		return nil, err
	}

	batch := c.newJournals(&e.Header).
		Move(ledger.NewWalletKey(e.Caller, e.Asset), ledger.NewExternalAccountKey(ledger.SubTypeChain, e.Asset), e.Amount, ledger.JournalTypeCollateralWithdraw).
		Batch()
	return &plan{batch: batch, result: e.Amount}, nil
}

func (c *DeterministicCore) handleTransfer(e *event.Transfer) (*plan, error) {
	if !c.isToken(e.Token) {
		return nil, fmt.Errorf("token %s: %w", e.Token.Hex(), ErrNotSupportedAsset)
	}
	if err := requireAddress("recipient", e.To); err != nil {
		return nil, err
	}
	if e.To == e.Caller {
		return nil, fmt.Errorf("transfer to self: %w", ErrInvalidAddress)
	}
	if err := requirePositive("transfer amount", e.Amount); err != nil {
		return nil, err
	}

	batch := c.newJournals(&e.Header).
		Transfer(e.Caller, e.To, e.Token, e.Amount, ledger.JournalTypeTransfer).
		Batch()
	return &plan{batch: batch, result: e.Amount}, nil
}
