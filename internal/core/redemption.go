package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"msusd/internal/event"
	"msusd/internal/ledger"
	fpmath "msusd/internal/math"
	"msusd/internal/state"
)

type RedemptionResult struct {
	Request state.RedemptionRequest
	Quote   *event.OracleQuote
}

// handleRequestRedemption burns msUSD now and queues the collateral it buys
// at the current price, claimable after the claim delay.
func (c *DeterministicCore) handleRequestRedemption(ctx context.Context, e *event.RequestRedemption, mode execMode) (*plan, error) {
	if !c.redemptions.Enabled() {
		return nil, ErrRedemptionsDisabled
	}
	info, err := c.assets.Active(e.Asset)
	if err != nil {
		return nil, err
	}
	if err := c.roles.RequireWhitelisted(e.Caller); err != nil {
		return nil, err
	}
	if err := requirePositive("amount in", e.AmountIn); err != nil {
		return nil, err
	}

	q, err := c.quote(ctx, info, e.Quote, mode)
	if err != nil {
		return nil, err
	}
	amount, err := redeemAmountOut(e.AmountIn, info.Decimals, q)
	if err != nil {
		return nil, fmt.Errorf("redeem conversion: %w", err)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("redemption of %s rounds to zero: %w", e.AmountIn.Dec(), ErrInvalidAmount)
	}
	if err := c.redemptions.CheckRequest(e.Asset, amount); err != nil {
		return nil, err
	}

	// The engine must be able to cover every queued claim at all times.
	pending, err := fpmath.Add(c.redemptions.PendingClaims(e.Asset), amount)
	if err != nil {
		return nil, err
	}
	if engine := c.engineBalance(e.Asset); pending.Gt(engine) {
		return nil, fmt.Errorf("pending %s exceeds engine balance %s: %w", pending.Dec(), engine.Dec(), ErrInsufficientReserves)
	}
	e.Quote = q

	batch := c.newJournals(&e.Header).
		Retire(ledger.NewWalletKey(e.Caller, c.cfg.MsUSD), e.AmountIn, ledger.JournalTypeRedeemBurn).
		Batch()

	user, asset, now := e.Caller, e.Asset, e.Timestamp
	res := &RedemptionResult{Quote: q}
	return &plan{
		batch:  batch,
		result: res,
		commit: func(p *plan) {
			req := c.redemptions.Append(user, asset, amount, now)
			res.Request = req
			p.redemptions = append(p.redemptions, RedemptionUpdate{User: user, Request: req})
		},
	}, nil
}

type ClaimResult struct {
	Count        int
	TotalClaimed *uint256.Int
}

// handleClaimRedemption pays matured requests in FIFO order, as far as the
// engine's balance allows. Removed assets stay claimable.
func (c *DeterministicCore) handleClaimRedemption(e *event.ClaimRedemption) (*plan, error) {
	if _, err := c.assets.Known(e.Asset); err != nil {
		return nil, err
	}

	claim, err := c.redemptions.PlanClaim(e.Caller, e.Asset, e.MaxRequests, e.Timestamp, c.engineBalance(e.Asset))
	if err != nil {
		return nil, err
	}

	batch := c.newJournals(&e.Header).
		Move(ledger.NewSystemAccountKey(ledger.SubTypeEngine, e.Asset), ledger.NewWalletKey(e.Caller, e.Asset), claim.Total, ledger.JournalTypeRedemptionClaim).
		Batch()

	return &plan{
		batch:  batch,
		result: &ClaimResult{Count: claim.Count(), TotalClaimed: new(uint256.Int).Set(claim.Total)},
		commit: func(p *plan) {
			c.redemptions.ApplyClaim(claim)
			reqs := c.redemptions.UserRequests(claim.User, 0, 0)
			for _, fill := range claim.Fills {
				p.redemptions = append(p.redemptions, RedemptionUpdate{User: claim.User, Request: reqs[fill.RequestID]})
			}
		},
	}, nil
}

// --- Custody ---

// withdrawable is the engine balance not reserved for pending claims.
func (c *DeterministicCore) withdrawable(asset common.Address) *uint256.Int {
	return fpmath.SubFloor(c.engineBalance(asset), c.redemptions.PendingClaims(asset))
}

func (c *DeterministicCore) handleSweep(e *event.Sweep) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleCustodian, state.RoleOwner); err != nil {
		return nil, err
	}
	custodian := c.roles.Holder(state.RoleCustodian)
	if err := requireAddress("custodian", custodian); err != nil {
		return nil, err
	}
	if _, err := c.assets.Known(e.Asset); err != nil {
		return nil, err
	}

	amount := c.withdrawable(e.Asset)
	if e.MinAmountOut != nil && e.MinAmountOut.Gt(amount) {
		return nil, fmt.Errorf("withdrawable %s < min %s: %w", amount.Dec(), e.MinAmountOut.Dec(), ErrInsufficientOutputAmount)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("nothing withdrawable: %w", ErrInvalidAmount)
	}

	batch := c.newJournals(&e.Header).
		Move(ledger.NewSystemAccountKey(ledger.SubTypeEngine, e.Asset), ledger.NewWalletKey(custodian, e.Asset), amount, ledger.JournalTypeCustodySweep).
		Batch()
	return &plan{batch: batch, result: amount}, nil
}

func (c *DeterministicCore) handleReturnToEngine(e *event.ReturnToEngine) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleCustodian); err != nil {
		return nil, err
	}
	if _, err := c.assets.Known(e.Asset); err != nil {
		return nil, err
	}
	if err := requirePositive("return amount", e.Amount); err != nil {
		return nil, err
	}

	batch := c.newJournals(&e.Header).
		Move(ledger.NewWalletKey(e.Caller, e.Asset), ledger.NewSystemAccountKey(ledger.SubTypeEngine, e.Asset), e.Amount, ledger.JournalTypeCustodyReturn).
		Batch()
	return &plan{batch: batch, result: e.Amount}, nil
}
