package core

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"msusd/internal/event"
	"msusd/internal/state"
)

// Typed entry points over Execute. Each returns the result its handler
// produced on success.

func execAs[T any](ctx context.Context, c *DeterministicCore, cmd event.Event) (T, error) {
	var zero T
	res, err := c.Execute(ctx, cmd)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	out, ok := res.(T)
	if !ok {
		panic(fmt.Sprintf("FATAL: %s returned %T", cmd.EventType(), res))
	}
	return out, nil
}

func execNoResult(ctx context.Context, c *DeterministicCore, cmd event.Event) error {
	_, err := c.Execute(ctx, cmd)
	return err
}

// --- Collateral ---

func (c *DeterministicCore) AddAsset(ctx context.Context, cmd *event.AddAsset) error {
	return execNoResult(ctx, c, cmd)
}

func (c *DeterministicCore) RemoveAsset(ctx context.Context, cmd *event.RemoveAsset) error {
	return execNoResult(ctx, c, cmd)
}

func (c *DeterministicCore) RestoreAsset(ctx context.Context, cmd *event.RestoreAsset) error {
	return execNoResult(ctx, c, cmd)
}

func (c *DeterministicCore) UpdateOracle(ctx context.Context, cmd *event.UpdateOracle) error {
	return execNoResult(ctx, c, cmd)
}

// Mint swaps whitelisted collateral for msUSD at the oracle rate.
func (c *DeterministicCore) Mint(ctx context.Context, cmd *event.Mint) (*MintResult, error) {
	return execAs[*MintResult](ctx, c, cmd)
}

func (c *DeterministicCore) DepositCollateral(ctx context.Context, cmd *event.DepositCollateral) error {
	return execNoResult(ctx, c, cmd)
}

func (c *DeterministicCore) WithdrawCollateral(ctx context.Context, cmd *event.WithdrawCollateral) error {
	return execNoResult(ctx, c, cmd)
}

func (c *DeterministicCore) Transfer(ctx context.Context, cmd *event.Transfer) error {
	return execNoResult(ctx, c, cmd)
}

// --- Redemptions ---

// RequestRedemption burns msUSD now and queues collateral for later claim.
func (c *DeterministicCore) RequestRedemption(ctx context.Context, cmd *event.RequestRedemption) (*RedemptionResult, error) {
	return execAs[*RedemptionResult](ctx, c, cmd)
}

// ClaimRedemption pays out matured requests in request order.
func (c *DeterministicCore) ClaimRedemption(ctx context.Context, cmd *event.ClaimRedemption) (*ClaimResult, error) {
	return execAs[*ClaimResult](ctx, c, cmd)
}

func (c *DeterministicCore) Sweep(ctx context.Context, cmd *event.Sweep) (*uint256.Int, error) {
	return execAs[*uint256.Int](ctx, c, cmd)
}

func (c *DeterministicCore) ReturnToEngine(ctx context.Context, cmd *event.ReturnToEngine) error {
	return execNoResult(ctx, c, cmd)
}

// --- Vault ---

func (c *DeterministicCore) VaultDeposit(ctx context.Context, cmd *event.VaultDeposit) (*VaultResult, error) {
	return execAs[*VaultResult](ctx, c, cmd)
}

func (c *DeterministicCore) VaultMint(ctx context.Context, cmd *event.VaultMint) (*VaultResult, error) {
	return execAs[*VaultResult](ctx, c, cmd)
}

func (c *DeterministicCore) VaultWithdraw(ctx context.Context, cmd *event.VaultWithdraw) (*VaultResult, error) {
	return execAs[*VaultResult](ctx, c, cmd)
}

func (c *DeterministicCore) VaultRedeem(ctx context.Context, cmd *event.VaultRedeem) (*VaultResult, error) {
	return execAs[*VaultResult](ctx, c, cmd)
}

func (c *DeterministicCore) CooldownAssets(ctx context.Context, cmd *event.CooldownAssets) (*VaultResult, error) {
	return execAs[*VaultResult](ctx, c, cmd)
}

func (c *DeterministicCore) CooldownShares(ctx context.Context, cmd *event.CooldownShares) (*VaultResult, error) {
	return execAs[*VaultResult](ctx, c, cmd)
}

// Unstake returns the msUSD released from the silo.
func (c *DeterministicCore) Unstake(ctx context.Context, cmd *event.Unstake) (*uint256.Int, error) {
	return execAs[*uint256.Int](ctx, c, cmd)
}

func (c *DeterministicCore) MintRewards(ctx context.Context, cmd *event.MintRewards) (*RewardResult, error) {
	return execAs[*RewardResult](ctx, c, cmd)
}

// --- Bridge ---

func (c *DeterministicCore) BridgeCredit(ctx context.Context, cmd *event.BridgeCredit) (*uint256.Int, error) {
	return execAs[*uint256.Int](ctx, c, cmd)
}

func (c *DeterministicCore) BridgeDebit(ctx context.Context, cmd *event.BridgeDebit) (*uint256.Int, error) {
	return execAs[*uint256.Int](ctx, c, cmd)
}

// --- Rebasing v1 ---

func (c *DeterministicCore) RebaseMint(ctx context.Context, cmd *event.RebaseMint) (*uint256.Int, error) {
	return execAs[*uint256.Int](ctx, c, cmd)
}

func (c *DeterministicCore) RebaseBurn(ctx context.Context, cmd *event.RebaseBurn) (*uint256.Int, error) {
	return execAs[*uint256.Int](ctx, c, cmd)
}

func (c *DeterministicCore) RebaseTransfer(ctx context.Context, cmd *event.RebaseTransfer) (*uint256.Int, error) {
	return execAs[*uint256.Int](ctx, c, cmd)
}

func (c *DeterministicCore) RebaseOptOut(ctx context.Context, cmd *event.RebaseOptOut) error {
	return execNoResult(ctx, c, cmd)
}

func (c *DeterministicCore) RebaseOptIn(ctx context.Context, cmd *event.RebaseOptIn) error {
	return execNoResult(ctx, c, cmd)
}

func (c *DeterministicCore) Rebase(ctx context.Context, cmd *event.Rebase) (*state.RebaseResult, error) {
	return execAs[*state.RebaseResult](ctx, c, cmd)
}
