package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"msusd/internal/event"
	"msusd/internal/ledger"
	fpmath "msusd/internal/math"
	"msusd/internal/state"
)

// The vault's assets are the msUSD held in system:vault; its shares are a
// ledger token whose supply is the share supply.

func (c *DeterministicCore) vaultTotals() (totalAssets, totalSupply *uint256.Int) {
	return c.vaultTotalAssets(), c.balances.Supply(c.cfg.Vault)
}

func (c *DeterministicCore) previewShares(assets *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	ta, ts := c.vaultTotals()
	return c.vault.ConvertToShares(assets, ta, ts, mode)
}

func (c *DeterministicCore) previewAssets(shares *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	ta, ts := c.vaultTotals()
	return c.vault.ConvertToAssets(shares, ta, ts, mode)
}

func (c *DeterministicCore) shareBalance(owner common.Address) *uint256.Int {
	return c.balances.WalletBalance(owner, c.cfg.Vault)
}

// maxWithdraw is the asset value of owner's shares, rounded down.
func (c *DeterministicCore) maxWithdraw(owner common.Address) (*uint256.Int, error) {
	return c.previewAssets(c.shareBalance(owner), fpmath.RoundDown)
}

func (c *DeterministicCore) checkSupplyAfter(delta *uint256.Int, increase bool) error {
	supply := c.balances.Supply(c.cfg.Vault)
	if increase {
		supply.Add(supply, delta)
	} else {
		supply = fpmath.SubFloor(supply, delta)
	}
	return c.vault.CheckMinShares(supply)
}

type VaultResult struct {
	Assets *uint256.Int
	Shares *uint256.Int
}

func (c *DeterministicCore) depositPlan(hdr *event.Header, assets, shares *uint256.Int, receiver common.Address) (*plan, error) {
	if err := requireAddress("receiver", receiver); err != nil {
		return nil, err
	}
	if shares.IsZero() || assets.IsZero() {
		return nil, fmt.Errorf("deposit of %s assets for %s shares: %w", assets.Dec(), shares.Dec(), ErrInvalidAmount)
	}
	if err := c.checkSupplyAfter(shares, true); err != nil {
		return nil, err
	}

	batch := c.newJournals(hdr).
		Move(ledger.NewWalletKey(hdr.Caller, c.cfg.MsUSD), ledger.NewSystemAccountKey(ledger.SubTypeVault, c.cfg.MsUSD), assets, ledger.JournalTypeVaultDeposit).
		Issue(ledger.NewWalletKey(receiver, c.cfg.Vault), shares, ledger.JournalTypeShareMint).
		Batch()

	now := hdr.Timestamp
	return &plan{
		batch:  batch,
		result: &VaultResult{Assets: assets, Shares: shares},
		commit: func(*plan) { c.rates.Touch(now) },
	}, nil
}

// handleVaultDeposit mints shares for assets, rounding shares down.
func (c *DeterministicCore) handleVaultDeposit(e *event.VaultDeposit) (*plan, error) {
	if err := requirePositive("assets", e.Assets); err != nil {
		return nil, err
	}
	shares, err := c.previewShares(e.Assets, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return c.depositPlan(&e.Header, e.Assets, shares, e.Receiver)
}

// handleVaultMint mints exact shares, rounding the assets taken up.
func (c *DeterministicCore) handleVaultMint(e *event.VaultMint) (*plan, error) {
	if err := requirePositive("shares", e.Shares); err != nil {
		return nil, err
	}
	assets, err := c.previewAssets(e.Shares, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	return c.depositPlan(&e.Header, assets, e.Shares, e.Receiver)
}

func (c *DeterministicCore) checkExit(hdr *event.Header, owner common.Address, viaCooldown bool) error {
	if viaCooldown != c.vault.CooldownEnabled() {
		if viaCooldown {
			return fmt.Errorf("cooldown is off: %w", ErrOperationNotAllowed)
		}
		return fmt.Errorf("cooldown is on, use cooldown: %w", ErrOperationNotAllowed)
	}
	if hdr.Caller != owner {
		return fmt.Errorf("%s acting for %s: %w", hdr.Caller.Hex(), owner.Hex(), ErrNotAuthorized)
	}
	return nil
}

// withdrawPlan burns shares from owner and sends assets either to receiver
// or, for cooldowns, into the silo.
func (c *DeterministicCore) withdrawPlan(hdr *event.Header, owner, receiver common.Address, assets, shares *uint256.Int, viaCooldown bool) (*plan, error) {
	if shares.IsZero() || assets.IsZero() {
		return nil, fmt.Errorf("exit of %s assets for %s shares: %w", assets.Dec(), shares.Dec(), ErrInvalidAmount)
	}
	if err := c.checkSupplyAfter(shares, false); err != nil {
		return nil, err
	}

	gen := c.newJournals(hdr).
		Retire(ledger.NewWalletKey(owner, c.cfg.Vault), shares, ledger.JournalTypeShareBurn)

	res := &VaultResult{Assets: assets, Shares: shares}
	if !viaCooldown {
		if err := requireAddress("receiver", receiver); err != nil {
			return nil, err
		}
		batch := gen.Move(ledger.NewSystemAccountKey(ledger.SubTypeVault, c.cfg.MsUSD), ledger.NewWalletKey(receiver, c.cfg.MsUSD), assets, ledger.JournalTypeVaultWithdraw).Batch()
		return &plan{batch: batch, result: res}, nil
	}

	batch := gen.Move(ledger.NewSystemAccountKey(ledger.SubTypeVault, c.cfg.MsUSD), ledger.NewSystemAccountKey(ledger.SubTypeSilo, c.cfg.MsUSD), assets, ledger.JournalTypeCooldownEscrow).Batch()
	now := hdr.Timestamp
	return &plan{
		batch:  batch,
		result: res,
		commit: func(*plan) { c.vault.StartCooldown(owner, assets, now) },
	}, nil
}

// exitByAssets prices an exact asset amount in shares, rounding shares up.
func (c *DeterministicCore) exitByAssets(hdr *event.Header, owner, receiver common.Address, assets *uint256.Int, viaCooldown bool) (*plan, error) {
	if err := c.checkExit(hdr, owner, viaCooldown); err != nil {
		return nil, err
	}
	if err := requirePositive("assets", assets); err != nil {
		return nil, err
	}
	max, err := c.maxWithdraw(owner)
	if err != nil {
		return nil, err
	}
	if assets.Gt(max) {
		return nil, fmt.Errorf("assets %s > max %s: %w", assets.Dec(), max.Dec(), ErrExcessiveWithdrawAmount)
	}
	shares, err := c.previewShares(assets, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	return c.withdrawPlan(hdr, owner, receiver, assets, shares, viaCooldown)
}

// exitByShares prices an exact share amount in assets, rounding assets down.
func (c *DeterministicCore) exitByShares(hdr *event.Header, owner, receiver common.Address, shares *uint256.Int, viaCooldown bool) (*plan, error) {
	if err := c.checkExit(hdr, owner, viaCooldown); err != nil {
		return nil, err
	}
	if err := requirePositive("shares", shares); err != nil {
		return nil, err
	}
	if held := c.shareBalance(owner); shares.Gt(held) {
		return nil, fmt.Errorf("shares %s > held %s: %w", shares.Dec(), held.Dec(), ErrExcessiveRedeemAmount)
	}
	assets, err := c.previewAssets(shares, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return c.withdrawPlan(hdr, owner, receiver, assets, shares, viaCooldown)
}

func (c *DeterministicCore) handleVaultWithdraw(e *event.VaultWithdraw) (*plan, error) {
	return c.exitByAssets(&e.Header, e.Owner, e.Receiver, e.Assets, false)
}

func (c *DeterministicCore) handleVaultRedeem(e *event.VaultRedeem) (*plan, error) {
	return c.exitByShares(&e.Header, e.Owner, e.Receiver, e.Shares, false)
}

func (c *DeterministicCore) handleCooldownAssets(e *event.CooldownAssets) (*plan, error) {
	return c.exitByAssets(&e.Header, e.Owner, common.Address{}, e.Assets, true)
}

func (c *DeterministicCore) handleCooldownShares(e *event.CooldownShares) (*plan, error) {
	return c.exitByShares(&e.Header, e.Owner, common.Address{}, e.Shares, true)
}

// handleUnstake releases the caller's matured cooldown from the silo. This is
// the only path that debits the silo account.
func (c *DeterministicCore) handleUnstake(e *event.Unstake) (*plan, error) {
	if err := requireAddress("receiver", e.Receiver); err != nil {
		return nil, err
	}
	amount, err := c.vault.CheckUnstake(e.Caller, e.Timestamp)
	if err != nil {
		return nil, err
	}

	batch := c.newJournals(&e.Header).
		Move(ledger.NewSystemAccountKey(ledger.SubTypeSilo, c.cfg.MsUSD), ledger.NewWalletKey(e.Receiver, c.cfg.MsUSD), amount, ledger.JournalTypeSiloRelease).
		Batch()

	user := e.Caller
	return &plan{
		batch:  batch,
		result: amount,
		commit: func(*plan) { c.vault.ClearCooldown(user) },
	}, nil
}

type RewardResult struct {
	Tax *uint256.Int
	Net *uint256.Int
}

// handleMintRewards mints yield straight into the vault, raising the share
// price at once. The tax share goes to the fee collector.
func (c *DeterministicCore) handleMintRewards(e *event.MintRewards) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleRewarder); err != nil {
		return nil, err
	}
	if err := requirePositive("reward", e.Amount); err != nil {
		return nil, err
	}
	if c.balances.Supply(c.cfg.Vault).IsZero() {
		return nil, fmt.Errorf("vault has no shares: %w", ErrOperationNotAllowed)
	}
	tax, net, err := c.vault.SplitReward(e.Amount)
	if err != nil {
		return nil, err
	}
	if !tax.IsZero() && c.feeCollector == (common.Address{}) {
		return nil, fmt.Errorf("fee collector: %w", ErrInvalidZeroAddress)
	}
	if err := c.supplyLimit.Check(c.balances.Supply(c.cfg.MsUSD), e.Amount); err != nil {
		return nil, err
	}

	batch := c.newJournals(&e.Header).
		Issue(ledger.NewSystemAccountKey(ledger.SubTypeVault, c.cfg.MsUSD), net, ledger.JournalTypeRewardMint).
		Issue(ledger.NewWalletKey(c.feeCollector, c.cfg.MsUSD), tax, ledger.JournalTypeRewardTax).
		Batch()

	base := c.vaultTotalAssets()
	now := e.Timestamp
	return &plan{
		batch:  batch,
		result: &RewardResult{Tax: tax, Net: net},
		commit: func(*plan) {
			if _, _, err := c.rates.Record(net, base, now); err != nil {
				c.logger.Warn().Err(err).Msg("rate history sample skipped")
			}
		},
	}, nil
}
