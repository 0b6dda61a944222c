package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"msusd/internal/ledger"
	fpmath "msusd/internal/math"
	"msusd/internal/state"
)

// Read-only views. They share the reentrancy guard with Execute so a
// callback cannot read state that is halfway through a command.

func (c *DeterministicCore) read(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, err := c.enter(ctx)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn(ctx)
}

// QuoteMint previews Mint at the current oracle rate.
func (c *DeterministicCore) QuoteMint(ctx context.Context, asset common.Address, amountIn *uint256.Int) (*MintResult, error) {
	var res *MintResult
	err := c.read(ctx, func(ctx context.Context) error {
		info, err := c.assets.Active(asset)
		if err != nil {
			return err
		}
		if err := requirePositive("amount in", amountIn); err != nil {
			return err
		}
		q, err := c.quote(ctx, info, nil, modeLive)
		if err != nil {
			return err
		}
		out, err := mintAmountOut(amountIn, info.Decimals, q)
		if err != nil {
			return err
		}
		res = &MintResult{AmountOut: out, Quote: q}
		return nil
	})
	return res, err
}

// QuoteRedeem previews the collateral a RequestRedemption would queue.
func (c *DeterministicCore) QuoteRedeem(ctx context.Context, asset common.Address, amountIn *uint256.Int) (*MintResult, error) {
	var res *MintResult
	err := c.read(ctx, func(ctx context.Context) error {
		info, err := c.assets.Active(asset)
		if err != nil {
			return err
		}
		if err := requirePositive("amount in", amountIn); err != nil {
			return err
		}
		q, err := c.quote(ctx, info, nil, modeLive)
		if err != nil {
			return err
		}
		out, err := redeemAmountOut(amountIn, info.Decimals, q)
		if err != nil {
			return err
		}
		res = &MintResult{AmountOut: out, Quote: q}
		return nil
	})
	return res, err
}

// --- Redemptions and custody ---

func (c *DeterministicCore) PendingClaims(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		out = c.redemptions.PendingClaims(asset)
		return nil
	})
	return out, err
}

// Withdrawable is the engine balance a sweep could move right now.
func (c *DeterministicCore) Withdrawable(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		out = c.withdrawable(asset)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) EngineBalance(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		out = c.engineBalance(asset)
		return nil
	})
	return out, err
}

// RedemptionRequests pages through a user's requests for one asset in
// request order. A zero limit returns everything from offset.
func (c *DeterministicCore) RedemptionRequests(ctx context.Context, user, asset common.Address, offset, limit int) ([]state.RedemptionRequest, error) {
	var out []state.RedemptionRequest
	err := c.read(ctx, func(context.Context) error {
		if offset < 0 || limit < 0 {
			return fmt.Errorf("offset %d limit %d: %w", offset, limit, ErrInvalidAmount)
		}
		out = c.redemptions.Requests(user, asset, offset, limit)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) RedemptionCursor(ctx context.Context, user, asset common.Address) (int, error) {
	var out int
	err := c.read(ctx, func(context.Context) error {
		out = c.redemptions.Cursor(user, asset)
		return nil
	})
	return out, err
}

// RedemptionSettings reports whether redemptions are open and the delay
// applied to new requests.
type RedemptionSettings struct {
	Enabled    bool
	ClaimDelay string
	Cap        *uint256.Int
}

func (c *DeterministicCore) RedemptionConfig(ctx context.Context, asset common.Address) (*RedemptionSettings, error) {
	var out *RedemptionSettings
	err := c.read(ctx, func(context.Context) error {
		out = &RedemptionSettings{
			Enabled:    c.redemptions.Enabled(),
			ClaimDelay: c.redemptions.ClaimDelay().String(),
		}
		if limit, ok := c.redemptions.Cap(asset); ok {
			out.Cap = limit
		}
		return nil
	})
	return out, err
}

// --- Balances and supply ---

// Balance returns a wallet balance of any ledger token: msUSD, vault shares
// or collateral.
func (c *DeterministicCore) Balance(ctx context.Context, owner, token common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		out = c.balances.WalletBalance(owner, token)
		return nil
	})
	return out, err
}

// AccountBalance returns the balance of any tracked account.
func (c *DeterministicCore) AccountBalance(ctx context.Context, key ledger.AccountKey) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		out = c.balances.GetBalance(key)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) TotalSupply(ctx context.Context, token common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		out = c.balances.Supply(token)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) SupplyLimit(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		out = c.supplyLimit.Limit()
		return nil
	})
	return out, err
}

// --- Vault ---

// VaultState summarizes the share vault.
type VaultState struct {
	TotalAssets      *uint256.Int
	TotalShares      *uint256.Int
	MinShares        *uint256.Int
	CooldownDuration string
	TaxPerThousand   uint64
	LatestAPR        *uint256.Int
	EMAAPR           *uint256.Int
}

func (c *DeterministicCore) Vault(ctx context.Context) (*VaultState, error) {
	var out *VaultState
	err := c.read(ctx, func(context.Context) error {
		ta, ts := c.vaultTotals()
		out = &VaultState{
			TotalAssets:      ta,
			TotalShares:      ts,
			MinShares:        c.vault.MinShares(),
			CooldownDuration: c.vault.CooldownDuration().String(),
			TaxPerThousand:   c.vault.TaxPerThousand(),
			LatestAPR:        c.rates.Latest(),
			EMAAPR:           c.rates.EMA(),
		}
		return nil
	})
	return out, err
}

func (c *DeterministicCore) PreviewDeposit(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return c.preview(ctx, assets, true, fpmath.RoundDown)
}

func (c *DeterministicCore) PreviewMint(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return c.preview(ctx, shares, false, fpmath.RoundUp)
}

func (c *DeterministicCore) PreviewWithdraw(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return c.preview(ctx, assets, true, fpmath.RoundUp)
}

func (c *DeterministicCore) PreviewRedeem(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return c.preview(ctx, shares, false, fpmath.RoundDown)
}

func (c *DeterministicCore) preview(ctx context.Context, amount *uint256.Int, toShares bool, mode fpmath.RoundingMode) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		if amount == nil {
			return fmt.Errorf("preview amount: %w", ErrInvalidAmount)
		}
		var err error
		if toShares {
			out, err = c.previewShares(amount, mode)
		} else {
			out, err = c.previewAssets(amount, mode)
		}
		return err
	})
	return out, err
}

// MaxWithdraw is the asset value owner can take out directly. It is zero
// while cooldowns are on.
func (c *DeterministicCore) MaxWithdraw(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		if c.vault.CooldownEnabled() {
			out = new(uint256.Int)
			return nil
		}
		var err error
		out, err = c.maxWithdraw(owner)
		return err
	})
	return out, err
}

func (c *DeterministicCore) MaxRedeem(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := c.read(ctx, func(context.Context) error {
		if c.vault.CooldownEnabled() {
			out = new(uint256.Int)
			return nil
		}
		out = c.shareBalance(owner)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) Cooldown(ctx context.Context, user common.Address) (state.UserCooldown, error) {
	var out state.UserCooldown
	err := c.read(ctx, func(context.Context) error {
		out = c.vault.Cooldown(user)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) RateHistory(ctx context.Context) ([]state.RateSample, error) {
	var out []state.RateSample
	err := c.read(ctx, func(context.Context) error {
		out = c.rates.Samples()
		return nil
	})
	return out, err
}

// --- Registry and roles ---

func (c *DeterministicCore) Assets(ctx context.Context) ([]state.AssetInfo, error) {
	var out []state.AssetInfo
	err := c.read(ctx, func(context.Context) error {
		out = c.assets.List()
		return nil
	})
	return out, err
}

func (c *DeterministicCore) RoleHolder(ctx context.Context, role state.Role) (common.Address, error) {
	var out common.Address
	err := c.read(ctx, func(context.Context) error {
		out = c.roles.Holder(role)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) IsWhitelisted(ctx context.Context, addr common.Address) (bool, error) {
	var out bool
	err := c.read(ctx, func(context.Context) error {
		out = c.roles.Whitelisted(addr)
		return nil
	})
	return out, err
}

func (c *DeterministicCore) FeeCollector(ctx context.Context) (common.Address, error) {
	var out common.Address
	err := c.read(ctx, func(context.Context) error {
		out = c.feeCollector
		return nil
	})
	return out, err
}

// --- Rebasing v1 ---

// RebaseAccount is a holder's view of the v1 token.
type RebaseAccount struct {
	Balance  *uint256.Int
	Shares   *uint256.Int
	OptedOut bool
}

func (c *DeterministicCore) RebaseAccount(ctx context.Context, holder common.Address) (*RebaseAccount, error) {
	var out *RebaseAccount
	err := c.read(ctx, func(context.Context) error {
		out = &RebaseAccount{
			Balance:  c.rebase.BalanceOf(holder),
			Shares:   c.rebase.SharesOf(holder),
			OptedOut: c.rebase.RebaseDisabled(holder),
		}
		return nil
	})
	return out, err
}

// RebaseTotals reports the v1 index and supplies.
type RebaseTotals struct {
	Index          *uint256.Int
	TotalSupply    *uint256.Int
	RebasingSupply *uint256.Int
	FixedSupply    *uint256.Int
}

func (c *DeterministicCore) RebaseTotals(ctx context.Context) (*RebaseTotals, error) {
	var out *RebaseTotals
	err := c.read(ctx, func(context.Context) error {
		out = &RebaseTotals{
			Index:          c.rebase.Index(),
			TotalSupply:    c.rebase.TotalSupply(),
			RebasingSupply: c.rebase.RebasingSupply(),
			FixedSupply:    c.rebase.FixedSupply(),
		}
		return nil
	})
	return out, err
}

// --- Chain position ---

// Sequence is the next sequence number to be assigned.
func (c *DeterministicCore) Sequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// StateHash is the hash of the last applied envelope.
func (c *DeterministicCore) StateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// Config returns the immutable settings the core was built with.
func (c *DeterministicCore) Config() Config {
	return c.cfg
}
