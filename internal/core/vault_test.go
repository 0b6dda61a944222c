package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/ledger"
)

func TestVault_DepositThenRewardRaisesSharePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintMsUSD(t, alice, 1000)

	dep := f.must(t, alice, &event.VaultDeposit{Assets: wad(1000), Receiver: alice}).(*core.VaultResult)
	require.Equal(t, wad(1000), dep.Shares)
	require.Equal(t, wad(1000), f.balance(t, alice, vault))

	f.clock.Advance(24 * time.Hour)
	rw := f.must(t, rewarder, &event.MintRewards{Amount: wad(100)}).(*core.RewardResult)
	require.Equal(t, wad(10), rw.Tax)
	require.Equal(t, wad(90), rw.Net)
	require.Equal(t, wad(10), f.balance(t, feeCollector, msusd))

	v, err := f.core.Vault(ctx)
	require.NoError(t, err)
	require.Equal(t, wad(1090), v.TotalAssets)
	require.Equal(t, wad(1000), v.TotalShares)

	price, err := f.core.PreviewRedeem(ctx, wad(1))
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Mul(u(109), u(10_000_000_000_000_000)), price)

	history, err := f.core.RateHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].APR.IsZero())
}

func TestVault_MintRewardsPreconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec(rewarder, &event.MintRewards{Amount: wad(1)})
	require.ErrorIs(t, err, core.ErrOperationNotAllowed)

	f.mintMsUSD(t, alice, 10)
	f.must(t, alice, &event.VaultDeposit{Assets: wad(10), Receiver: alice})

	_, err = f.exec(alice, &event.MintRewards{Amount: wad(1)})
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	_, err = f.exec(rewarder, &event.MintRewards{Amount: u(0)})
	require.ErrorIs(t, err, core.ErrInvalidAmount)

	f.must(t, owner, &event.SetSupplyLimit{Limit: wad(10)})
	_, err = f.exec(rewarder, &event.MintRewards{Amount: u(1)})
	require.ErrorIs(t, err, core.ErrSupplyLimitExceeded)
}

func TestVault_MinimumShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mintMsUSD(t, alice, 10)

	half := new(uint256.Int).Div(wad(1), u(2))
	_, err := f.exec(alice, &event.VaultDeposit{Assets: half, Receiver: alice})
	require.ErrorIs(t, err, core.ErrMinSharesViolation)

	f.must(t, alice, &event.VaultDeposit{Assets: wad(2), Receiver: alice})

	oneAndHalf := new(uint256.Int).Add(wad(1), half)
	_, err = f.exec(alice, &event.VaultRedeem{Shares: oneAndHalf, Receiver: alice, Owner: alice})
	require.ErrorIs(t, err, core.ErrMinSharesViolation)

	// Exiting completely is always allowed.
	f.must(t, alice, &event.VaultRedeem{Shares: wad(2), Receiver: alice, Owner: alice})
	supply, err := f.core.TotalSupply(ctx, vault)
	require.NoError(t, err)
	require.True(t, supply.IsZero())
	require.Equal(t, wad(10), f.balance(t, alice, msusd))
}

func TestVault_RoundingFavorsVault(t *testing.T) {
	f := newFixture(t, func(c *core.Config) {
		c.MinShares = u(1)
		c.RewardTaxPerThousand = 0
	})
	ctx := context.Background()
	f.fundUSDC(t, alice, u(1))
	f.must(t, alice, &event.Mint{Asset: usdc, AmountIn: u(1)})

	f.must(t, alice, &event.VaultDeposit{Assets: u(3), Receiver: alice})
	f.must(t, rewarder, &event.MintRewards{Amount: u(7)})
	// 10 assets backing 3 shares.

	shares, err := f.core.PreviewDeposit(ctx, u(10))
	require.NoError(t, err)
	require.Equal(t, u(3), shares)

	assets, err := f.core.PreviewMint(ctx, u(1))
	require.NoError(t, err)
	require.Equal(t, u(4), assets)

	shares, err = f.core.PreviewWithdraw(ctx, u(4))
	require.NoError(t, err)
	require.Equal(t, u(2), shares)

	assets, err = f.core.PreviewRedeem(ctx, u(1))
	require.NoError(t, err)
	require.Equal(t, u(3), assets)

	res := f.must(t, alice, &event.VaultMint{Shares: u(1), Receiver: bob}).(*core.VaultResult)
	require.Equal(t, u(4), res.Assets)
}

func TestVault_ExitChecks(t *testing.T) {
	f := newFixture(t)
	f.mintMsUSD(t, alice, 10)
	f.must(t, alice, &event.VaultDeposit{Assets: wad(5), Receiver: alice})

	_, err := f.exec(bob, &event.VaultWithdraw{Assets: wad(1), Receiver: bob, Owner: alice})
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	_, err = f.exec(alice, &event.VaultWithdraw{Assets: wad(6), Receiver: alice, Owner: alice})
	require.ErrorIs(t, err, core.ErrExcessiveWithdrawAmount)

	_, err = f.exec(alice, &event.VaultRedeem{Shares: wad(6), Receiver: alice, Owner: alice})
	require.ErrorIs(t, err, core.ErrExcessiveRedeemAmount)

	_, err = f.exec(alice, &event.CooldownAssets{Assets: wad(1), Owner: alice})
	require.ErrorIs(t, err, core.ErrOperationNotAllowed)

	res := f.must(t, alice, &event.VaultWithdraw{Assets: wad(2), Receiver: bob, Owner: alice}).(*core.VaultResult)
	require.Equal(t, wad(2), res.Shares)
	require.Equal(t, wad(2), f.balance(t, bob, msusd))
	require.Equal(t, wad(3), f.balance(t, alice, vault))
}

func TestVault_CooldownAccumulatesAndResetsTimer(t *testing.T) {
	cooldown := 7 * 24 * time.Hour
	f := newFixture(t, func(c *core.Config) { c.CooldownDuration = cooldown })
	ctx := context.Background()
	f.mintMsUSD(t, alice, 10)
	f.must(t, alice, &event.VaultDeposit{Assets: wad(10), Receiver: alice})

	_, err := f.exec(alice, &event.VaultWithdraw{Assets: wad(1), Receiver: alice, Owner: alice})
	require.ErrorIs(t, err, core.ErrOperationNotAllowed)
	_, err = f.exec(alice, &event.VaultRedeem{Shares: wad(1), Receiver: alice, Owner: alice})
	require.ErrorIs(t, err, core.ErrOperationNotAllowed)

	f.must(t, alice, &event.CooldownAssets{Assets: wad(2), Owner: alice})
	first, err := f.core.Cooldown(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, t0.Add(cooldown), first.CooldownEnd)

	f.clock.Advance(24 * time.Hour)
	f.must(t, alice, &event.CooldownShares{Shares: wad(3), Owner: alice})
	second, err := f.core.Cooldown(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, wad(5), second.UnderlyingAmount)
	require.False(t, second.CooldownEnd.Before(first.CooldownEnd))
	require.Equal(t, t0.Add(24*time.Hour+cooldown), second.CooldownEnd)
	require.Equal(t, wad(5), f.balance(t, alice, vault))

	f.clock.Set(second.CooldownEnd.Add(-time.Second))
	_, err = f.exec(alice, &event.Unstake{Receiver: alice})
	require.ErrorIs(t, err, core.ErrCooldownNotFinished)

	siloKey := ledger.NewSystemAccountKey(ledger.SubTypeSilo, msusd)
	silo := func() *uint256.Int {
		bal, err := f.core.AccountBalance(ctx, siloKey)
		require.NoError(t, err)
		return bal
	}
	require.Equal(t, wad(5), silo())

	// Only the cooldown owner's unstake draws on the silo.
	f.clock.Set(second.CooldownEnd)
	_, err = f.exec(bob, &event.Unstake{Receiver: bob})
	require.ErrorIs(t, err, core.ErrNothingToUnstake)
	require.Equal(t, wad(5), silo())

	released := f.must(t, alice, &event.Unstake{Receiver: alice}).(*uint256.Int)
	require.Equal(t, wad(5), released)
	require.Equal(t, wad(5), f.balance(t, alice, msusd))
	require.True(t, silo().IsZero())

	_, err = f.exec(alice, &event.Unstake{Receiver: alice})
	require.ErrorIs(t, err, core.ErrNothingToUnstake)
}

func TestVault_DisablingCooldownReleasesImmediately(t *testing.T) {
	f := newFixture(t, func(c *core.Config) { c.CooldownDuration = time.Hour })
	f.mintMsUSD(t, alice, 10)
	f.must(t, alice, &event.VaultDeposit{Assets: wad(10), Receiver: alice})
	f.must(t, alice, &event.CooldownAssets{Assets: wad(4), Owner: alice})

	f.must(t, owner, &event.SetCooldownDuration{Duration: 0})
	released := f.must(t, alice, &event.Unstake{Receiver: alice}).(*uint256.Int)
	require.Equal(t, wad(4), released)

	f.must(t, alice, &event.VaultRedeem{Shares: wad(6), Receiver: alice, Owner: alice})
	require.Equal(t, wad(10), f.balance(t, alice, msusd))
}
