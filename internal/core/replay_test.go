package core_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/state"
)

// runWorkload drives a mix of every command family through f.
func runWorkload(t *testing.T, f *fixture) {
	t.Helper()
	f.mintMsUSD(t, alice, 1000)
	f.mintMsUSD(t, bob, 50)
	f.must(t, alice, &event.VaultDeposit{Assets: wad(500), Receiver: alice})
	f.clock.Advance(time.Hour)
	f.must(t, rewarder, &event.MintRewards{Amount: wad(20)})
	f.must(t, alice, &event.RequestRedemption{Asset: usdc, AmountIn: wad(100)})
	f.must(t, bob, &event.Transfer{Token: msusd, To: alice, Amount: wad(5)})
	f.must(t, custodian, &event.Sweep{Asset: usdc})
	f.must(t, bridge, &event.BridgeDebit{Sender: bob, Amount: wad(10)})
	f.must(t, owner, &event.RebaseMint{To: alice, Amount: wad(100)})
	f.must(t, rewarder, &event.Rebase{Delta: wad(10)})
	f.clock.Advance(claimDelay)
	f.must(t, alice, &event.ClaimRedemption{Asset: usdc, MaxRequests: 5})
	f.must(t, alice, &event.VaultRedeem{Shares: wad(100), Receiver: alice, Owner: alice})
}

func TestReplay_ReproducesStateHash(t *testing.T) {
	f := newFixture(t)
	runWorkload(t, f)
	outs := drain(f.persist)

	// A different live rate proves replay uses the pinned quotes.
	replica, _, _ := newBareCore(t, testConfig(), newOracles(t, 200_000_000))
	for _, out := range outs {
		require.NoError(t, replica.Replay(context.Background(), out.Envelope))
	}

	require.Equal(t, f.core.Sequence(), replica.Sequence())
	require.Equal(t, f.core.StateHash(), replica.StateHash())

	want, err := f.core.Balance(context.Background(), alice, msusd)
	require.NoError(t, err)
	got, err := replica.Balance(context.Background(), alice, msusd)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReplay_SkipsAppliedAndRejectsGaps(t *testing.T) {
	f := newFixture(t)
	f.mintMsUSD(t, alice, 1)
	outs := drain(f.persist)
	require.GreaterOrEqual(t, len(outs), 3)

	replica, _, _ := newBareCore(t, testConfig(), newOracles(t, 100_000_000))
	require.NoError(t, replica.Replay(context.Background(), outs[0].Envelope))
	require.NoError(t, replica.Replay(context.Background(), outs[0].Envelope))
	require.Equal(t, int64(1), replica.Sequence())

	err := replica.Replay(context.Background(), outs[2].Envelope)
	require.Error(t, err)
	require.Equal(t, int64(1), replica.Sequence())
}

func TestReplay_DetectsTamperedHash(t *testing.T) {
	f := newFixture(t)
	outs := drain(f.persist)

	replica, _, _ := newBareCore(t, testConfig(), newOracles(t, 100_000_000))
	env := *outs[0].Envelope
	env.StateHash[0] ^= 0xff

	err := replica.Replay(context.Background(), &env)
	require.ErrorIs(t, err, core.ErrHashMismatch)
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	f := newFixture(t, func(c *core.Config) { c.CooldownDuration = time.Hour })
	f.mintMsUSD(t, alice, 100)
	f.must(t, alice, &event.VaultDeposit{Assets: wad(50), Receiver: alice})
	f.must(t, alice, &event.CooldownAssets{Assets: wad(10), Owner: alice})
	f.must(t, alice, &event.RequestRedemption{Asset: usdc, AmountIn: wad(20)})
	f.must(t, owner, &event.RebaseMint{To: bob, Amount: wad(3)})

	raw, err := json.Marshal(f.core.CreateSnapshotState())
	require.NoError(t, err)
	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored, clock, _ := newBareCore(t, testConfig(), newOracles(t, 100_000_000))
	require.NoError(t, restored.RestoreFromSnapshot(&snap))
	require.Equal(t, f.core.Sequence(), restored.Sequence())
	require.Equal(t, f.core.StateHash(), restored.StateHash())

	ctx := context.Background()
	pending, err := restored.PendingClaims(ctx, usdc)
	require.NoError(t, err)
	require.Equal(t, usdcUnits(20), pending)
	cd, err := restored.Cooldown(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, wad(10), cd.UnderlyingAmount)

	// The same next command yields the same chained hash on both.
	clock.Set(f.clock.Now())
	next := func() *event.Mint {
		return &event.Mint{Header: event.Header{Caller: alice}, Asset: usdc, AmountIn: usdcUnits(1)}
	}
	_, err = f.core.Execute(ctx, &event.DepositCollateral{Header: event.Header{Caller: depositor}, Holder: alice, Asset: usdc, Amount: usdcUnits(1)})
	require.NoError(t, err)
	_, err = restored.Execute(ctx, &event.DepositCollateral{Header: event.Header{Caller: depositor}, Holder: alice, Asset: usdc, Amount: usdcUnits(1)})
	require.NoError(t, err)
	_, err = f.core.Execute(ctx, next())
	require.NoError(t, err)
	_, err = restored.Execute(ctx, next())
	require.NoError(t, err)
	require.Equal(t, f.core.StateHash(), restored.StateHash())
}

func TestSnapshot_WarmedKeysRejectDuplicates(t *testing.T) {
	f := newFixture(t)
	f.fundUSDC(t, alice, usdcUnits(2))
	f.must(t, alice, &event.Mint{Header: event.Header{IdempotencyKey: "once"}, Asset: usdc, AmountIn: usdcUnits(1)})

	snap := f.core.CreateSnapshotState()
	restored, _, _ := newBareCore(t, testConfig(), newOracles(t, 100_000_000))
	require.NoError(t, restored.RestoreFromSnapshot(snap))

	_, err := restored.Execute(context.Background(), &event.Mint{Header: event.Header{Caller: alice, IdempotencyKey: "once"}, Asset: usdc, AmountIn: usdcUnits(1)})
	require.ErrorIs(t, err, core.ErrDuplicateCommand)
}

// ====================================
// Rebasing v1
// ====================================

func TestRebase_TaxAndOptOut(t *testing.T) {
	f := newFixture(t, func(c *core.Config) { c.RebaseTaxPerThousand = 100 })
	ctx := context.Background()

	f.must(t, owner, &event.RebaseMint{To: alice, Amount: wad(100)})
	f.must(t, owner, &event.RebaseMint{To: bob, Amount: wad(100)})
	f.must(t, bob, &event.RebaseOptOut{Holder: bob})

	_, err := f.exec(alice, &event.RebaseOptOut{Holder: bob})
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	f.must(t, rewarder, &event.Rebase{Delta: wad(10)})

	a, err := f.core.RebaseAccount(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, wad(109), a.Balance)

	b, err := f.core.RebaseAccount(ctx, bob)
	require.NoError(t, err)
	require.True(t, b.OptedOut)
	require.Equal(t, wad(100), b.Balance)

	fee, err := f.core.RebaseAccount(ctx, feeCollector)
	require.NoError(t, err)
	// The tax is minted as shares at the new index and may lose one wei.
	require.False(t, fee.Balance.Gt(wad(1)))
	require.False(t, new(uint256.Int).Sub(wad(1), fee.Balance).Gt(u(1)))

	_, err = f.exec(alice, &event.Rebase{Delta: wad(1)})
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	f.must(t, alice, &event.RebaseTransfer{To: bob, Amount: wad(9)})
	b, err = f.core.RebaseAccount(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, wad(109), b.Balance)
}

func TestRebase_TaxBelowOneShareGoesToHolders(t *testing.T) {
	cfg := testConfig()
	cfg.RebaseTaxPerThousand = 100
	f := newFixture(t, func(c *core.Config) { c.RebaseTaxPerThousand = 100 })
	ctx := context.Background()

	f.must(t, owner, &event.RebaseMint{To: alice, Amount: u(100)})
	var res *state.RebaseResult
	require.NotPanics(t, func() {
		res = f.must(t, rewarder, &event.Rebase{Delta: u(10)}).(*state.RebaseResult)
	})
	require.True(t, res.Tax.IsZero())
	require.Equal(t, u(10), res.NetDelta)

	a, err := f.core.RebaseAccount(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, u(110), a.Balance)
	fee, err := f.core.RebaseAccount(ctx, feeCollector)
	require.NoError(t, err)
	require.True(t, fee.Balance.IsZero())

	replica, _, _ := newBareCore(t, cfg, newOracles(t, 100_000_000))
	for _, out := range drain(f.persist) {
		require.NoError(t, replica.Replay(ctx, out.Envelope))
	}
	require.Equal(t, f.core.StateHash(), replica.StateHash())
}
