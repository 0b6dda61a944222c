package state_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	fpmath "msusd/internal/math"
	"msusd/internal/state"
)

var feeCollector = common.HexToAddress("0x0000000000000000000000000000000000000fee")

func TestRebase_IndexGrowsBalancesOfRebasingHolders(t *testing.T) {
	r := state.NewRebaseAccounting(0)
	require.NoError(t, r.Mint(alice, fpmath.Units(100, 18)))
	require.NoError(t, r.Mint(bob, fpmath.Units(100, 18)))
	require.NoError(t, r.DisableRebase(bob))

	res, err := r.RebaseWithDelta(fpmath.Units(10, 18), feeCollector)
	require.NoError(t, err)
	require.Equal(t, fpmath.MustParseAmount("1100000000000000000"), res.NewIndex)

	require.Equal(t, fpmath.Units(110, 18), r.BalanceOf(alice))
	require.Equal(t, fpmath.Units(100, 18), r.BalanceOf(bob), "opted-out holder keeps a fixed balance")
	require.Equal(t, fpmath.Units(210, 18), r.TotalSupply())
}

func TestRebase_TaxDivertedBeforeIndexMoves(t *testing.T) {
	r := state.NewRebaseAccounting(100)
	require.NoError(t, r.Mint(alice, fpmath.Units(100, 18)))

	res, err := r.RebaseWithDelta(fpmath.Units(10, 18), feeCollector)
	require.NoError(t, err)
	require.Equal(t, fpmath.Units(1, 18), res.Tax)
	require.Equal(t, fpmath.Units(9, 18), res.NetDelta)

	require.Equal(t, fpmath.Units(109, 18), r.BalanceOf(alice))
	// Tax is minted as shares at the new index, so it may lose a wei.
	fee := r.BalanceOf(feeCollector)
	require.False(t, fee.Gt(fpmath.Units(1, 18)))
	require.False(t, fee.Lt(fpmath.MustParseAmount("999999999999999999")))
}

func TestRebase_TaxBelowOneShareStaysWithHolders(t *testing.T) {
	r := state.NewRebaseAccounting(100)
	require.NoError(t, r.Mint(alice, u(100)))

	var res *state.RebaseResult
	require.NotPanics(t, func() {
		var err error
		res, err = r.RebaseWithDelta(u(10), feeCollector)
		require.NoError(t, err)
	})
	require.True(t, res.Tax.IsZero())
	require.Equal(t, u(10), res.NetDelta)
	require.Equal(t, fpmath.MustParseAmount("1100000000000000000"), r.Index())
	require.Equal(t, u(110), r.BalanceOf(alice))
	require.True(t, r.BalanceOf(feeCollector).IsZero())
}

func TestRebase_TaxToOptedOutCollectorIsExact(t *testing.T) {
	r := state.NewRebaseAccounting(100)
	require.NoError(t, r.Mint(alice, fpmath.Units(100, 18)))
	require.NoError(t, r.DisableRebase(feeCollector))

	res, err := r.RebaseWithDelta(fpmath.Units(10, 18), feeCollector)
	require.NoError(t, err)
	require.Equal(t, fpmath.Units(1, 18), res.Tax)
	require.Equal(t, fpmath.Units(1, 18), r.BalanceOf(feeCollector))
	require.Equal(t, fpmath.Units(109, 18), r.BalanceOf(alice))
	require.Equal(t, fpmath.Units(110, 18), r.TotalSupply())
}

func TestRebase_RejectsZeroSupplyAndZeroDelta(t *testing.T) {
	r := state.NewRebaseAccounting(0)
	_, err := r.RebaseWithDelta(u(1), feeCollector)
	require.ErrorIs(t, err, state.ErrInvalidAmount)

	require.NoError(t, r.Mint(alice, fpmath.Units(1, 18)))
	_, err = r.RebaseWithDelta(u(0), feeCollector)
	require.ErrorIs(t, err, state.ErrInvalidAmount)

	// Every holder opted out: no rebasing supply left.
	require.NoError(t, r.DisableRebase(alice))
	_, err = r.RebaseWithDelta(u(1), feeCollector)
	require.ErrorIs(t, err, state.ErrInvalidAmount)
}

func TestRebase_DeltaTooSmallToMoveIndex(t *testing.T) {
	r := state.NewRebaseAccounting(0)
	require.NoError(t, r.Mint(alice, fpmath.Units(1_000_000_000_000, 18)))

	_, err := r.RebaseWithDelta(u(1), feeCollector)
	require.ErrorIs(t, err, state.ErrInvalidAmount)
	require.Equal(t, fpmath.WAD, r.Index())
}

func TestRebase_OptOutAndBackPreservesBalance(t *testing.T) {
	r := state.NewRebaseAccounting(0)
	require.NoError(t, r.Mint(alice, fpmath.Units(50, 18)))
	require.NoError(t, r.Mint(bob, fpmath.Units(50, 18)))
	_, err := r.RebaseWithDelta(fpmath.Units(50, 18), feeCollector)
	require.NoError(t, err)

	require.NoError(t, r.DisableRebase(alice))
	require.ErrorIs(t, r.DisableRebase(alice), state.ErrAlreadySet)
	require.Equal(t, fpmath.Units(75, 18), r.BalanceOf(alice))

	require.NoError(t, r.EnableRebase(alice))
	require.ErrorIs(t, r.EnableRebase(alice), state.ErrAlreadySet)
	require.Equal(t, fpmath.Units(75, 18), r.BalanceOf(alice))
}

func TestRebase_TransferAndBurn(t *testing.T) {
	r := state.NewRebaseAccounting(0)
	require.NoError(t, r.Mint(alice, fpmath.Units(100, 18)))
	require.NoError(t, r.DisableRebase(bob))

	require.NoError(t, r.Transfer(alice, bob, fpmath.Units(40, 18)))
	require.Equal(t, fpmath.Units(60, 18), r.BalanceOf(alice))
	require.Equal(t, fpmath.Units(40, 18), r.BalanceOf(bob))

	require.ErrorIs(t, r.Transfer(bob, alice, fpmath.Units(41, 18)), state.ErrInsufficientBalance)
	require.ErrorIs(t, r.Burn(alice, fpmath.Units(61, 18)), state.ErrInsufficientBalance)

	require.NoError(t, r.Burn(alice, fpmath.Units(60, 18)))
	require.True(t, r.BalanceOf(alice).IsZero())
	require.Equal(t, fpmath.Units(40, 18), r.TotalSupply())
}

func TestRebase_SnapshotRoundTrip(t *testing.T) {
	r := state.NewRebaseAccounting(50)
	require.NoError(t, r.Mint(alice, fpmath.Units(100, 18)))
	require.NoError(t, r.Mint(bob, fpmath.Units(10, 18)))
	require.NoError(t, r.DisableRebase(bob))
	_, err := r.RebaseWithDelta(fpmath.Units(20, 18), feeCollector)
	require.NoError(t, err)

	restored := state.NewRebaseAccounting(0)
	restored.Load(r.Snapshot())
	require.Equal(t, r.Index(), restored.Index())
	require.Equal(t, r.TotalSupply(), restored.TotalSupply())
	require.Equal(t, r.BalanceOf(alice), restored.BalanceOf(alice))
	require.True(t, restored.RebaseDisabled(bob))
}
