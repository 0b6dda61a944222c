package state_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"msusd/internal/state"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	dai   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	t0    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ====================================
// Request / claim
// ====================================

func TestRedemption_RequestMaturesAfterDelay(t *testing.T) {
	l := state.NewRedemptionLedger()
	req := l.Append(alice, usdc, u(100), t0)

	require.Equal(t, t0.Add(state.DefaultClaimDelay), req.ClaimableAfter)
	require.Equal(t, u(100), l.PendingClaims(usdc))

	_, err := l.PlanClaim(alice, usdc, 10, t0.Add(state.DefaultClaimDelay-time.Second), u(1000))
	require.ErrorIs(t, err, state.ErrNoTokensClaimable)

	plan, err := l.PlanClaim(alice, usdc, 10, t0.Add(state.DefaultClaimDelay), u(1000))
	require.NoError(t, err)
	require.Equal(t, 1, plan.Count())
	require.Equal(t, u(100), plan.Total)

	l.ApplyClaim(plan)
	require.True(t, l.PendingClaims(usdc).IsZero())
	require.Equal(t, 1, l.Cursor(alice, usdc))
}

func TestRedemption_PartialClaimKeepsCursor(t *testing.T) {
	l := state.NewRedemptionLedger()
	l.Append(alice, usdc, u(100), t0)
	l.Append(alice, usdc, u(50), t0)
	now := t0.Add(state.DefaultClaimDelay)

	plan, err := l.PlanClaim(alice, usdc, 10, now, u(120))
	require.NoError(t, err)
	require.Equal(t, 2, plan.Count())
	require.Equal(t, u(120), plan.Total)
	require.True(t, plan.Fills[0].Settles)
	require.False(t, plan.Fills[1].Settles)
	l.ApplyClaim(plan)

	require.Equal(t, 1, l.Cursor(alice, usdc), "cursor must stop at the partially paid request")
	require.Equal(t, u(30), l.PendingClaims(usdc))

	reqs := l.Requests(alice, usdc, 0, 0)
	require.Len(t, reqs, 2)
	require.Equal(t, u(20), reqs[1].Claimed)

	plan, err = l.PlanClaim(alice, usdc, 10, now, u(1000))
	require.NoError(t, err)
	require.Equal(t, u(30), plan.Total)
	l.ApplyClaim(plan)
	require.Equal(t, 2, l.Cursor(alice, usdc))
	require.True(t, l.PendingClaims(usdc).IsZero())
}

func TestRedemption_StopsAtFirstImmatureRequest(t *testing.T) {
	l := state.NewRedemptionLedger()
	l.Append(alice, usdc, u(10), t0)
	l.Append(alice, usdc, u(10), t0.Add(time.Hour))
	l.Append(alice, usdc, u(10), t0)

	plan, err := l.PlanClaim(alice, usdc, 10, t0.Add(state.DefaultClaimDelay), u(1000))
	require.NoError(t, err)
	require.Equal(t, 1, plan.Count())
	require.Equal(t, 1, plan.NewCursor)
}

func TestRedemption_MaxRequestsBoundsClaim(t *testing.T) {
	l := state.NewRedemptionLedger()
	for i := 0; i < 5; i++ {
		l.Append(alice, usdc, u(10), t0)
	}

	_, err := l.PlanClaim(alice, usdc, 0, t0.Add(state.DefaultClaimDelay), u(1000))
	require.ErrorIs(t, err, state.ErrInvalidAmount)

	plan, err := l.PlanClaim(alice, usdc, 3, t0.Add(state.DefaultClaimDelay), u(1000))
	require.NoError(t, err)
	require.Equal(t, 3, plan.Count())
	require.Equal(t, u(30), plan.Total)
}

func TestRedemption_ZeroAvailableClaimsNothing(t *testing.T) {
	l := state.NewRedemptionLedger()
	l.Append(alice, usdc, u(10), t0)

	_, err := l.PlanClaim(alice, usdc, 1, t0.Add(state.DefaultClaimDelay), u(0))
	require.ErrorIs(t, err, state.ErrNoTokensClaimable)
}

func TestRedemption_QueuesAreIndependentPerUserAndAsset(t *testing.T) {
	l := state.NewRedemptionLedger()
	l.Append(alice, usdc, u(10), t0)
	l.Append(alice, dai, u(20), t0)
	l.Append(bob, usdc, u(30), t0)

	require.Equal(t, u(40), l.PendingClaims(usdc))
	require.Equal(t, u(20), l.PendingClaims(dai))
	require.Len(t, l.UserRequests(alice, 0, 0), 2)
	require.Equal(t, 1, l.RequestCount(alice, dai))

	plan, err := l.PlanClaim(alice, dai, 5, t0.Add(state.DefaultClaimDelay), u(1000))
	require.NoError(t, err)
	require.Equal(t, u(20), plan.Total)
	l.ApplyClaim(plan)

	require.Equal(t, 0, l.Cursor(alice, usdc))
	require.Equal(t, 1, l.Cursor(alice, dai))
	require.Equal(t, l.ComputePending(usdc), l.PendingClaims(usdc))
}

func TestRedemption_CursorNeverMovesBackwards(t *testing.T) {
	l := state.NewRedemptionLedger()
	now := t0.Add(state.DefaultClaimDelay)
	prev := 0
	for i := 0; i < 6; i++ {
		l.Append(alice, usdc, u(7), t0)
	}
	for _, avail := range []uint64{3, 5, 13, 1, 100} {
		plan, err := l.PlanClaim(alice, usdc, 2, now, u(avail))
		require.NoError(t, err)
		l.ApplyClaim(plan)
		cur := l.Cursor(alice, usdc)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	for _, r := range l.Requests(alice, usdc, 0, 0) {
		require.False(t, r.Claimed.Gt(r.Amount))
	}
}

// ====================================
// Caps and settings
// ====================================

func TestRedemption_CapAndDisable(t *testing.T) {
	l := state.NewRedemptionLedger()
	require.NoError(t, l.CheckRequest(usdc, u(1_000_000)), "no cap means unlimited")

	require.NoError(t, l.SetCap(usdc, u(100)))
	require.ErrorIs(t, l.SetCap(usdc, u(100)), state.ErrAlreadySet)

	l.Append(alice, usdc, u(80), t0)
	require.NoError(t, l.CheckRequest(usdc, u(20)))
	require.ErrorIs(t, l.CheckRequest(usdc, u(21)), state.ErrRedemptionCapExceeded)
	require.ErrorIs(t, l.CheckRequest(usdc, u(0)), state.ErrInvalidAmount)

	// Zero lifts the cap.
	require.NoError(t, l.SetCap(usdc, u(0)))
	_, capped := l.Cap(usdc)
	require.False(t, capped)
	require.NoError(t, l.CheckRequest(usdc, u(1_000_000)))
	require.ErrorIs(t, l.SetCap(usdc, u(0)), state.ErrAlreadySet)
	require.ErrorIs(t, l.SetCap(dai, u(0)), state.ErrAlreadySet)

	require.NoError(t, l.SetEnabled(false))
	require.ErrorIs(t, l.SetEnabled(false), state.ErrAlreadySet)
	require.ErrorIs(t, l.CheckRequest(usdc, u(1)), state.ErrRedemptionsDisabled)
}

func TestRedemption_ClaimDelayBounds(t *testing.T) {
	l := state.NewRedemptionLedger()
	require.ErrorIs(t, l.SetClaimDelay(state.MaxClaimDelay+time.Second), state.ErrInvalidAmount)
	require.ErrorIs(t, l.SetClaimDelay(state.DefaultClaimDelay), state.ErrAlreadySet)
	require.NoError(t, l.SetClaimDelay(0))

	req := l.Append(alice, usdc, u(5), t0)
	require.Equal(t, t0, req.ClaimableAfter)
}

func TestRedemption_SnapshotRoundTrip(t *testing.T) {
	l := state.NewRedemptionLedger()
	l.Append(alice, usdc, u(100), t0)
	l.Append(alice, usdc, u(50), t0)
	require.NoError(t, l.SetCap(usdc, u(500)))
	plan, err := l.PlanClaim(alice, usdc, 10, t0.Add(state.DefaultClaimDelay), u(120))
	require.NoError(t, err)
	l.ApplyClaim(plan)

	restored := state.NewRedemptionLedger()
	restored.Load(l.Snapshot())

	require.Equal(t, l.PendingClaims(usdc), restored.PendingClaims(usdc))
	require.Equal(t, l.Cursor(alice, usdc), restored.Cursor(alice, usdc))
	c, ok := restored.Cap(usdc)
	require.True(t, ok)
	require.Equal(t, u(500), c)
}
