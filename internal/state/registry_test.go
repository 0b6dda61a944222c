package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"msusd/internal/state"
)

func TestAssetRegistry_Lifecycle(t *testing.T) {
	r := state.NewAssetRegistry()
	require.NoError(t, r.Add(usdc, "usdc-fixed", 6))
	require.ErrorIs(t, r.Add(usdc, "usdc-fixed", 6), state.ErrAlreadyExists)
	require.ErrorIs(t, r.Add(usdc, "", 6), state.ErrInvalidAddress)

	require.NoError(t, r.Remove(usdc))
	require.ErrorIs(t, r.Remove(usdc), state.ErrUnchanged)
	_, err := r.Active(usdc)
	require.ErrorIs(t, err, state.ErrNotSupportedAsset)

	info, err := r.Known(usdc)
	require.NoError(t, err)
	require.True(t, info.Removed)

	require.NoError(t, r.Reinstate(usdc))
	require.ErrorIs(t, r.Reinstate(usdc), state.ErrUnchanged)
	require.ErrorIs(t, r.Remove(dai), state.ErrNotSupportedAsset)
}

func TestAssetRegistry_ReAddRebindsOracle(t *testing.T) {
	r := state.NewAssetRegistry()
	require.NoError(t, r.Add(usdc, "a", 6))
	require.NoError(t, r.Remove(usdc))
	require.NoError(t, r.Add(usdc, "b", 18))

	info, err := r.Active(usdc)
	require.NoError(t, err)
	require.Equal(t, "b", info.OracleID)
	require.Equal(t, uint8(6), info.Decimals)

	require.ErrorIs(t, r.UpdateOracle(usdc, "b"), state.ErrAlreadySet)
	require.NoError(t, r.UpdateOracle(usdc, "c"))
}

func TestRoles_AuthorizeAndWhitelist(t *testing.T) {
	roles := state.NewRoles(alice)
	require.NoError(t, roles.Authorize(alice, state.RoleOwner))
	require.ErrorIs(t, roles.Authorize(bob, state.RoleOwner), state.ErrNotAuthorized)

	require.NoError(t, roles.SetHolder(state.RoleCustodian, bob))
	require.ErrorIs(t, roles.SetHolder(state.RoleCustodian, bob), state.ErrAlreadySet)
	require.NoError(t, roles.Authorize(bob, state.RoleCustodian, state.RoleOwner))

	require.ErrorIs(t, roles.RequireWhitelisted(bob), state.ErrNotWhitelisted)
	require.NoError(t, roles.SetWhitelisted(bob, true))
	require.NoError(t, roles.RequireWhitelisted(bob))
	require.ErrorIs(t, roles.SetWhitelisted(bob, true), state.ErrAlreadySet)

	restored := state.NewRoles(bob)
	require.NoError(t, restored.Load(roles.Snapshot()))
	require.Equal(t, alice, restored.Holder(state.RoleOwner))
	require.True(t, restored.Whitelisted(bob))
}

func TestSupplyLimit_Check(t *testing.T) {
	s := state.NewSupplyLimit(u(1000))
	require.NoError(t, s.Check(u(900), u(100)))
	require.ErrorIs(t, s.Check(u(900), u(101)), state.ErrSupplyLimitExceeded)
	require.ErrorIs(t, s.Set(u(1000)), state.ErrAlreadySet)
}

func TestRateHistory_RecordsAnnualisedSamples(t *testing.T) {
	h := state.NewRateHistory(2, 500)
	h.Touch(t0)

	apr, ok, err := h.Record(u(1), u(100), t0.Add(365*24*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, u(10_000_000_000_000_000), apr) // 1%

	_, ok, err = h.Record(u(1), u(100), t0.Add(365*24*time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "no time elapsed")

	_, _, err = h.Record(u(3), u(100), t0.Add(2*365*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, u(20_000_000_000_000_000), h.EMA())

	_, _, err = h.Record(u(0), u(100), t0.Add(3*365*24*time.Hour))
	require.NoError(t, err)
	samples := h.Samples()
	require.Len(t, samples, 2)
	require.Equal(t, u(30_000_000_000_000_000), samples[0].APR)
	require.True(t, h.Latest().IsZero())
}
