package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"msusd/internal/core"
	"msusd/internal/event"
	fpmath "msusd/internal/math"
	"msusd/internal/oracle"
	"msusd/internal/persistence"
	"msusd/internal/projection"
	"msusd/internal/testutil"
	"msusd/migrations"
)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	msusd = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	vault = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	wl    = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	dep   = common.HexToAddress("0x0000000000000000000000000000000000000e04")

	t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func wad(whole uint64) *uint256.Int { return fpmath.Units(whole, 18) }

// mintAndRedeem lists USDC, deposits and mints 100 msUSD for alice and
// redeems 30.
func mintAndRedeem(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	reg := oracle.NewRegistry()
	require.NoError(t, reg.Register("usdc-usd", oracle.NewFixedOracle(uint256.NewInt(100_000_000), 8)))

	out := make(chan core.CoreOutput, 16)
	c, err := core.NewDeterministicCore(0, core.Config{
		Owner: owner, MsUSD: msusd, Vault: vault, SupplyLimit: wad(1_000_000),
		ClaimDelay: 7 * 24 * time.Hour,
	}, core.Options{Oracles: reg, Clock: func() time.Time { return t0 }, PersistChan: out})
	require.NoError(t, err)

	ctx := context.Background()
	hdr := func(caller common.Address) event.Header { return event.Header{Caller: caller} }
	cmds := []event.Event{
		&event.AddAsset{Header: hdr(owner), Asset: usdc, OracleID: "usdc-usd", Decimals: 6},
		&event.SetRole{Header: hdr(owner), Role: "whitelister", Holder: wl},
		&event.SetWhitelisted{Header: hdr(wl), Account: alice, Allowed: true},
		&event.SetRole{Header: hdr(owner), Role: "depositor", Holder: dep},
		&event.DepositCollateral{Header: hdr(dep), Holder: alice, Asset: usdc, Amount: fpmath.Units(100, 6)},
		&event.Mint{Header: hdr(alice), Asset: usdc, AmountIn: fpmath.Units(100, 6), MinAmountOut: wad(100)},
		&event.RequestRedemption{Header: hdr(alice), Asset: usdc, AmountIn: wad(30)},
	}
	var outs []core.CoreOutput
	for _, cmd := range cmds {
		_, err := c.Execute(ctx, cmd)
		require.NoError(t, err)
		outs = append(outs, <-out)
	}
	return c, outs
}

func TestNewUpdate(t *testing.T) {
	_, outs := mintAndRedeem(t)

	mint := projection.NewUpdate(outs[5])
	require.Equal(t, int64(5), mint.Sequence)
	paths := map[string]projection.BalanceRow{}
	for _, b := range mint.Balances {
		require.NotEqual(t, "external", b.Scope)
		paths[b.AccountPath] = b
	}
	wallet := paths["user:"+alice.Hex()+":wallet:"+msusd.Hex()]
	require.Equal(t, wad(100).Dec(), wallet.Balance)
	require.NotNil(t, wallet.Owner)
	require.Equal(t, alice.Hex(), *wallet.Owner)
	engine := paths["system:engine:"+usdc.Hex()]
	require.Equal(t, "100000000", engine.Balance)
	require.Nil(t, engine.Owner)
	require.Empty(t, mint.Redemptions)

	redeem := projection.NewUpdate(outs[6])
	require.Len(t, redeem.Redemptions, 1)
	r := redeem.Redemptions[0]
	require.Equal(t, alice.Hex(), r.User)
	require.Equal(t, "30000000", r.Amount)
	require.Equal(t, "0", r.Claimed)
	require.False(t, r.Settled)
	require.Equal(t, t0.Add(7*24*time.Hour), r.ClaimableAfter)
}

func TestUpdateFromSnapshot(t *testing.T) {
	c, outs := mintAndRedeem(t)

	u, err := projection.UpdateFromSnapshot(c.CreateSnapshotState())
	require.NoError(t, err)
	require.Equal(t, outs[len(outs)-1].Envelope.Sequence, u.Sequence)
	require.Len(t, u.Redemptions, 1)

	var wallet string
	for _, b := range u.Balances {
		require.NotEqual(t, "external", b.Scope)
		if b.AccountPath == "user:"+alice.Hex()+":wallet:"+msusd.Hex() {
			wallet = b.Balance
		}
	}
	require.Equal(t, wad(70).Dec(), wallet)
}

func TestProjectionWorker_Postgres(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := persistence.NewMigrator(db, migrations.Files).Up(ctx)
	require.NoError(t, err)

	c, outs := mintAndRedeem(t)
	input := make(chan core.CoreOutput, len(outs))
	// Drop sequence 1 to force a rebuild from the core.
	for i, o := range outs {
		if i != 1 {
			input <- o
		}
	}
	close(input)

	w := projection.NewProjectionWorker(db, input, c.CreateSnapshotState, nil)
	require.NoError(t, w.Run(ctx))

	seq, err := projection.Watermark(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(len(outs)-1), seq)

	var balance string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT balance::text FROM projections.balances WHERE account_path = $1`,
		"user:"+alice.Hex()+":wallet:"+msusd.Hex(),
	).Scan(&balance))
	require.Equal(t, wad(70).Dec(), balance)
}
