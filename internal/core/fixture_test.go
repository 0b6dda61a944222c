package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"msusd/internal/core"
	"msusd/internal/event"
	fpmath "msusd/internal/math"
	"msusd/internal/oracle"
)

var (
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	msusd        = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	vault        = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	feeCollector = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	usdc         = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	dai          = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	alice        = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	whitelister  = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	rewarder     = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	custodian    = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	depositor    = common.HexToAddress("0x0000000000000000000000000000000000000e04")
	bridge       = common.HexToAddress("0x0000000000000000000000000000000000000e05")

	t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

const claimDelay = 7 * 24 * time.Hour

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func wad(whole uint64) *uint256.Int { return fpmath.Units(whole, 18) }

func usdcUnits(whole uint64) *uint256.Int { return fpmath.Units(whole, 6) }

// testClock is a settable clock shared by the core and the test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	core    *core.DeterministicCore
	clock   *testClock
	oracles *oracle.Registry
	persist chan core.CoreOutput
}

func testConfig() core.Config {
	return core.Config{
		Owner:                owner,
		MsUSD:                msusd,
		Vault:                vault,
		FeeCollector:         feeCollector,
		SupplyLimit:          wad(1_000_000),
		ClaimDelay:           claimDelay,
		RewardTaxPerThousand: 100,
	}
}

// newOracles registers a 1:1 USD feed for both collateral assets, quoted
// with 8 decimals.
func newOracles(t *testing.T, rate uint64) *oracle.Registry {
	t.Helper()
	reg := oracle.NewRegistry()
	require.NoError(t, reg.Register("usdc-usd", oracle.NewFixedOracle(u(rate), 8)))
	require.NoError(t, reg.Register("dai-usd", oracle.NewFixedOracle(u(rate), 8)))
	return reg
}

func newBareCore(t *testing.T, cfg core.Config, oracles *oracle.Registry) (*core.DeterministicCore, *testClock, chan core.CoreOutput) {
	t.Helper()
	clock := &testClock{now: t0}
	persist := make(chan core.CoreOutput, 4096)
	c, err := core.NewDeterministicCore(0, cfg, core.Options{
		Oracles:     oracles,
		Clock:       clock.Now,
		PersistChan: persist,
	})
	require.NoError(t, err)
	return c, clock, persist
}

// newFixture builds a core with USDC (6 decimals) and DAI (18 decimals)
// listed, every role assigned and alice and bob whitelisted.
func newFixture(t *testing.T, mutate ...func(*core.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	oracles := newOracles(t, 100_000_000)
	c, clock, persist := newBareCore(t, cfg, oracles)
	f := &fixture{core: c, clock: clock, oracles: oracles, persist: persist}
	f.setup(t)
	return f
}

func (f *fixture) setup(t *testing.T) {
	t.Helper()
	f.must(t, owner, &event.AddAsset{Asset: usdc, OracleID: "usdc-usd", Decimals: 6})
	f.must(t, owner, &event.AddAsset{Asset: dai, OracleID: "dai-usd", Decimals: 18})
	for role, holder := range map[string]common.Address{
		"whitelister": whitelister,
		"rewarder":    rewarder,
		"custodian":   custodian,
		"depositor":   depositor,
		"bridge":      bridge,
	} {
		f.must(t, owner, &event.SetRole{Role: role, Holder: holder})
	}
	f.must(t, whitelister, &event.SetWhitelisted{Account: alice, Allowed: true})
	f.must(t, whitelister, &event.SetWhitelisted{Account: bob, Allowed: true})
}

func (f *fixture) exec(caller common.Address, cmd event.Event) (any, error) {
	cmd.Meta().Caller = caller
	return f.core.Execute(context.Background(), cmd)
}

func (f *fixture) must(t *testing.T, caller common.Address, cmd event.Event) any {
	t.Helper()
	res, err := f.exec(caller, cmd)
	require.NoError(t, err)
	return res
}

// fundUSDC credits raw USDC units to holder's wallet.
func (f *fixture) fundUSDC(t *testing.T, holder common.Address, amount *uint256.Int) {
	t.Helper()
	f.must(t, depositor, &event.DepositCollateral{Holder: holder, Asset: usdc, Amount: amount})
}

// mintMsUSD funds holder with USDC and mints msUSD 1:1 against it.
func (f *fixture) mintMsUSD(t *testing.T, holder common.Address, whole uint64) {
	t.Helper()
	f.fundUSDC(t, holder, usdcUnits(whole))
	res := f.must(t, holder, &event.Mint{Asset: usdc, AmountIn: usdcUnits(whole)}).(*core.MintResult)
	require.Equal(t, wad(whole), res.AmountOut)
}

func (f *fixture) balance(t *testing.T, holder, token common.Address) *uint256.Int {
	t.Helper()
	bal, err := f.core.Balance(context.Background(), holder, token)
	require.NoError(t, err)
	return bal
}

func (f *fixture) pending(t *testing.T, asset common.Address) *uint256.Int {
	t.Helper()
	p, err := f.core.PendingClaims(context.Background(), asset)
	require.NoError(t, err)
	return p
}

// requireSolvent checks pendingClaims + withdrawable <= engine balance.
func (f *fixture) requireSolvent(t *testing.T, asset common.Address) {
	t.Helper()
	ctx := context.Background()
	pending, err := f.core.PendingClaims(ctx, asset)
	require.NoError(t, err)
	withdrawable, err := f.core.Withdrawable(ctx, asset)
	require.NoError(t, err)
	engine, err := f.core.EngineBalance(ctx, asset)
	require.NoError(t, err)
	sum := new(uint256.Int).Add(pending, withdrawable)
	require.False(t, sum.Gt(engine), "pending %s + withdrawable %s > engine %s", pending, withdrawable, engine)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}
