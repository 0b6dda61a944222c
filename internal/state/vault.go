package state

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fpmath "msusd/internal/math"
)

const MaxCooldownDuration = 90 * 24 * time.Hour

// DefaultMinShares is the smallest non-zero share supply the vault accepts.
var DefaultMinShares = fpmath.Units(1, fpmath.TokenDecimals)

// UserCooldown tracks assets parked in the silo. The amount accumulates and
// every new cooldown restarts the timer.
type UserCooldown struct {
	CooldownEnd      time.Time    `json:"cooldown_end"`
	UnderlyingAmount *uint256.Int `json:"underlying_amount"`
}

// YieldVault holds the share-vault parameters and the cooldown book. Asset
// and share balances live in the ledger; conversions take them as inputs.
type YieldVault struct {
	minShares        *uint256.Int
	cooldownDuration time.Duration
	taxPerThousand   uint64
	cooldowns        map[common.Address]*UserCooldown
}

func NewYieldVault(minShares *uint256.Int, cooldown time.Duration, taxPerThousand uint64) (*YieldVault, error) {
	if minShares == nil {
		minShares = DefaultMinShares
	}
	if cooldown < 0 || cooldown > MaxCooldownDuration {
		return nil, fmt.Errorf("cooldown %s outside [0, %s]: %w", cooldown, MaxCooldownDuration, ErrInvalidAmount)
	}
	if taxPerThousand > 1000 {
		return nil, fmt.Errorf("reward tax %d/1000: %w", taxPerThousand, ErrInvalidAmount)
	}
	return &YieldVault{
		minShares:        new(uint256.Int).Set(minShares),
		cooldownDuration: cooldown,
		taxPerThousand:   taxPerThousand,
		cooldowns:        make(map[common.Address]*UserCooldown),
	}, nil
}

// ConvertToShares converts assets to shares at the current exchange rate.
// An empty vault converts 1:1.
func (v *YieldVault) ConvertToShares(assets, totalAssets, totalSupply *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	if totalSupply.IsZero() {
		return new(uint256.Int).Set(assets), nil
	}
	return fpmath.MulDiv(assets, totalSupply, totalAssets, mode)
}

// ConvertToAssets converts shares to assets at the current exchange rate.
func (v *YieldVault) ConvertToAssets(shares, totalAssets, totalSupply *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	if totalSupply.IsZero() {
		return new(uint256.Int).Set(shares), nil
	}
	return fpmath.MulDiv(shares, totalAssets, totalSupply, mode)
}

// CheckMinShares rejects a resulting share supply in (0, minShares).
func (v *YieldVault) CheckMinShares(supply *uint256.Int) error {
	if !supply.IsZero() && supply.Lt(v.minShares) {
		return fmt.Errorf("share supply %s below %s: %w", supply.Dec(), v.minShares.Dec(), ErrMinSharesViolation)
	}
	return nil
}

func (v *YieldVault) MinShares() *uint256.Int {
	return new(uint256.Int).Set(v.minShares)
}

// CooldownEnabled reports whether exits must go through the silo.
func (v *YieldVault) CooldownEnabled() bool {
	return v.cooldownDuration > 0
}

func (v *YieldVault) CooldownDuration() time.Duration {
	return v.cooldownDuration
}

func (v *YieldVault) SetCooldownDuration(d time.Duration) error {
	if d < 0 || d > MaxCooldownDuration {
		return fmt.Errorf("cooldown %s outside [0, %s]: %w", d, MaxCooldownDuration, ErrInvalidAmount)
	}
	if d == v.cooldownDuration {
		return fmt.Errorf("cooldown %s: %w", d, ErrAlreadySet)
	}
	v.cooldownDuration = d
	return nil
}

func (v *YieldVault) TaxPerThousand() uint64 {
	return v.taxPerThousand
}

func (v *YieldVault) SetTaxPerThousand(parts uint64) error {
	if parts > 1000 {
		return fmt.Errorf("reward tax %d/1000: %w", parts, ErrInvalidAmount)
	}
	if parts == v.taxPerThousand {
		return fmt.Errorf("reward tax %d/1000: %w", parts, ErrAlreadySet)
	}
	v.taxPerThousand = parts
	return nil
}

// SplitReward divides a reward into the fee collector's tax and the part
// that accrues to the vault.
func (v *YieldVault) SplitReward(amount *uint256.Int) (tax, net *uint256.Int, err error) {
	tax, err = fpmath.PerThousand(amount, v.taxPerThousand)
	if err != nil {
		return nil, nil, err
	}
	return tax, new(uint256.Int).Sub(amount, tax), nil
}

// StartCooldown adds assets to user's cooldown and restarts the timer.
func (v *YieldVault) StartCooldown(user common.Address, assets *uint256.Int, now time.Time) UserCooldown {
	cd, ok := v.cooldowns[user]
	if !ok {
		cd = &UserCooldown{UnderlyingAmount: new(uint256.Int)}
		v.cooldowns[user] = cd
	}
	cd.UnderlyingAmount.Add(cd.UnderlyingAmount, assets)
	cd.CooldownEnd = now.Add(v.cooldownDuration)
	return cd.copy()
}

// CheckUnstake returns the amount user may release from the silo. Setting
// the cooldown duration to zero releases everything immediately.
func (v *YieldVault) CheckUnstake(user common.Address, now time.Time) (*uint256.Int, error) {
	cd, ok := v.cooldowns[user]
	if !ok || cd.UnderlyingAmount.IsZero() {
		return nil, ErrNothingToUnstake
	}
	if v.cooldownDuration > 0 && now.Before(cd.CooldownEnd) {
		return nil, fmt.Errorf("cooldown ends %s: %w", cd.CooldownEnd.UTC().Format(time.RFC3339), ErrCooldownNotFinished)
	}
	return new(uint256.Int).Set(cd.UnderlyingAmount), nil
}

func (v *YieldVault) ClearCooldown(user common.Address) {
	delete(v.cooldowns, user)
}

// Cooldown returns user's cooldown; the zero amount means none.
func (v *YieldVault) Cooldown(user common.Address) UserCooldown {
	cd, ok := v.cooldowns[user]
	if !ok {
		return UserCooldown{UnderlyingAmount: new(uint256.Int)}
	}
	return cd.copy()
}

// CooldownTotal sums every outstanding cooldown amount. It must equal the
// silo balance.
func (v *YieldVault) CooldownTotal() *uint256.Int {
	total := new(uint256.Int)
	for _, cd := range v.cooldowns {
		total.Add(total, cd.UnderlyingAmount)
	}
	return total
}

func (cd *UserCooldown) copy() UserCooldown {
	return UserCooldown{
		CooldownEnd:      cd.CooldownEnd,
		UnderlyingAmount: new(uint256.Int).Set(cd.UnderlyingAmount),
	}
}

type VaultSnapshot struct {
	MinShares        *uint256.Int                    `json:"min_shares"`
	CooldownDuration time.Duration                   `json:"cooldown_duration"`
	TaxPerThousand   uint64                          `json:"tax_per_thousand"`
	Cooldowns        map[common.Address]UserCooldown `json:"cooldowns"`
}

func (v *YieldVault) Snapshot() VaultSnapshot {
	snap := VaultSnapshot{
		MinShares:        new(uint256.Int).Set(v.minShares),
		CooldownDuration: v.cooldownDuration,
		TaxPerThousand:   v.taxPerThousand,
		Cooldowns:        make(map[common.Address]UserCooldown, len(v.cooldowns)),
	}
	for user, cd := range v.cooldowns {
		snap.Cooldowns[user] = cd.copy()
	}
	return snap
}

func (v *YieldVault) Load(snap VaultSnapshot) {
	v.minShares = new(uint256.Int).Set(snap.MinShares)
	v.cooldownDuration = snap.CooldownDuration
	v.taxPerThousand = snap.TaxPerThousand
	v.cooldowns = make(map[common.Address]*UserCooldown, len(snap.Cooldowns))
	for user, cd := range snap.Cooldowns {
		c := cd.copy()
		v.cooldowns[user] = &c
	}
}
