package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// TokenDecimals is the canonical precision of msUSD and vault shares.
const TokenDecimals uint8 = 18

// maxPow10 is the largest power of ten that fits in 256 bits.
const maxPow10 = 77

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrUnderflow      = errors.New("fixed-point underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// RoundingMode selects the direction of the final integer division.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

var (
	one    = uint256.NewInt(1)
	pow10s [maxPow10 + 1]uint256.Int

	// WAD is 1e18, the unit used for indices, prices and rates.
	WAD = uint256.NewInt(1_000_000_000_000_000_000)
)

func init() {
	pow10s[0].SetUint64(1)
	ten := uint256.NewInt(10)
	for i := 1; i <= maxPow10; i++ {
		pow10s[i].Mul(&pow10s[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n.
func Pow10(n uint8) (*uint256.Int, error) {
	if int(n) > maxPow10 {
		return nil, fmt.Errorf("10^%d: %w", n, ErrOverflow)
	}
	return new(uint256.Int).Set(&pow10s[n]), nil
}

// MulDiv computes x*y/d with a 512-bit intermediate product and the
// requested rounding on the final division.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			if _, overflow := z.AddOverflow(z, one); overflow {
				return nil, ErrOverflow
			}
		}
	}

	return z, nil
}

// Normalize rescales an amount between two decimal precisions. Scaling up
// is exact; scaling down divides with the given rounding.
func Normalize(amount *uint256.Int, from, to uint8, mode RoundingMode) (*uint256.Int, error) {
	switch {
	case from == to:
		return new(uint256.Int).Set(amount), nil
	case from < to:
		factor, err := Pow10(to - from)
		if err != nil {
			return nil, err
		}
		z, overflow := new(uint256.Int).MulOverflow(amount, factor)
		if overflow {
			return nil, ErrOverflow
		}
		return z, nil
	default:
		factor, err := Pow10(from - to)
		if err != nil {
			return nil, err
		}
		return MulDiv(amount, one, factor, mode)
	}
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y or ErrUnderflow when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	if x.Lt(y) {
		return nil, ErrUnderflow
	}
	return new(uint256.Int).Sub(x, y), nil
}

// SubFloor returns max(0, x-y).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// PerThousand returns amount * parts / 1000, rounded down.
func PerThousand(amount *uint256.Int, parts uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(parts), uint256.NewInt(1000), RoundDown)
}

// ParseAmount parses a base-10 or 0x-prefixed hex integer.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(fmt.Sprintf("parse amount %q: %v", s, err))
	}
	return v
}

// Units returns whole * 10^decimals.
func Units(whole uint64, decimals uint8) *uint256.Int {
	factor, err := Pow10(decimals)
	if err != nil {
		panic(err)
	}
	return new(uint256.Int).Mul(uint256.NewInt(whole), factor)
}
