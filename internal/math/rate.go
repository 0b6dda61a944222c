package math

import (
	"time"

	"github.com/holiman/uint256"
)

// Year is the annualisation period used for APR samples.
const Year = 365 * 24 * time.Hour

// AnnualizedRate returns gain/base scaled to a year, as a WAD fraction
// (1e18 == 100%). Rounds down.
func AnnualizedRate(gain, base *uint256.Int, elapsed time.Duration) (*uint256.Int, error) {
	if base.IsZero() || elapsed <= 0 {
		return nil, ErrDivisionByZero
	}

	// gain * WAD / base gives the per-period return.
	periodic, err := MulDiv(gain, WAD, base, RoundDown)
	if err != nil {
		return nil, err
	}

	return MulDiv(
		periodic,
		uint256.NewInt(uint64(Year)),
		uint256.NewInt(uint64(elapsed)),
		RoundDown,
	)
}

// EMA blends a new sample into the running average with weight
// alphaPerThousand/1000.
func EMA(prev, sample *uint256.Int, alphaPerThousand uint64) (*uint256.Int, error) {
	if alphaPerThousand > 1000 {
		alphaPerThousand = 1000
	}

	weighted, err := PerThousand(sample, alphaPerThousand)
	if err != nil {
		return nil, err
	}
	carried, err := PerThousand(prev, 1000-alphaPerThousand)
	if err != nil {
		return nil, err
	}
	return Add(weighted, carried)
}
