package state

import (
	"time"

	"github.com/holiman/uint256"

	fpmath "msusd/internal/math"
)

const (
	DefaultRateHistorySize      = 32
	DefaultRateAlphaPerThousand = 200
)

// RateHistory keeps the last N annualised yield samples of the vault in a
// ring buffer together with an exponential moving average.
type RateHistory struct {
	samples []RateSample
	next    int
	count   int
	ema     *uint256.Int
	alpha   uint64
	lastAt  time.Time
}

// RateSample is one APR observation, WAD scaled.
type RateSample struct {
	At  time.Time    `json:"at"`
	APR *uint256.Int `json:"apr"`
}

func NewRateHistory(size int, alphaPerThousand uint64) *RateHistory {
	if size <= 0 {
		size = DefaultRateHistorySize
	}
	if alphaPerThousand == 0 || alphaPerThousand > 1000 {
		alphaPerThousand = DefaultRateAlphaPerThousand
	}
	return &RateHistory{
		samples: make([]RateSample, size),
		ema:     new(uint256.Int),
		alpha:   alphaPerThousand,
	}
}

// Touch starts the measurement window if none is open.
func (h *RateHistory) Touch(now time.Time) {
	if h.lastAt.IsZero() {
		h.lastAt = now
	}
}

// Record adds the APR implied by gain on base since the previous sample.
// It returns false when no time has elapsed or base is zero.
func (h *RateHistory) Record(gain, base *uint256.Int, now time.Time) (*uint256.Int, bool, error) {
	if h.lastAt.IsZero() || base.IsZero() {
		h.lastAt = now
		return nil, false, nil
	}
	elapsed := now.Sub(h.lastAt)
	if elapsed <= 0 {
		return nil, false, nil
	}

	apr, err := fpmath.AnnualizedRate(gain, base, elapsed)
	if err != nil {
		return nil, false, err
	}
	if h.count == 0 {
		h.ema = new(uint256.Int).Set(apr)
	} else {
		ema, err := fpmath.EMA(h.ema, apr, h.alpha)
		if err != nil {
			return nil, false, err
		}
		h.ema = ema
	}

	h.samples[h.next] = RateSample{At: now, APR: apr}
	h.next = (h.next + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
	h.lastAt = now
	return new(uint256.Int).Set(apr), true, nil
}

// Samples returns the buffered samples oldest first.
func (h *RateHistory) Samples() []RateSample {
	out := make([]RateSample, 0, h.count)
	start := (h.next - h.count + len(h.samples)) % len(h.samples)
	for i := 0; i < h.count; i++ {
		s := h.samples[(start+i)%len(h.samples)]
		out = append(out, RateSample{At: s.At, APR: new(uint256.Int).Set(s.APR)})
	}
	return out
}

// Latest returns the most recent APR, or zero.
func (h *RateHistory) Latest() *uint256.Int {
	if h.count == 0 {
		return new(uint256.Int)
	}
	last := (h.next - 1 + len(h.samples)) % len(h.samples)
	return new(uint256.Int).Set(h.samples[last].APR)
}

func (h *RateHistory) EMA() *uint256.Int {
	return new(uint256.Int).Set(h.ema)
}

type RateHistorySnapshot struct {
	Size    int          `json:"size"`
	Alpha   uint64       `json:"alpha"`
	Samples []RateSample `json:"samples"`
	EMA     *uint256.Int `json:"ema"`
	LastAt  time.Time    `json:"last_at"`
}

func (h *RateHistory) Snapshot() RateHistorySnapshot {
	return RateHistorySnapshot{
		Size:    len(h.samples),
		Alpha:   h.alpha,
		Samples: h.Samples(),
		EMA:     h.EMA(),
		LastAt:  h.lastAt,
	}
}

func (h *RateHistory) Load(snap RateHistorySnapshot) {
	fresh := NewRateHistory(snap.Size, snap.Alpha)
	for _, s := range snap.Samples {
		fresh.samples[fresh.next] = RateSample{At: s.At, APR: new(uint256.Int).Set(s.APR)}
		fresh.next = (fresh.next + 1) % len(fresh.samples)
		if fresh.count < len(fresh.samples) {
			fresh.count++
		}
	}
	if snap.EMA != nil {
		fresh.ema = new(uint256.Int).Set(snap.EMA)
	}
	fresh.lastAt = snap.LastAt
	*h = *fresh
}
