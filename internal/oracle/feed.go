package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"msusd/internal/event"
)

// FeedOracle serves the latest price published on a feed. Prices older than
// maxAge are refused.
type FeedOracle struct {
	id     string
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	latest *event.PriceUpdate
}

func NewFeedOracle(id string, maxAge time.Duration, now func() time.Time) *FeedOracle {
	if now == nil {
		now = time.Now
	}
	return &FeedOracle{id: id, maxAge: maxAge, now: now}
}

func (f *FeedOracle) ID() string {
	return f.id
}

func (f *FeedOracle) Quote(_ context.Context, _ common.Address) (*uint256.Int, uint8, error) {
	f.mu.RLock()
	latest := f.latest
	f.mu.RUnlock()

	if latest == nil {
		return nil, 0, fmt.Errorf("oracle %s: %w", f.id, ErrNoPrice)
	}
	if f.maxAge > 0 {
		if age := f.now().Sub(latest.PublishedAt); age > f.maxAge {
			return nil, 0, fmt.Errorf("oracle %s price is %s old: %w", f.id, age.Truncate(time.Second), ErrStalePrice)
		}
	}
	return new(uint256.Int).Set(latest.Rate), latest.Decimals, nil
}

func (f *FeedOracle) set(u *event.PriceUpdate) {
	f.mu.Lock()
	f.latest = u
	f.mu.Unlock()
}

// Feeds routes price updates to feed oracles after sequence validation.
type Feeds struct {
	mu        sync.RWMutex
	oracles   map[string]*FeedOracle
	sequencer *SequenceValidator
}

func NewFeeds() *Feeds {
	return &Feeds{
		oracles:   make(map[string]*FeedOracle),
		sequencer: NewSequenceValidator(),
	}
}

func (fs *Feeds) Add(f *FeedOracle) {
	fs.mu.Lock()
	fs.oracles[f.id] = f
	fs.mu.Unlock()
}

// Apply records u on its oracle. It returns false for stale sequences and
// reports whether a sequence gap was observed.
func (fs *Feeds) Apply(u *event.PriceUpdate) (applied, gap bool, err error) {
	if u.Rate == nil || u.Rate.IsZero() {
		return false, false, fmt.Errorf("oracle %s: zero rate", u.OracleID)
	}

	fs.mu.RLock()
	f, ok := fs.oracles[u.OracleID]
	fs.mu.RUnlock()
	if !ok {
		return false, false, fmt.Errorf("oracle %s: %w", u.OracleID, ErrUnknownOracle)
	}

	accept, gap := fs.sequencer.Accept(u.OracleID, u.Sequence)
	if !accept {
		return false, false, nil
	}
	cp := *u
	cp.Rate = new(uint256.Int).Set(u.Rate)
	f.set(&cp)
	return true, gap, nil
}

func (fs *Feeds) Sequencer() *SequenceValidator {
	return fs.sequencer
}
