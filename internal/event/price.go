package event

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// PriceUpdate is a feed observation consumed by feed-backed oracles. It is
// not a core command.
type PriceUpdate struct {
	OracleID    string       `json:"oracle_id"`
	Rate        *uint256.Int `json:"rate"`
	Decimals    uint8        `json:"decimals"`
	Sequence    int64        `json:"sequence"` // Monotonic per oracle
	PublishedAt time.Time    `json:"published_at"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.OracleID, p.Sequence)
}
