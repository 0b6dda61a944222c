package core

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"msusd/internal/event"
	"msusd/internal/ledger"
	"msusd/internal/state"
)

// SnapshotState is the complete in-memory state at one sequence. Restoring
// it and replaying every later envelope reproduces the live core exactly.
type SnapshotState struct {
	Sequence        int64                     `json:"sequence"`
	StateHash       common.Hash               `json:"state_hash"`
	Balances        map[string]*uint256.Int   `json:"balances"` // AccountPath -> balance
	Assets          []state.AssetInfo         `json:"assets"`
	Redemptions     state.RedemptionSnapshot  `json:"redemptions"`
	Vault           state.VaultSnapshot       `json:"vault"`
	Rebase          state.RebaseSnapshot      `json:"rebase"`
	Rates           state.RateHistorySnapshot `json:"rates"`
	Roles           state.RolesSnapshot       `json:"roles"`
	SupplyLimit     *uint256.Int              `json:"supply_limit"`
	FeeCollector    common.Address            `json:"fee_collector"`
	IdempotencyKeys []string                  `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time                 `json:"created_at"`
}

// CreateSnapshotState captures the core under the read lock.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	balances := make(map[string]*uint256.Int)
	for key, bal := range c.balances.Snapshot() {
		if bal.IsZero() {
			continue
		}
		balances[key.AccountPath()] = bal
	}

	return &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       common.Hash(c.hasher.GetPrevHash()),
		Balances:        balances,
		Assets:          c.assets.List(),
		Redemptions:     c.redemptions.Snapshot(),
		Vault:           c.vault.Snapshot(),
		Rebase:          c.rebase.Snapshot(),
		Rates:           c.rates.Snapshot(),
		Roles:           c.roles.Snapshot(),
		SupplyLimit:     c.supplyLimit.Limit(),
		FeeCollector:    c.feeCollector,
		IdempotencyKeys: c.idempotency.Keys(),
		CreatedAt:       c.clock().UTC(),
	}
}

// RestoreFromSnapshot replaces all state. It must run before the core
// accepts commands.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	balances := make(map[ledger.AccountKey]*uint256.Int, len(snap.Balances))
	for path, bal := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		if bal == nil {
			return fmt.Errorf("restore balances: nil balance for %s", path)
		}
		balances[key] = bal
	}
	if snap.SupplyLimit == nil {
		return fmt.Errorf("restore: snapshot %d has no supply limit", snap.Sequence)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	roles := state.NewRoles(c.cfg.Owner)
	if err := roles.Load(snap.Roles); err != nil {
		return fmt.Errorf("restore roles: %w", err)
	}

	c.balances.Restore(balances)
	c.assets.Load(snap.Assets)
	c.redemptions.Load(snap.Redemptions)
	c.vault.Load(snap.Vault)
	c.rebase.Load(snap.Rebase)
	c.rates.Load(snap.Rates)
	c.roles = roles
	c.supplyLimit = state.NewSupplyLimit(snap.SupplyLimit)
	c.feeCollector = snap.FeeCollector
	c.sequence = snap.Sequence
	c.hasher.SetPrevHash(snap.StateHash)
	c.idempotency.Warm(snap.IdempotencyKeys)

	if err := c.verifyRestored(); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("accounts", len(balances)).
		Int("assets", len(snap.Assets)).
		Msg("state restored from snapshot")
	return nil
}

// verifyRestored runs the post-command invariants plus the cross-checks
// that only matter for loaded data.
func (c *DeterministicCore) verifyRestored() error {
	if err := c.validator.ValidateSupplyConsistency(); err != nil {
		return err
	}
	for _, info := range c.assets.List() {
		if got, want := c.redemptions.PendingClaims(info.Asset), c.redemptions.ComputePending(info.Asset); !got.Eq(want) {
			return fmt.Errorf("pending claims for %s: tracked %s, recomputed %s", info.Asset.Hex(), got.Dec(), want.Dec())
		}
	}
	return c.postCheckInvariants()
}

// WarmLRU seeds the in-memory idempotency tier with keys persisted after
// the snapshot was taken.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.Warm(keys)
}

// Replay re-applies a persisted envelope. Envelopes at or below the
// restored position are skipped; a gap or a state hash that differs from
// the recorded one is fatal to recovery.
func (c *DeterministicCore) Replay(ctx context.Context, env *event.EventEnvelope) error {
	ctx, err := c.enter(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence < c.sequence {
		return nil
	}
	if env.Sequence > c.sequence {
		return fmt.Errorf("replay gap: expected sequence %d, got %d", c.sequence, env.Sequence)
	}

	cmd, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay %d: %w", env.Sequence, err)
	}
	out, _, err := c.apply(ctx, cmd, modeReplay)
	if err != nil {
		return fmt.Errorf("replay %d (%s): %w", env.Sequence, env.EventType, err)
	}
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("replay %d: computed %x, recorded %x: %w",
			env.Sequence, out.Envelope.StateHash, env.StateHash, ErrHashMismatch)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}
