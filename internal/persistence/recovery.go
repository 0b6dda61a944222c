package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/observability"
)

// EventSource pages envelopes out of the event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error)
}

// SequenceSource reports how far the event log is durable.
type SequenceSource interface {
	LatestSequence(ctx context.Context) (int64, error)
}

// RecoveryResult summarises a restore.
type RecoveryResult struct {
	SnapshotSequence int64 // -1 when starting from an empty state
	Replayed         int
	Sequence         int64
	StateHash        [32]byte
}

// Recover restores the latest snapshot (if any) into c, replays every later
// envelope and marks the snapshot verified once the replayed hashes match.
func Recover(ctx context.Context, c *core.DeterministicCore, store SnapshotStore, events EventSource, pageSize int) (RecoveryResult, error) {
	logger := observability.NewLogger("recovery")
	res := RecoveryResult{SnapshotSequence: -1}

	var snap *core.SnapshotState
	if store != nil {
		var err error
		snap, err = store.LoadLatest(ctx)
		if err != nil {
			return res, err
		}
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return res, err
		}
		res.SnapshotSequence = snap.Sequence
	} else {
		logger.Info().Msg("no snapshot found, replaying from sequence 0")
	}

	replayed, err := ReplayLog(ctx, c, events, pageSize, logger)
	res.Replayed = replayed
	if err != nil {
		return res, err
	}

	if snap != nil {
		if err := store.MarkVerified(ctx, snap.Sequence); err != nil {
			return res, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
		}
	}
	res.Sequence = c.Sequence()
	res.StateHash = c.StateHash()

	logger.Info().
		Int64("snapshot", res.SnapshotSequence).
		Int("replayed", res.Replayed).
		Int64("sequence", res.Sequence).
		Hex("state_hash", res.StateHash[:]).
		Msg("recovery complete")
	return res, nil
}

// ReplayLog feeds every envelope from the core's current sequence onwards
// through Replay, which checks each recorded state hash.
func ReplayLog(ctx context.Context, c *core.DeterministicCore, events EventSource, pageSize int, logger zerolog.Logger) (int, error) {
	if pageSize <= 0 {
		pageSize = 10_000
	}
	replayed := 0
	for {
		from := c.Sequence()
		page, err := events.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, env := range page {
			if err := c.Replay(ctx, env); err != nil {
				return replayed, err
			}
			replayed++
		}
		if len(page) < pageSize {
			return replayed, nil
		}
		logger.Info().Int64("sequence", c.Sequence()).Int("replayed", replayed).Msg("replay progress")
	}
}

// Snapshotter writes a snapshot every interval applied commands.
type Snapshotter struct {
	core     *core.DeterministicCore
	store    SnapshotStore
	durable  SequenceSource
	interval int64
	retain   int
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu           sync.Mutex // serializes Take
	lastSequence int64
}

func NewSnapshotter(c *core.DeterministicCore, store SnapshotStore, durable SequenceSource, interval int64, retain int, metrics *observability.Metrics) *Snapshotter {
	return &Snapshotter{
		core:         c,
		store:        store,
		durable:      durable,
		interval:     interval,
		retain:       retain,
		metrics:      metrics,
		logger:       observability.NewLogger("snapshotter"),
		lastSequence: c.Sequence(),
	}
}

// Run polls the core's sequence and snapshots whenever it has advanced by
// the interval.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.core.Sequence()-s.LastSequence() < s.interval {
				continue
			}
			if err := s.Take(ctx); err != nil {
				s.logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// Take snapshots the core now. The snapshot is only saved once every event
// it covers is durable in the event log, so a crash never leaves a snapshot
// ahead of the log.
func (s *Snapshotter) Take(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	snap := s.core.CreateSnapshotState()

	if s.durable != nil && snap.Sequence > 0 {
		if err := s.waitDurable(ctx, snap.Sequence-1); err != nil {
			return err
		}
	}

	size, err := s.store.Save(ctx, snap)
	if err != nil {
		return err
	}
	if err := s.store.Prune(ctx, s.retain); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot prune failed")
	}
	s.lastSequence = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

// LastSequence is the sequence of the last snapshot taken.
func (s *Snapshotter) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

func (s *Snapshotter) waitDurable(ctx context.Context, sequence int64) error {
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	for {
		latest, err := s.durable.LatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("check durable sequence: %w", err)
		}
		if latest >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("event log at %d, snapshot needs %d", latest, sequence)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
