package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"msusd/internal/core"
)

var (
	snapshotPrefix = []byte("snap/")
	verifiedPrefix = []byte("verified/")
)

// PebbleSnapshotStore keeps snapshots in a local Pebble database, keyed by
// big-endian sequence so iteration order is sequence order.
type PebbleSnapshotStore struct {
	db *pebble.DB
}

func OpenPebbleSnapshotStore(path string) (*PebbleSnapshotStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache: pebble.NewCache(8 << 20),
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleSnapshotStore{db: db}, nil
}

func sequenceKey(prefix []byte, sequence int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(sequence))
	return key
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func (s *PebbleSnapshotStore) Save(_ context.Context, snap *core.SnapshotState) (int, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(sequenceKey(snapshotPrefix, snap.Sequence), data, nil); err != nil {
		return 0, err
	}
	if err := batch.Delete(sequenceKey(verifiedPrefix, snap.Sequence), nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

func (s *PebbleSnapshotStore) LoadLatest(_ context.Context) (*core.SnapshotState, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapshotPrefix,
		UpperBound: prefixUpperBound(snapshotPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, iter.Error()
	}
	value, err := iter.ValueAndErr()
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(value)
}

func (s *PebbleSnapshotStore) MarkVerified(_ context.Context, sequence int64) error {
	_, closer, err := s.db.Get(sequenceKey(snapshotPrefix, sequence))
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("snapshot %d not found", sequence)
	}
	if err != nil {
		return err
	}
	closer.Close()
	return s.db.Set(sequenceKey(verifiedPrefix, sequence), []byte{1}, pebble.Sync)
}

// Verified reports whether the snapshot at sequence was marked verified.
func (s *PebbleSnapshotStore) Verified(sequence int64) (bool, error) {
	_, closer, err := s.db.Get(sequenceKey(verifiedPrefix, sequence))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Prune keeps the newest retain snapshots.
func (s *PebbleSnapshotStore) Prune(_ context.Context, retain int) error {
	if retain <= 0 {
		return nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapshotPrefix,
		UpperBound: prefixUpperBound(snapshotPrefix),
	})
	if err != nil {
		return err
	}
	var stale [][]byte
	kept := 0
	for valid := iter.Last(); valid; valid = iter.Prev() {
		if kept < retain {
			kept++
			continue
		}
		stale = append(stale, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range stale {
		seq := int64(binary.BigEndian.Uint64(key[len(snapshotPrefix):]))
		if err := batch.Delete(key, nil); err != nil {
			return err
		}
		if err := batch.Delete(sequenceKey(verifiedPrefix, seq), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleSnapshotStore) Close() error {
	return s.db.Close()
}
