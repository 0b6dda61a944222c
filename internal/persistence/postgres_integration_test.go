package persistence_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"msusd/internal/persistence"
	"msusd/internal/testutil"
	"msusd/migrations"
)

func TestPostgresEventLog_RoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, migrations.Files).Up(ctx)
	require.NoError(t, err)

	reader := persistence.NewEventLogReader(db)
	latest, err := reader.LatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), latest)

	live, persist := newCore(t)
	outs := run(t, live, persist, workload())
	records := make([]persistence.Record, 0, len(outs))
	for _, o := range outs {
		records = append(records, persistence.NewRecord(o))
	}

	writer := persistence.NewEventLogWriter(db)
	require.NoError(t, writer.WriteRecords(ctx, records))
	// Idempotent on sequence and journal id.
	require.NoError(t, writer.WriteRecords(ctx, records))

	latest, err = reader.LatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(outs)-1), latest)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(ctx, "BridgeCredit", "bridge:m-1")
	require.NoError(t, err)
	require.True(t, dup)
	dup, err = checker.IsDuplicate(ctx, "BridgeDebit", "bridge:m-1")
	require.NoError(t, err)
	require.False(t, dup)

	store := persistence.NewPostgresSnapshotStore(db)
	_, err = store.Save(ctx, live.CreateSnapshotState())
	require.NoError(t, err)

	recovered, _ := newCore(t)
	res, err := persistence.Recover(ctx, recovered, store, reader, 2)
	require.NoError(t, err)
	require.Equal(t, live.StateHash(), res.StateHash)
	require.Zero(t, res.Replayed)

	envs, err := reader.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, envs, len(outs))
	for i, env := range envs {
		require.Equal(t, outs[i].Envelope.StateHash, env.StateHash)
		require.Equal(t, outs[i].Envelope.EventType, env.EventType)
		require.Equal(t, outs[i].Envelope.Caller, env.Caller)
	}

	fresh, _ := newCore(t)
	res, err = persistence.Recover(ctx, fresh, nil, reader, 0)
	require.NoError(t, err)
	require.Equal(t, live.StateHash(), res.StateHash)
}
