package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"msusd/internal/core"
	"msusd/internal/ledger"
	"msusd/internal/observability"
	"msusd/internal/state"
)

const watermarkName = "main"

// BalanceRow is one account's absolute balance after a sequence.
type BalanceRow struct {
	AccountPath string
	Scope       string
	Owner       *string
	SubType     string
	Asset       string
	Balance     string
}

// RedemptionRow is one redemption request after a sequence.
type RedemptionRow struct {
	User           string
	RequestID      uint64
	Asset          string
	Amount         string
	Claimed        string
	ClaimableAfter time.Time
	Settled        bool
}

// Update is everything one sequence changes in the projections.
type Update struct {
	Sequence    int64
	Balances    []BalanceRow
	Redemptions []RedemptionRow
}

func balanceRow(key ledger.AccountKey, balance string) BalanceRow {
	row := BalanceRow{
		AccountPath: key.AccountPath(),
		Scope:       key.ScopeName(),
		SubType:     key.SubTypeName(),
		Asset:       key.Asset.Hex(),
		Balance:     balance,
	}
	if key.Scope == ledger.AccountScopeUser {
		owner := key.Owner.Hex()
		row.Owner = &owner
	}
	return row
}

func redemptionRow(user common.Address, req state.RedemptionRequest) RedemptionRow {
	return RedemptionRow{
		User:           user.Hex(),
		RequestID:      req.ID,
		Asset:          req.Asset.Hex(),
		Amount:         req.Amount.Dec(),
		Claimed:        req.Claimed.Dec(),
		ClaimableAfter: req.ClaimableAfter,
		Settled:        req.Settled(),
	}
}

// NewUpdate extracts projection rows from a core output. External boundary
// accounts are not projected.
func NewUpdate(out core.CoreOutput) Update {
	u := Update{Sequence: out.Envelope.Sequence}
	for _, b := range out.Balances {
		if b.Key.IsExternal() {
			continue
		}
		u.Balances = append(u.Balances, balanceRow(b.Key, b.Balance.Dec()))
	}
	for _, r := range out.Redemptions {
		u.Redemptions = append(u.Redemptions, redemptionRow(r.User, r.Request))
	}
	return u
}

// UpdateFromSnapshot renders a full core snapshot as one update.
func UpdateFromSnapshot(snap *core.SnapshotState) (Update, error) {
	u := Update{Sequence: snap.Sequence - 1}
	for path, bal := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return u, err
		}
		if key.IsExternal() {
			continue
		}
		u.Balances = append(u.Balances, balanceRow(key, bal.Dec()))
	}
	for user, reqs := range snap.Redemptions.Requests {
		for _, req := range reqs {
			u.Redemptions = append(u.Redemptions, redemptionRow(user, req))
		}
	}
	return u, nil
}

// ProjectionWorker updates projection tables from applied commands. The
// projection channel drops when full, so a sequence gap triggers a rebuild
// from a fresh core snapshot.
type ProjectionWorker struct {
	db       *sql.DB
	input    <-chan core.CoreOutput
	snapshot func() *core.SnapshotState
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSeq int64
}

// NewProjectionWorker builds a worker. snapshot may be nil, in which case
// gaps are logged and left for an offline rebuild.
func NewProjectionWorker(db *sql.DB, input <-chan core.CoreOutput, snapshot func() *core.SnapshotState, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:       db,
		input:    input,
		snapshot: snapshot,
		metrics:  metrics,
		logger:   observability.NewLogger("projection"),
		lastSeq:  -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if seq, err := Watermark(ctx, pw.db); err == nil {
		pw.lastSeq = seq
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case out, ok := <-pw.input:
			if !ok {
				return nil
			}
			seq := out.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq != pw.lastSeq+1 && pw.snapshot != nil {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).Msg("projection gap, rebuilding")
				if err := pw.rebuild(ctx); err != nil {
					pw.logger.Error().Err(err).Msg("projection rebuild failed")
				}
				if seq <= pw.lastSeq {
					continue
				}
			}
			if err := pw.apply(ctx, NewUpdate(out)); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
		}
	}
}

func (pw *ProjectionWorker) rebuild(ctx context.Context) error {
	u, err := UpdateFromSnapshot(pw.snapshot())
	if err != nil {
		return err
	}
	if err := Rebuild(ctx, pw.db, u); err != nil {
		return err
	}
	pw.lastSeq = u.Sequence
	return nil
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := writeUpdate(ctx, tx, u); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = u.Sequence
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
	}
	return nil
}

func writeUpdate(ctx context.Context, tx *sql.Tx, u Update) error {
	// Rows carry absolute values; the sequence guard keeps a late write
	// from overwriting a newer one.
	for _, b := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, scope, owner, sub_type, asset, balance, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (account_path) DO UPDATE
				SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
				WHERE projections.balances.last_sequence < EXCLUDED.last_sequence
		`, b.AccountPath, b.Scope, b.Owner, b.SubType, b.Asset, b.Balance, u.Sequence); err != nil {
			return fmt.Errorf("balance %s: %w", b.AccountPath, err)
		}
	}
	for _, r := range u.Redemptions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.redemptions
				(user_address, request_id, asset, amount, claimed, claimable_after, settled, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_address, request_id) DO UPDATE
				SET claimed = EXCLUDED.claimed, settled = EXCLUDED.settled, last_sequence = EXCLUDED.last_sequence
				WHERE projections.redemptions.last_sequence < EXCLUDED.last_sequence
		`, r.User, int64(r.RequestID), r.Asset, r.Amount, r.Claimed, r.ClaimableAfter, r.Settled, u.Sequence); err != nil {
			return fmt.Errorf("redemption %s/%d: %w", r.User, r.RequestID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermarks (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.watermarks.last_sequence < EXCLUDED.last_sequence
	`, watermarkName, u.Sequence); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	return nil
}

// Rebuild replaces every projection table with the contents of u.
func Rebuild(ctx context.Context, db *sql.DB, u Update) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.redemptions`,
		`DELETE FROM projections.watermarks WHERE projection = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	if err := writeUpdate(ctx, tx, u); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log := observability.NewLogger("projection")
	log.Info().
		Int64("sequence", u.Sequence).
		Int("accounts", len(u.Balances)).
		Int("redemptions", len(u.Redemptions)).
		Msg("projection rebuild complete")
	return nil
}

// Watermark returns the last sequence the projections reflect, or -1.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermarks WHERE projection = $1`, watermarkName,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}
