package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables and the
// event log. Projection responses carry as_of_sequence: the last sequence
// the projections reflect.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ClampLimit maps a requested page size onto [1, MaxLimit], zero meaning
// DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// GetRedemptions returns a user's redemption requests in request order.
// Settled requests are included only when includeSettled is set.
func (qs *QueryService) GetRedemptions(ctx context.Context, user common.Address, asset *common.Address, includeSettled bool) (*RedemptionsResponse, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT request_id, asset, amount::text, claimed::text, claimable_after, settled, last_sequence
		FROM projections.redemptions
		WHERE user_address = $1
	`
	args := []interface{}{user.Hex()}
	if asset != nil {
		args = append(args, asset.Hex())
		query += fmt.Sprintf(" AND asset = $%d", len(args))
	}
	if !includeSettled {
		query += " AND NOT settled"
	}
	query += " ORDER BY request_id"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &RedemptionsResponse{User: user.Hex(), Requests: []RedemptionEntry{}, AsOfSequence: asOf}
	for rows.Next() {
		var r RedemptionEntry
		var id int64
		if err := rows.Scan(&id, &r.Asset, &r.Amount, &r.Claimed, &r.ClaimableAfter, &r.Settled, &r.LastSequence); err != nil {
			return nil, err
		}
		r.RequestID = uint64(id)
		r.ClaimableAfter = r.ClaimableAfter.UTC()
		resp.Requests = append(resp.Requests, r)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching any account of user,
// newest first. beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	user common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := "user:" + user.Hex() + ":%"

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}

	if beforeSequence != nil {
		args = append(args, *beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}

	args = append(args, ClampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEvent returns one entry of the event log.
func (qs *QueryService) GetEvent(ctx context.Context, sequence int64) (*EventRecord, error) {
	var (
		rec                 EventRecord
		payload             []byte
		stateHash, prevHash []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, payload, state_hash, prev_hash, timestamp
		FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(
		&rec.Sequence, &rec.EventType, &rec.IdempotencyKey, &rec.Caller,
		&payload, &stateHash, &prevHash, &rec.Timestamp,
	)
	if isNoRows(err) {
		return nil, fmt.Errorf("event %d: %w", sequence, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.StateHash = "0x" + hex.EncodeToString(stateHash)
	rec.PrevHash = "0x" + hex.EncodeToString(prevHash)
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the event log for sequence gaps and hash chain
// breaks, then re-derives every projected balance from the journal up to
// the projection watermark. Each list is capped at MaxLimit entries.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LatestSequence: -1}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), -1) FROM event_log.events`,
	).Scan(&report.LatestSequence); err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report.AsOfSequence = asOf

	report.SequenceGaps, err = qs.sequences(ctx, `
		SELECT e.sequence FROM event_log.events e
		WHERE e.sequence > 0
		  AND NOT EXISTS (SELECT 1 FROM event_log.events p WHERE p.sequence = e.sequence - 1)
		ORDER BY e.sequence
		LIMIT $1
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	report.HashChainBreaks, err = qs.sequences(ctx, `
		SELECT e.sequence FROM event_log.events e
		JOIN event_log.events p ON p.sequence = e.sequence - 1
		WHERE e.prev_hash <> p.state_hash
		ORDER BY e.sequence
		LIMIT $1
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	// Debits raise a balance, credits lower it. External accounts are
	// boundaries and never projected.
	rows, err := qs.db.QueryContext(ctx, `
		WITH flows AS (
			SELECT debit_account AS account_path, amount FROM event_log.journal
			WHERE sequence <= $1 AND debit_account NOT LIKE 'external:%'
			UNION ALL
			SELECT credit_account, -amount FROM event_log.journal
			WHERE sequence <= $1 AND credit_account NOT LIKE 'external:%'
		), derived AS (
			SELECT account_path, SUM(amount) AS balance FROM flows GROUP BY account_path
		)
		SELECT COALESCE(d.account_path, b.account_path),
		       COALESCE(d.balance, 0)::text, COALESCE(b.balance, 0)::text
		FROM derived d
		FULL OUTER JOIN projections.balances b ON b.account_path = d.account_path
		WHERE COALESCE(d.balance, 0) <> COALESCE(b.balance, 0)
		ORDER BY 1
		LIMIT $2
	`, asOf, MaxLimit)
	if err != nil {
		return nil, fmt.Errorf("balance drift: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d AccountDrift
		if err := rows.Scan(&d.AccountPath, &d.Journaled, &d.Projected); err != nil {
			return nil, err
		}
		report.BalanceDrift = append(report.BalanceDrift, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 &&
		len(report.HashChainBreaks) == 0 &&
		len(report.BalanceDrift) == 0
	return report, nil
}

// Watermark returns the last sequence the projections reflect, or -1.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	return qs.watermark(ctx)
}

// --- helpers ---

func (qs *QueryService) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermarks WHERE projection = 'main'
	`).Scan(&seq)
	if isNoRows(err) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query, MaxLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
