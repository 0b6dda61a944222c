package query

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"msusd/internal/ledger"
)

// GetBalances returns every projected account of owner: msUSD, vault shares
// and collateral wallets.
func (qs *QueryService) GetBalances(ctx context.Context, owner common.Address) (*BalancesResponse, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, sub_type, asset, balance::text, last_sequence
		FROM projections.balances
		WHERE owner = $1 AND balance > 0
		ORDER BY account_path
	`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{Owner: owner.Hex(), Balances: []BalanceEntry{}, AsOfSequence: asOf}
	for rows.Next() {
		var b BalanceEntry
		if err := rows.Scan(&b.AccountPath, &b.SubType, &b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetBalance returns owner's wallet balance of one token. Accounts that were
// never touched read as zero.
func (qs *QueryService) GetBalance(ctx context.Context, owner, token common.Address) (*BalanceEntry, int64, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewWalletKey(owner, token).AccountPath()
	b := &BalanceEntry{AccountPath: path, SubType: "wallet", Asset: token.Hex(), Balance: "0", LastSequence: -1}
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::text, last_sequence FROM projections.balances WHERE account_path = $1
	`, path).Scan(&b.Balance, &b.LastSequence)
	if err != nil && !isNoRows(err) {
		return nil, 0, err
	}
	return b, asOf, nil
}

// SystemBalances returns the protocol accounts such as the engine, vault
// and silo for every asset.
func (qs *QueryService) SystemBalances(ctx context.Context) ([]SystemBalance, int64, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, sub_type, asset, balance::text
		FROM projections.balances
		WHERE scope = 'system'
		ORDER BY sub_type, asset
	`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []SystemBalance{}
	for rows.Next() {
		var b SystemBalance
		if err := rows.Scan(&b.AccountPath, &b.SubType, &b.Asset, &b.Balance); err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, asOf, rows.Err()
}
