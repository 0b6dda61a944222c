package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/ingestion"
	fpmath "msusd/internal/math"
	"msusd/internal/observability"
	"msusd/internal/persistence"
	"msusd/internal/projection"
	"msusd/internal/query"
	"msusd/internal/state"
)

// Deps holds the dependencies of the ledger service. Query, Snapshotter and
// DB may be nil; the methods that need them then return Unavailable.
type Deps struct {
	Core        *core.DeterministicCore
	Query       *query.QueryService
	Ingest      *ingestion.GRPCIngestService
	Snapshotter *persistence.Snapshotter
	DB          *sql.DB
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
}

// --- Requests ---

type Empty struct{}

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Command   json.RawMessage `json:"command"`
}

type OwnerRequest struct {
	Owner string `json:"owner"`
}

type RedemptionsRequest struct {
	User           string `json:"user"`
	Asset          string `json:"asset,omitempty"`
	IncludeSettled bool   `json:"include_settled,omitempty"`
}

type JournalRequest struct {
	User           string `json:"user"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type EventRequest struct {
	Sequence int64 `json:"sequence"`
}

type TokenRequest struct {
	Token string `json:"token"`
}

type AssetRequest struct {
	Asset string `json:"asset"`
}

type QuoteRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// --- Responses ---

type InjectPriceResponse struct {
	Applied bool `json:"applied"`
}

type JournalResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type SystemBalancesResponse struct {
	Balances     []query.SystemBalance `json:"balances"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

type QuoteResponse struct {
	AmountOut *uint256.Int `json:"amount_out"`
	OracleID  string       `json:"oracle_id"`
	Rate      *uint256.Int `json:"rate"`
	Decimals  uint8        `json:"decimals"`
}

type SupplyResponse struct {
	Token       string       `json:"token"`
	TotalSupply *uint256.Int `json:"total_supply"`
	SupplyLimit *uint256.Int `json:"supply_limit,omitempty"`
}

type VaultResponse struct {
	TotalAssets      *uint256.Int `json:"total_assets"`
	TotalShares      *uint256.Int `json:"total_shares"`
	MinShares        *uint256.Int `json:"min_shares"`
	CooldownDuration string       `json:"cooldown_duration"`
	TaxPerThousand   uint64       `json:"tax_per_thousand"`
	LatestAPR        *uint256.Int `json:"latest_apr"`
	EMAAPR           *uint256.Int `json:"ema_apr"`
}

type CooldownResponse struct {
	Owner            string       `json:"owner"`
	CooldownEnd      time.Time    `json:"cooldown_end"`
	UnderlyingAmount *uint256.Int `json:"underlying_amount"`
}

type AssetsResponse struct {
	Assets []state.AssetInfo `json:"assets"`
}

type RedemptionConfigResponse struct {
	Enabled       bool         `json:"enabled"`
	ClaimDelay    string       `json:"claim_delay"`
	Cap           *uint256.Int `json:"cap,omitempty"`
	PendingClaims *uint256.Int `json:"pending_claims"`
	Withdrawable  *uint256.Int `json:"withdrawable"`
}

type LedgerInfo struct {
	NextSequence       int64  `json:"next_sequence"`
	StateHash          string `json:"state_hash"`
	ProjectionSequence *int64 `json:"projection_sequence,omitempty"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildResponse struct {
	Sequence    int64 `json:"sequence"`
	Accounts    int   `json:"accounts"`
	Redemptions int   `json:"redemptions"`
}

// ledgerService implements the msusd.v1.Ledger RPCs. Commands go through
// the ingest service; reads come from the projections (eventually
// consistent) or the core (current).
type ledgerService struct {
	deps Deps
}

// --- Commands ---

func (s *ledgerService) Submit(ctx context.Context, req *SubmitRequest) (*ingestion.SubmitResult, error) {
	if req.EventType == "" {
		return nil, invalidArgument("event_type is required")
	}
	res, err := s.deps.Ingest.Submit(ctx, req.EventType, req.Command)
	return res, toStatus(err)
}

func (s *ledgerService) InjectPrice(ctx context.Context, req *event.PriceUpdate) (*InjectPriceResponse, error) {
	if req.OracleID == "" {
		return nil, invalidArgument("oracle_id is required")
	}
	applied, err := s.deps.Ingest.InjectPrice(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InjectPriceResponse{Applied: applied}, nil
}

// --- Projection reads ---

func (s *ledgerService) GetBalances(ctx context.Context, req *OwnerRequest) (*query.BalancesResponse, error) {
	qs, err := s.query()
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	res, err := qs.GetBalances(ctx, owner)
	return res, toStatus(err)
}

func (s *ledgerService) GetSystemBalances(ctx context.Context, _ *Empty) (*SystemBalancesResponse, error) {
	qs, err := s.query()
	if err != nil {
		return nil, err
	}
	balances, asOf, err := qs.SystemBalances(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SystemBalancesResponse{Balances: balances, AsOfSequence: asOf}, nil
}

func (s *ledgerService) GetRedemptions(ctx context.Context, req *RedemptionsRequest) (*query.RedemptionsResponse, error) {
	qs, err := s.query()
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	var asset *common.Address
	if req.Asset != "" {
		a, err := parseAddress("asset", req.Asset)
		if err != nil {
			return nil, err
		}
		asset = &a
	}
	res, err := qs.GetRedemptions(ctx, user, asset, req.IncludeSettled)
	return res, toStatus(err)
}

func (s *ledgerService) GetJournalHistory(ctx context.Context, req *JournalRequest) (*JournalResponse, error) {
	qs, err := s.query()
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	entries, err := qs.GetJournalHistory(ctx, user, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalResponse{Entries: entries}, nil
}

func (s *ledgerService) GetEvent(ctx context.Context, req *EventRequest) (*query.EventRecord, error) {
	qs, err := s.query()
	if err != nil {
		return nil, err
	}
	res, err := qs.GetEvent(ctx, req.Sequence)
	return res, toStatus(err)
}

// --- Live reads from the core ---

func (s *ledgerService) GetLedgerInfo(ctx context.Context, _ *Empty) (*LedgerInfo, error) {
	hash := s.deps.Core.StateHash()
	info := &LedgerInfo{
		NextSequence: s.deps.Core.Sequence(),
		StateHash:    "0x" + hex.EncodeToString(hash[:]),
	}
	if s.deps.Query != nil {
		seq, err := s.deps.Query.Watermark(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		info.ProjectionSequence = &seq
	}
	return info, nil
}

func (s *ledgerService) GetSupply(ctx context.Context, req *TokenRequest) (*SupplyResponse, error) {
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return nil, err
	}
	supply, err := s.deps.Core.TotalSupply(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	res := &SupplyResponse{Token: token.Hex(), TotalSupply: supply}
	if token == s.deps.Core.Config().MsUSD {
		if res.SupplyLimit, err = s.deps.Core.SupplyLimit(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return res, nil
}

func (s *ledgerService) GetVault(ctx context.Context, _ *Empty) (*VaultResponse, error) {
	v, err := s.deps.Core.Vault(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &VaultResponse{
		TotalAssets:      v.TotalAssets,
		TotalShares:      v.TotalShares,
		MinShares:        v.MinShares,
		CooldownDuration: v.CooldownDuration,
		TaxPerThousand:   v.TaxPerThousand,
		LatestAPR:        v.LatestAPR,
		EMAAPR:           v.EMAAPR,
	}, nil
}

func (s *ledgerService) GetCooldown(ctx context.Context, req *OwnerRequest) (*CooldownResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	cd, err := s.deps.Core.Cooldown(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	amount := cd.UnderlyingAmount
	if amount == nil {
		amount = new(uint256.Int)
	}
	return &CooldownResponse{Owner: owner.Hex(), CooldownEnd: cd.CooldownEnd, UnderlyingAmount: amount}, nil
}

func (s *ledgerService) ListAssets(ctx context.Context, _ *Empty) (*AssetsResponse, error) {
	assets, err := s.deps.Core.Assets(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if assets == nil {
		assets = []state.AssetInfo{}
	}
	return &AssetsResponse{Assets: assets}, nil
}

func (s *ledgerService) GetRedemptionConfig(ctx context.Context, req *AssetRequest) (*RedemptionConfigResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	cfg, err := s.deps.Core.RedemptionConfig(ctx, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	pending, err := s.deps.Core.PendingClaims(ctx, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	withdrawable, err := s.deps.Core.Withdrawable(ctx, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RedemptionConfigResponse{
		Enabled:       cfg.Enabled,
		ClaimDelay:    cfg.ClaimDelay,
		Cap:           cfg.Cap,
		PendingClaims: pending,
		Withdrawable:  withdrawable,
	}, nil
}

func (s *ledgerService) QuoteMint(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	return s.quote(ctx, req, s.deps.Core.QuoteMint)
}

func (s *ledgerService) QuoteRedeem(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	return s.quote(ctx, req, s.deps.Core.QuoteRedeem)
}

func (s *ledgerService) quote(
	ctx context.Context,
	req *QuoteRequest,
	fn func(context.Context, common.Address, *uint256.Int) (*core.MintResult, error),
) (*QuoteResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, invalidArgument("amount: %v", err)
	}
	res, err := fn(ctx, asset, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QuoteResponse{
		AmountOut: res.AmountOut,
		OracleID:  res.Quote.OracleID,
		Rate:      res.Quote.Rate,
		Decimals:  res.Quote.Decimals,
	}, nil
}

// --- Admin ---

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	qs, err := s.query()
	if err != nil {
		return nil, err
	}
	report, err := qs.VerifyIntegrity(ctx)
	return report, toStatus(err)
}

func (s *ledgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.Snapshotter == nil {
		return nil, status.Error(codes.Unavailable, "snapshots are not configured")
	}
	if err := s.deps.Snapshotter.Take(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Sequence: s.deps.Snapshotter.LastSequence()}, nil
}

// RebuildProjections rewrites the projection tables from the current core
// state.
func (s *ledgerService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.deps.DB == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	u, err := projection.UpdateFromSnapshot(s.deps.Core.CreateSnapshotState())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := projection.Rebuild(ctx, s.deps.DB, u); err != nil {
		return nil, toStatus(err)
	}
	return &RebuildResponse{Sequence: u.Sequence, Accounts: len(u.Balances), Redemptions: len(u.Redemptions)}, nil
}

// --- helpers ---

func (s *ledgerService) query() (*query.QueryService, error) {
	if s.deps.Query == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	return s.deps.Query, nil
}

func parseAddress(field, v string) (common.Address, error) {
	if v == "" {
		return common.Address{}, invalidArgument("%s is required", field)
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, invalidArgument("%s %q is not a hex address", field, v)
	}
	return common.HexToAddress(v), nil
}
