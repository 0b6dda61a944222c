package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"msusd/internal/config"
	"msusd/internal/core"
	"msusd/internal/ingestion"
	fpmath "msusd/internal/math"
	"msusd/internal/observability"
	"msusd/internal/oracle"
	"msusd/internal/query"
)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	msusd = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	vault = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

func newTestServer(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()
	reg := oracle.NewRegistry()
	require.NoError(t, reg.Register("usdc-usd", oracle.NewFixedOracle(uint256.NewInt(100_000_000), 8)))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := core.NewDeterministicCore(0, core.Config{
		Owner:       owner,
		MsUSD:       msusd,
		Vault:       vault,
		SupplyLimit: fpmath.Units(1_000_000, 18),
		ClaimDelay:  time.Hour,
	}, core.Options{
		Oracles:     reg,
		Clock:       func() time.Time { return now },
		PersistChan: make(chan core.CoreOutput, 64),
	})
	require.NoError(t, err)

	feeds := oracle.NewFeeds()
	feeds.Add(oracle.NewFeedOracle("dai-usd", time.Minute, func() time.Time { return now }))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	health := observability.NewHealthChecker()
	health.SetReady(true)
	return New(cfg, Deps{
		Core:    c,
		Ingest:  ingestion.NewGRPCIngestService(c, feeds, metrics),
		Health:  health,
		Metrics: metrics,
	})
}

func dialBufconn(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.GRPCServer().Serve(lis) }()
	t.Cleanup(s.GRPCServer().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func addAssetCommand(caller common.Address) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"idempotency_key":"add-usdc","caller":%q,"asset":%q,"oracle_id":"usdc-usd","decimals":6}`,
		caller.Hex(), usdc.Hex()))
}

func TestGRPC_SubmitAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, config.ServerConfig{})
	conn := dialBufconn(t, s)

	var submitted ingestion.SubmitResult
	err := conn.Invoke(ctx, FullMethod("Submit"), &SubmitRequest{EventType: "AddAsset", Command: addAssetCommand(owner)}, &submitted)
	require.NoError(t, err)
	require.Equal(t, "AddAsset", submitted.EventType)
	require.Equal(t, "add-usdc", submitted.IdempotencyKey)

	err = conn.Invoke(ctx, FullMethod("Submit"), &SubmitRequest{EventType: "AddAsset", Command: addAssetCommand(owner)}, &submitted)
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	err = conn.Invoke(ctx, FullMethod("Submit"), &SubmitRequest{EventType: "Mystery", Command: json.RawMessage(`{}`)}, &submitted)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	var assets AssetsResponse
	require.NoError(t, conn.Invoke(ctx, FullMethod("ListAssets"), &Empty{}, &assets))
	require.Len(t, assets.Assets, 1)
	require.Equal(t, usdc, assets.Assets[0].Asset)

	var info LedgerInfo
	require.NoError(t, conn.Invoke(ctx, FullMethod("GetLedgerInfo"), &Empty{}, &info))
	require.Equal(t, int64(1), info.NextSequence)
	require.Nil(t, info.ProjectionSequence)

	var balances query.BalancesResponse
	err = conn.Invoke(ctx, FullMethod("GetBalances"), &OwnerRequest{Owner: alice.Hex()}, &balances)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPC_InjectPrice(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, config.ServerConfig{})
	conn := dialBufconn(t, s)

	price := json.RawMessage(`{"oracle_id":"dai-usd","rate":"100000000","decimals":8,"sequence":1}`)
	var res InjectPriceResponse
	require.NoError(t, conn.Invoke(ctx, FullMethod("InjectPrice"), &price, &res))
	require.True(t, res.Applied)

	require.NoError(t, conn.Invoke(ctx, FullMethod("InjectPrice"), &price, &res))
	require.False(t, res.Applied)

	unknown := json.RawMessage(`{"oracle_id":"eth-usd","rate":"1","sequence":1}`)
	err := conn.Invoke(ctx, FullMethod("InjectPrice"), &unknown, &res)
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestHTTP_Routes(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{})
	handler, err := s.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	post := func(path, body string) *http.Response {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}
	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post("/v1/commands/AddAsset", string(addAssetCommand(alice)))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var failure errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&failure))
	require.Equal(t, codes.PermissionDenied.String(), failure.Code)

	resp = post("/v1/commands/AddAsset", string(addAssetCommand(owner)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get("/v1/quotes/mint?asset=" + usdc.Hex() + "&amount=1000000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var quote QuoteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quote))
	require.Equal(t, fpmath.Units(1, 18), quote.AmountOut)
	require.Equal(t, "usdc-usd", quote.OracleID)

	resp = get("/v1/tokens/" + msusd.Hex() + "/supply")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var supply SupplyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&supply))
	require.True(t, supply.TotalSupply.IsZero())
	require.Equal(t, fpmath.Units(1_000_000, 18), supply.SupplyLimit)

	require.Equal(t, http.StatusBadRequest, get("/v1/owners/not-an-address/cooldown").StatusCode)
	require.Equal(t, http.StatusBadRequest, get("/v1/users/"+alice.Hex()+"/journal?limit=x").StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, get("/v1/owners/"+alice.Hex()+"/balances").StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, post("/v1/admin/snapshot", "").StatusCode)
	require.Equal(t, http.StatusOK, get("/healthz").StatusCode)
	require.Equal(t, http.StatusOK, get("/readyz").StatusCode)
}

func TestHTTP_RateLimit(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{RateLimit: 0.001, RateBurst: 1})
	handler, err := s.Handler()
	require.NoError(t, err)

	call := func() int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/vault", nil))
		return rec.Code
	}
	require.Equal(t, http.StatusOK, call())
	require.Equal(t, http.StatusTooManyRequests, call())

	// Health endpoints are not rate limited.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("SetRole k: %w", core.ErrDuplicateCommand), codes.AlreadyExists},
		{fmt.Errorf("mint: %w", core.ErrNotWhitelisted), codes.PermissionDenied},
		{fmt.Errorf("mint: %w", core.ErrNotSupportedAsset), codes.NotFound},
		{fmt.Errorf("event 9: %w", query.ErrNotFound), codes.NotFound},
		{fmt.Errorf("bad json: %w", ingestion.ErrMalformed), codes.InvalidArgument},
		{fmt.Errorf("mint: %w", core.ErrInvalidAmount), codes.InvalidArgument},
		{fmt.Errorf("mint: %w", core.ErrSupplyLimitExceeded), codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("connection refused"), codes.Internal},
		{status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, status.Code(toStatus(tc.err)), "%v", tc.err)
	}
	require.NoError(t, toStatus(nil))
}
