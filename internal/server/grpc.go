package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"msusd/internal/config"
	"msusd/internal/event"
	"msusd/internal/observability"
)

const maxBodyBytes = 1 << 20

// Server serves the ledger service over gRPC and HTTP/JSON. Both surfaces
// call the same handlers.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	healthSrv  *health.Server
	grpcAddr   string
	httpAddr   string
	svc        *ledgerService
	obs        *observer
	health     *observability.HealthChecker
	logger     zerolog.Logger
}

// New creates the servers with all services registered.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		grpcAddr: cfg.GRPCAddr,
		httpAddr: cfg.HTTPAddr,
		svc:      &ledgerService{deps: deps},
		obs:      newObserver(cfg.RateLimit, cfg.RateBurst, deps.Metrics),
		health:   deps.Health,
		logger:   observability.NewLogger("server"),
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.obs.unary))
	s.grpcServer.RegisterService(&ledgerServiceDesc, s.svc)

	s.healthSrv = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
	s.healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	return s
}

// GRPCServer exposes the underlying server, e.g. to serve on a custom
// listener.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// SetServing flips the gRPC health status of the ledger service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", st)
	s.healthSrv.SetServingStatus(serviceName, st)
}

// ServeGRPC starts the gRPC server (blocking).
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthSrv.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// ServeHTTP starts the HTTP/JSON gateway (blocking).
func (s *Server) ServeHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the HTTP/JSON surface: the gateway routes plus health
// endpoints.
func (s *Server) Handler() (http.Handler, error) {
	gw := runtime.NewServeMux()
	for _, rt := range s.routes() {
		if err := gw.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if s.health != nil {
		mux.HandleFunc("/healthz", s.health.LivenessHandler)
		mux.HandleFunc("/readyz", s.health.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux, nil
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		// Commands
		{"POST", "/v1/commands/{event_type}", handle(s, "Submit", (*ledgerService).Submit,
			func(r *http.Request, p map[string]string, req *SubmitRequest) error {
				req.EventType = p["event_type"]
				body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
				req.Command = body
				return err
			})},
		{"POST", "/v1/prices", handle(s, "InjectPrice", (*ledgerService).InjectPrice, bindBody[event.PriceUpdate])},

		// Projections
		{"GET", "/v1/owners/{owner}/balances", handle(s, "GetBalances", (*ledgerService).GetBalances,
			func(_ *http.Request, p map[string]string, req *OwnerRequest) error {
				req.Owner = p["owner"]
				return nil
			})},
		{"GET", "/v1/system/balances", handle(s, "GetSystemBalances", (*ledgerService).GetSystemBalances, nil)},
		{"GET", "/v1/users/{user}/redemptions", handle(s, "GetRedemptions", (*ledgerService).GetRedemptions,
			func(r *http.Request, p map[string]string, req *RedemptionsRequest) error {
				req.User = p["user"]
				req.Asset = r.URL.Query().Get("asset")
				var err error
				req.IncludeSettled, err = queryBool(r, "include_settled")
				return err
			})},
		{"GET", "/v1/users/{user}/journal", handle(s, "GetJournalHistory", (*ledgerService).GetJournalHistory,
			func(r *http.Request, p map[string]string, req *JournalRequest) error {
				req.User = p["user"]
				limit, err := queryInt(r, "limit")
				if err != nil {
					return err
				}
				req.Limit = int(limit)
				if r.URL.Query().Has("before") {
					before, err := queryInt(r, "before")
					if err != nil {
						return err
					}
					req.BeforeSequence = &before
				}
				return nil
			})},
		{"GET", "/v1/events/{sequence}", handle(s, "GetEvent", (*ledgerService).GetEvent,
			func(_ *http.Request, p map[string]string, req *EventRequest) error {
				var err error
				req.Sequence, err = strconv.ParseInt(p["sequence"], 10, 64)
				return err
			})},

		// Live state
		{"GET", "/v1/ledger", handle(s, "GetLedgerInfo", (*ledgerService).GetLedgerInfo, nil)},
		{"GET", "/v1/tokens/{token}/supply", handle(s, "GetSupply", (*ledgerService).GetSupply,
			func(_ *http.Request, p map[string]string, req *TokenRequest) error {
				req.Token = p["token"]
				return nil
			})},
		{"GET", "/v1/vault", handle(s, "GetVault", (*ledgerService).GetVault, nil)},
		{"GET", "/v1/owners/{owner}/cooldown", handle(s, "GetCooldown", (*ledgerService).GetCooldown,
			func(_ *http.Request, p map[string]string, req *OwnerRequest) error {
				req.Owner = p["owner"]
				return nil
			})},
		{"GET", "/v1/assets", handle(s, "ListAssets", (*ledgerService).ListAssets, nil)},
		{"GET", "/v1/assets/{asset}/redemption", handle(s, "GetRedemptionConfig", (*ledgerService).GetRedemptionConfig,
			func(_ *http.Request, p map[string]string, req *AssetRequest) error {
				req.Asset = p["asset"]
				return nil
			})},
		{"GET", "/v1/quotes/mint", handle(s, "QuoteMint", (*ledgerService).QuoteMint, bindQuote)},
		{"GET", "/v1/quotes/redeem", handle(s, "QuoteRedeem", (*ledgerService).QuoteRedeem, bindQuote)},

		// Admin
		{"POST", "/v1/admin/verify", handle(s, "VerifyIntegrity", (*ledgerService).VerifyIntegrity, nil)},
		{"POST", "/v1/admin/snapshot", handle(s, "TakeSnapshot", (*ledgerService).TakeSnapshot, nil)},
		{"POST", "/v1/admin/rebuild-projections", handle(s, "RebuildProjections", (*ledgerService).RebuildProjections, nil)},
	}
}

// handle adapts a service method to a gateway route. bind fills the request
// from the path, query string or body.
func handle[Req, Resp any](
	s *Server,
	name string,
	fn func(*ledgerService, context.Context, *Req) (*Resp, error),
	bind func(*http.Request, map[string]string, *Req) error,
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		if bind != nil {
			if err := bind(r, params, req); err != nil {
				writeError(w, invalidArgument("%v", err))
				return
			}
		}

		var resp *Resp
		err := s.obs.call(r.Context(), name, func(ctx context.Context) error {
			var err error
			resp, err = fn(s.svc, ctx, req)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func bindBody[Req any](r *http.Request, _ map[string]string, req *Req) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func bindQuote(r *http.Request, _ map[string]string, req *QuoteRequest) error {
	req.Asset = r.URL.Query().Get("asset")
	req.Amount = r.URL.Query().Get("amount")
	return nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
