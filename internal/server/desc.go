package server

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "msusd.v1.Ledger"

// unary builds the method descriptor of one RPC, the way protoc-gen-go-grpc
// would for a generated service.
func unary[Req, Resp any](name string, fn func(*ledgerService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(*ledgerService)
			if interceptor == nil {
				return fn(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(svc, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", (*ledgerService).Submit),
		unary("InjectPrice", (*ledgerService).InjectPrice),
		unary("GetBalances", (*ledgerService).GetBalances),
		unary("GetSystemBalances", (*ledgerService).GetSystemBalances),
		unary("GetRedemptions", (*ledgerService).GetRedemptions),
		unary("GetJournalHistory", (*ledgerService).GetJournalHistory),
		unary("GetEvent", (*ledgerService).GetEvent),
		unary("GetLedgerInfo", (*ledgerService).GetLedgerInfo),
		unary("GetSupply", (*ledgerService).GetSupply),
		unary("GetVault", (*ledgerService).GetVault),
		unary("GetCooldown", (*ledgerService).GetCooldown),
		unary("ListAssets", (*ledgerService).ListAssets),
		unary("GetRedemptionConfig", (*ledgerService).GetRedemptionConfig),
		unary("QuoteMint", (*ledgerService).QuoteMint),
		unary("QuoteRedeem", (*ledgerService).QuoteRedeem),
		unary("VerifyIntegrity", (*ledgerService).VerifyIntegrity),
		unary("TakeSnapshot", (*ledgerService).TakeSnapshot),
		unary("RebuildProjections", (*ledgerService).RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "msusd/v1/ledger",
}

// FullMethod returns the gRPC method path of an RPC on the ledger service.
func FullMethod(name string) string {
	return "/" + serviceName + "/" + name
}
