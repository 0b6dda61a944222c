package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"msusd/internal/core"
	"msusd/internal/ingestion"
	"msusd/internal/oracle"
	"msusd/internal/query"
)

var statusCodes = []struct {
	err  error
	code codes.Code
}{
	{core.ErrDuplicateCommand, codes.AlreadyExists},
	{core.ErrAlreadyExists, codes.AlreadyExists},
	{core.ErrAlreadySet, codes.AlreadyExists},
	{core.ErrNotAuthorized, codes.PermissionDenied},
	{core.ErrNotWhitelisted, codes.PermissionDenied},
	{core.ErrNotSupportedAsset, codes.NotFound},
	{query.ErrNotFound, codes.NotFound},
	{oracle.ErrUnknownOracle, codes.NotFound},
	{ingestion.ErrMalformed, codes.InvalidArgument},
	{core.ErrUnknownCommand, codes.InvalidArgument},
	{core.ErrInvalidAmount, codes.InvalidArgument},
	{core.ErrInvalidZeroAddress, codes.InvalidArgument},
	{core.ErrInvalidAddress, codes.InvalidArgument},
	{core.ErrReentrantCall, codes.Aborted},
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
}

// toStatus maps ledger errors onto gRPC status codes. Every other protocol
// rejection is a failed precondition: the request was well formed but the
// ledger state does not allow it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range statusCodes {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	if core.IsRejection(err) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
