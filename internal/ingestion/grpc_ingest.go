package ingestion

import (
	"context"
	"errors"
	"fmt"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/observability"
)

// GRPCIngestService submits commands synchronously for the RPC surface.
// NATS stays the high-throughput path; this one returns the command result
// to the caller.
type GRPCIngestService struct {
	exec    Executor
	prices  PriceSink
	metrics *observability.Metrics
}

func NewGRPCIngestService(exec Executor, prices PriceSink, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{exec: exec, prices: prices, metrics: metrics}
}

// SubmitResult reports an applied command.
type SubmitResult struct {
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Result         any    `json:"result,omitempty"`
}

// Submit decodes a JSON command of the named type and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, payload []byte) (*SubmitResult, error) {
	t, err := event.ParseEventType(eventType)
	if err != nil {
		s.record("malformed")
		return nil, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	cmd, err := DecodeCommand(t, payload, "")
	if err != nil {
		s.record("malformed")
		return nil, err
	}

	res, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrDuplicateCommand):
			s.record("duplicate")
		case core.IsRejection(err):
			s.record("rejected")
		default:
			s.record("retry")
		}
		return nil, err
	}
	s.record("applied")
	// The core fills in a missing idempotency key before applying.
	return &SubmitResult{
		EventType:      t.String(),
		IdempotencyKey: cmd.Meta().IdempotencyKey,
		Result:         res,
	}, nil
}

// InjectPrice records a feed observation by hand, for operators and tests.
func (s *GRPCIngestService) InjectPrice(ctx context.Context, u *event.PriceUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.prices == nil {
		return false, fmt.Errorf("no feed oracles configured: %w", ErrMalformed)
	}
	if u.Rate == nil || u.Rate.IsZero() {
		return false, fmt.Errorf("price update for %s without rate: %w", u.OracleID, ErrMalformed)
	}
	applied, _, err := s.prices.Apply(u)
	if err != nil {
		s.record("rejected")
		return false, err
	}
	s.record("applied")
	return applied, nil
}

func (s *GRPCIngestService) record(outcome string) {
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues("grpc", outcome).Inc()
	}
}
