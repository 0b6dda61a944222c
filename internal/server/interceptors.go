package server

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"msusd/internal/observability"
)

// observer wraps every RPC, whether it arrives over gRPC or HTTP, in the
// rate limit, a span, metrics and a log line.
type observer struct {
	limiter *rate.Limiter // nil disables limiting
	metrics *observability.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
}

func newObserver(ratePerSecond float64, burst int, metrics *observability.Metrics) *observer {
	o := &observer{
		metrics: metrics,
		tracer:  observability.Tracer("rpc"),
		logger:  observability.NewLogger("rpc"),
	}
	if ratePerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return o
}

func (o *observer) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if o.limiter != nil && !o.limiter.Allow() {
		err := status.Error(codes.ResourceExhausted, "rate limit exceeded")
		o.record(method, err, 0)
		return err
	}

	ctx, span := o.tracer.Start(ctx, method)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	o.record(method, err, elapsed)
	return err
}

func (o *observer) record(method string, err error, elapsed time.Duration) {
	code := status.Code(err)
	if o.metrics != nil {
		o.metrics.QueryRequests.WithLabelValues(method).Inc()
		o.metrics.QueryDuration.WithLabelValues(method).Observe(elapsed.Seconds())
		if err != nil {
			o.metrics.QueryErrors.WithLabelValues(method, code.String()).Inc()
		}
	}

	ev := o.logger.Debug()
	if code == codes.Internal || code == codes.Unknown {
		ev = o.logger.Error()
	}
	ev.Str("method", method).Str("code", code.String()).Dur("elapsed", elapsed).Err(err).Msg("rpc")
}

// unary is the gRPC form of call. Health and reflection RPCs bypass it.
func (o *observer) unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.") {
		return handler(ctx, req)
	}
	var resp any
	err := o.call(ctx, path.Base(info.FullMethod), func(ctx context.Context) error {
		var err error
		resp, err = handler(ctx, req)
		return err
	})
	return resp, err
}
