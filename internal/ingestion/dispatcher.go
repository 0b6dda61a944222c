package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/observability"
)

// Executor applies commands. *core.DeterministicCore satisfies it.
type Executor interface {
	Execute(ctx context.Context, cmd event.Event) (any, error)
}

// PriceSink accepts feed observations. *oracle.Feeds satisfies it.
type PriceSink interface {
	Apply(u *event.PriceUpdate) (applied, gap bool, err error)
}

// Dispatcher validates raw messages and hands them to the core or the
// price feeds, settling each message according to the outcome.
type Dispatcher struct {
	exec    Executor
	prices  PriceSink
	input   <-chan RawEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewDispatcher builds a dispatcher. prices may be nil when no feed oracles
// are configured; price messages are then terminated.
func NewDispatcher(exec Executor, prices PriceSink, input <-chan RawEvent, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		exec:    exec,
		prices:  prices,
		input:   input,
		metrics: metrics,
		logger:  observability.NewLogger("dispatcher"),
	}
}

// Run processes messages until ctx is cancelled or input is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message synchronously.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	if raw.Kind == KindPrice {
		d.handlePrice(raw)
		return
	}
	d.handleCommand(ctx, raw)
}

func (d *Dispatcher) handleCommand(ctx context.Context, raw RawEvent) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		d.record("malformed")
		raw.term()
		return
	}

	_, err = d.exec.Execute(ctx, cmd)
	switch {
	case err == nil:
		d.record("applied")
		raw.ack()
	case errors.Is(err, core.ErrDuplicateCommand):
		d.record("duplicate")
		raw.ack()
	case core.IsRejection(err):
		d.logger.Info().Err(err).
			Str("event_type", cmd.EventType().String()).
			Str("idempotency_key", cmd.Meta().IdempotencyKey).
			Msg("command rejected")
		d.record("rejected")
		raw.ack()
	default:
		// Infrastructure failure: let JetStream redeliver.
		d.logger.Warn().Err(err).Str("event_type", cmd.EventType().String()).Msg("command failed, will retry")
		d.record("retry")
		raw.nak()
	}
}

func (d *Dispatcher) handlePrice(raw RawEvent) {
	u, err := ParsePriceUpdate(raw)
	if err != nil || d.prices == nil {
		if err == nil {
			err = errors.New("no feed oracles configured")
		}
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping price update")
		d.record("malformed")
		raw.term()
		return
	}

	applied, gap, err := d.prices.Apply(u)
	outcome := "applied"
	switch {
	case err != nil:
		d.logger.Warn().Err(err).Str("oracle", u.OracleID).Msg("price update rejected")
		outcome = "rejected"
	case !applied:
		outcome = "stale"
	}
	if d.metrics != nil {
		d.metrics.PriceUpdates.WithLabelValues(u.OracleID, outcome).Inc()
		if gap {
			d.metrics.PriceSequenceGaps.WithLabelValues(u.OracleID).Inc()
		}
	}
	if gap {
		d.logger.Warn().Str("oracle", u.OracleID).Int64("sequence", u.Sequence).Msg("price sequence gap")
	}
	d.record(outcome)
	raw.ack()
}

func (d *Dispatcher) record(outcome string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues("nats", outcome).Inc()
	}
}
