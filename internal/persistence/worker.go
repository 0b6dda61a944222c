package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/observability"
)

// RecordWriter durably stores applied commands.
type RecordWriter interface {
	WriteRecords(ctx context.Context, records []Record) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel blocking, so if this worker falls behind
// the core stalls and no event is lost.
type PersistenceWorker struct {
	writer       RecordWriter
	input        <-chan core.CoreOutput
	published    chan<- *event.EventEnvelope
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	writer RecordWriter,
	input <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       writer,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// PublishTo forwards every envelope to ch once its batch is durable.
func (pw *PersistenceWorker) PublishTo(ch chan<- *event.EventEnvelope) {
	pw.published = ch
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Returns nil when the input channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Record, 0, pw.batchSize)
	envelopes := make([]*event.EventEnvelope, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(fctx context.Context, reason string) error {
		if len(batch) == 0 {
			return nil
		}
		if err := pw.flushWithRetry(fctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(batch)).Msg("flush failed")
			return err
		}
		pw.forward(ctx, envelopes)
		batch = batch[:0]
		envelopes = envelopes[:0]
		return nil
	}

	final := func(reason string) error {
		fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return flush(fctx, reason)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever the core already handed over.
			for {
				select {
				case out, ok := <-pw.input:
					if !ok {
						return final("shutdown")
					}
					batch = append(batch, NewRecord(out))
					envelopes = append(envelopes, out.Envelope)
				default:
					if err := final("shutdown"); err != nil {
						return err
					}
					return ctx.Err()
				}
			}

		case out, ok := <-pw.input:
			if !ok {
				return final("closed")
			}
			batch = append(batch, NewRecord(out))
			envelopes = append(envelopes, out.Envelope)
			if len(batch) >= pw.batchSize {
				if err := flush(ctx, "full"); err != nil {
					return err
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := flush(ctx, "timeout"); err != nil {
				return err
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// If ctx is cancelled mid-retry, one last attempt is made on a background
// context so the batch is not lost.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, records []Record) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(records)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), records); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, records)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence write failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, records []Record) error {
	start := time.Now()
	if err := pw.writer.WriteRecords(ctx, records); err != nil {
		return err
	}

	if pw.metrics != nil {
		journals := 0
		for _, r := range records {
			journals += len(r.Journals)
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(records)))
		pw.metrics.PersistEventsWritten.Add(float64(len(records)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Event.Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) forward(ctx context.Context, envelopes []*event.EventEnvelope) {
	if pw.published == nil {
		return
	}
	for _, env := range envelopes {
		select {
		case pw.published <- env:
		case <-ctx.Done():
			return
		}
	}
}
