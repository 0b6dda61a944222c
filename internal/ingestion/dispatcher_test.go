package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/ingestion"
	"msusd/internal/observability"
	"msusd/internal/oracle"
)

type fakeExecutor struct {
	err  error
	seen []event.Event
}

func (f *fakeExecutor) Execute(_ context.Context, cmd event.Event) (any, error) {
	f.seen = append(f.seen, cmd)
	return nil, f.err
}

// settled records how a message was settled.
type settled struct{ ack, nak, term int }

func (s *settled) raw(kind ingestion.MessageKind, subject, data string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Kind:     kind,
		Subject:  subject,
		Data:     []byte(data),
		AckFunc:  func() { s.ack++ },
		NakFunc:  func() { s.nak++ },
		TermFunc: func() { s.term++ },
	}
}

const setRole = `{"idempotency_key":"k-1","caller":"` + aliceHex + `","role":"depositor","holder":"` + usdcHex + `"}`

func TestDispatcher_SettlesCommandsByOutcome(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		want    settled
		outcome string
	}{
		{"applied", nil, settled{ack: 1}, "applied"},
		{"duplicate", fmt.Errorf("SetRole k-1: %w", core.ErrDuplicateCommand), settled{ack: 1}, "duplicate"},
		{"rejected", fmt.Errorf("SetRole: %w", core.ErrNotAuthorized), settled{ack: 1}, "rejected"},
		{"transient", errors.New("idempotency lookup: connection refused"), settled{nak: 1}, "retry"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			exec := &fakeExecutor{err: tc.err}
			d := ingestion.NewDispatcher(exec, nil, nil, metrics)

			var s settled
			d.Handle(context.Background(), s.raw(ingestion.KindCommand, "msusd.commands.SetRole", setRole))
			require.Equal(t, tc.want, s)
			require.Len(t, exec.seen, 1)
			require.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("nats", tc.outcome)))
		})
	}
}

func TestDispatcher_TerminatesMalformed(t *testing.T) {
	exec := &fakeExecutor{}
	d := ingestion.NewDispatcher(exec, nil, nil, nil)

	var s settled
	d.Handle(context.Background(), s.raw(ingestion.KindCommand, "msusd.commands.SetRole", `{nope`))
	d.Handle(context.Background(), s.raw(ingestion.KindPrice, "msusd.prices.usdc-usd", `{"rate":"1","sequence":1}`))
	require.Equal(t, settled{term: 2}, s)
	require.Empty(t, exec.seen)
}

func TestDispatcher_AppliesPricesInOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feeds := oracle.NewFeeds()
	feed := oracle.NewFeedOracle("usdc-usd", time.Minute, func() time.Time { return now })
	feeds.Add(feed)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d := ingestion.NewDispatcher(&fakeExecutor{}, feeds, nil, metrics)

	var s settled
	price := func(seq int64, rate string) string {
		return fmt.Sprintf(`{"rate":%q,"decimals":8,"sequence":%d,"published_at":"2026-01-01T00:00:00Z"}`, rate, seq)
	}
	d.Handle(context.Background(), s.raw(ingestion.KindPrice, "msusd.prices.usdc-usd", price(1, "100000000")))
	d.Handle(context.Background(), s.raw(ingestion.KindPrice, "msusd.prices.usdc-usd", price(3, "99990000")))
	d.Handle(context.Background(), s.raw(ingestion.KindPrice, "msusd.prices.usdc-usd", price(2, "1")))
	d.Handle(context.Background(), s.raw(ingestion.KindPrice, "msusd.prices.dai-usd", price(1, "100000000")))
	require.Equal(t, settled{ack: 4}, s)

	rate, decimals, err := feed.Quote(context.Background(), common.Address{})
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(99_990_000), rate)
	require.Equal(t, uint8(8), decimals)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.PriceUpdates.WithLabelValues("usdc-usd", "applied")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PriceUpdates.WithLabelValues("usdc-usd", "stale")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PriceUpdates.WithLabelValues("dai-usd", "rejected")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PriceSequenceGaps.WithLabelValues("usdc-usd")))
}

func TestDispatcher_RunDrainsInput(t *testing.T) {
	input := make(chan ingestion.RawEvent, 2)
	var s settled
	input <- s.raw(ingestion.KindCommand, "msusd.commands.SetRole", setRole)
	input <- s.raw(ingestion.KindCommand, "msusd.commands.SetRole", setRole)
	close(input)

	exec := &fakeExecutor{}
	require.NoError(t, ingestion.NewDispatcher(exec, nil, input, nil).Run(context.Background()))
	require.Len(t, exec.seen, 2)
	require.Equal(t, 2, s.ack)
}

func TestGRPCIngest_Submit(t *testing.T) {
	exec := &fakeExecutor{}
	svc := ingestion.NewGRPCIngestService(exec, nil, nil)

	res, err := svc.Submit(context.Background(), "SetRole", []byte(setRole))
	require.NoError(t, err)
	require.Equal(t, "SetRole", res.EventType)
	require.Equal(t, "k-1", res.IdempotencyKey)

	_, err = svc.Submit(context.Background(), "Mystery", []byte(setRole))
	require.ErrorIs(t, err, ingestion.ErrMalformed)

	exec.err = fmt.Errorf("SetRole: %w", core.ErrNotAuthorized)
	_, err = svc.Submit(context.Background(), "SetRole", []byte(setRole))
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	_, err = svc.InjectPrice(context.Background(), &event.PriceUpdate{OracleID: "x", Rate: uint256.NewInt(1)})
	require.ErrorIs(t, err, ingestion.ErrMalformed)
}

type fakePublisher struct {
	subjects []string
	bodies   [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{Sequence: uint64(len(f.subjects))}, nil
}

func TestOutboundPublisher(t *testing.T) {
	input := make(chan *event.EventEnvelope, 1)
	env := &event.EventEnvelope{
		Sequence:       7,
		EventType:      event.EventTypeMint,
		IdempotencyKey: "mint-7",
		Payload:        []byte(`{"amount_in":"1"}`),
	}
	env.StateHash[0] = 0xab
	input <- env
	close(input)

	pub := &fakePublisher{}
	require.NoError(t, ingestion.NewOutboundPublisher(pub, input, nil).Run(context.Background()))
	require.Equal(t, []string{"msusd.ledger.events.Mint"}, pub.subjects)

	var got ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(pub.bodies[0], &got))
	require.Equal(t, int64(7), got.Sequence)
	require.Equal(t, "Mint", got.EventType)
	require.Equal(t, "mint-7", got.IdempotencyKey)
	require.JSONEq(t, `{"amount_in":"1"}`, string(got.Payload))
	require.Equal(t, "0xab", got.StateHash[:4])
}
